// SPDX-License-Identifier: MIT

// Package pdu decodes SMS-DELIVER TPDUs as presented on the AT interface:
// a hex string covering the SMSC block and the TPDU proper.
//
// Decoding never fails. Malformed input yields a sentinel message so a
// single broken PDU cannot take down the receive pipeline.
package pdu

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// Partial carries the concatenation metadata from a user data header.
type Partial struct {
	// Reference groups the parts of one long message. 8-bit on the
	// wire for IEI 0x00, 16-bit big-endian for IEI 0x08.
	Reference uint16
	// Total is the number of parts in the set.
	Total int
	// Seq is this part's position, 1..Total.
	Seq int
}

// SMS is one decoded message.
type SMS struct {
	// Index is the storage slot the message was read from, when known.
	Index string
	// Sender is the originating address as bare digits.
	Sender    string
	Content   string
	Timestamp time.Time
	// Partial is nil for a self-contained message.
	Partial *Partial
}

// gsm7Alphabet is the GSM 03.38 default alphabet, indexed by septet value.
var gsm7Alphabet = []rune("@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞ\x1bÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà")

// Decode parses a SMS-DELIVER PDU hex string. Any structural or decoding
// error is swallowed and a sentinel SMS is returned instead.
func Decode(pduHex string) SMS {
	sms, err := decode(pduHex)
	if err != nil {
		return SMS{
			Sender:    "unknown",
			Content:   "PDU decode failed: " + pduHex,
			Timestamp: time.Now(),
		}
	}
	return sms
}

func decode(pduHex string) (SMS, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(pduHex))
	if err != nil {
		return SMS{}, errors.Wrap(err, "bad hex")
	}
	p := 0
	octet := func() (byte, error) {
		if p >= len(raw) {
			return 0, errors.New("truncated pdu")
		}
		b := raw[p]
		p++
		return b, nil
	}
	take := func(n int) ([]byte, error) {
		if p+n > len(raw) {
			return nil, errors.New("truncated pdu")
		}
		b := raw[p : p+n]
		p += n
		return b, nil
	}

	// SMSC block: length octet then that many octets.
	smscLen, err := octet()
	if err != nil {
		return SMS{}, err
	}
	if _, err = take(int(smscLen)); err != nil {
		return SMS{}, err
	}

	pduType, err := octet()
	if err != nil {
		return SMS{}, err
	}
	hasUDH := pduType&0x40 != 0

	// Originating address: digit count, type-of-address, semi-octets.
	senderDigits, err := octet()
	if err != nil {
		return SMS{}, err
	}
	if _, err = octet(); err != nil { // type-of-address
		return SMS{}, err
	}
	senderBytes, err := take((int(senderDigits) + 1) / 2)
	if err != nil {
		return SMS{}, err
	}
	sender := decodeNumber(senderBytes, int(senderDigits))

	if _, err = octet(); err != nil { // protocol identifier
		return SMS{}, err
	}
	dcs, err := octet()
	if err != nil {
		return SMS{}, err
	}
	isUCS2 := dcs&0x0F == 0x08

	tsBytes, err := take(7)
	if err != nil {
		return SMS{}, err
	}
	ts := decodeTimestamp(tsBytes)

	udl, err := octet()
	if err != nil {
		return SMS{}, err
	}
	data := raw[p:]

	var partial *Partial
	udhOctets := 0
	if hasUDH {
		if len(data) == 0 {
			return SMS{}, errors.New("missing udh")
		}
		udhOctets = int(data[0]) + 1
		if udhOctets > len(data) {
			return SMS{}, errors.New("truncated udh")
		}
		partial = parseUDH(data[1:udhOctets])
	}

	content := ""
	body := data[udhOctets:]
	if isUCS2 {
		content = decodeUCS2(body)
	} else {
		septets := int(udl)
		fillBits := 0
		if udhOctets > 0 {
			fillBits = (7 - (udhOctets*8)%7) % 7
			septets -= (udhOctets*8 + fillBits) / 7
			if septets < 0 {
				septets = 0
			}
		}
		content = decodeGSM7(body, septets, fillBits)
	}

	return SMS{
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
		Partial:   partial,
	}, nil
}

// parseUDH scans the information elements of a user data header for a
// concatenation element (IEI 0x00 with an 8-bit reference, IEI 0x08 with a
// 16-bit one). Elements that violate 1 <= seq <= total are ignored.
func parseUDH(ie []byte) *Partial {
	for i := 0; i+1 < len(ie); {
		iei, ieLen := ie[i], int(ie[i+1])
		body := i + 2
		if body+ieLen > len(ie) {
			return nil
		}
		switch {
		case iei == 0x00 && ieLen >= 3:
			p := &Partial{
				Reference: uint16(ie[body]),
				Total:     int(ie[body+1]),
				Seq:       int(ie[body+2]),
			}
			if p.Seq >= 1 && p.Seq <= p.Total {
				return p
			}
		case iei == 0x08 && ieLen >= 4:
			p := &Partial{
				Reference: binary.BigEndian.Uint16(ie[body : body+2]),
				Total:     int(ie[body+2]),
				Seq:       int(ie[body+3]),
			}
			if p.Seq >= 1 && p.Seq <= p.Total {
				return p
			}
		}
		i = body + ieLen
	}
	return nil
}

// decodeNumber unpacks semi-octet BCD digits, low nibble first. A nibble
// above 9 (the 0xF filler) ends the number.
func decodeNumber(b []byte, digits int) string {
	var sb strings.Builder
	for _, octet := range b {
		for _, nibble := range [2]byte{octet & 0x0F, octet >> 4} {
			if sb.Len() >= digits || nibble > 9 {
				return sb.String()
			}
			sb.WriteByte('0' + nibble)
		}
	}
	return sb.String()
}

// decodeTimestamp converts the 7-octet service centre time stamp. The time
// zone octet is ignored; implausible fields fall back to the current time.
func decodeTimestamp(b []byte) time.Time {
	swap := func(x byte) int { return int(x&0x0F)*10 + int(x>>4) }
	year := 2000 + swap(b[0])
	month := swap(b[1])
	day := swap(b[2])
	hour := swap(b[3])
	min := swap(b[4])
	sec := swap(b[5])
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || min > 59 || sec > 59 {
		return time.Now()
	}
	t := time.Date(year, time.Month(month), day, hour, min, sec, 0, time.Local)
	if t.Day() != day { // e.g. Feb 31 normalized away
		return time.Now()
	}
	return t
}

// decodeGSM7 unpacks packed septets and maps them through the default
// alphabet. fillBits skips the padding inserted after a user data header so
// the first septet is byte-aligned; septets bounds the output length.
func decodeGSM7(data []byte, septets, fillBits int) string {
	if septets < 0 {
		septets = 0
	}
	var acc uint
	bits := 0
	if fillBits > 0 && len(data) > 0 {
		acc = uint(data[0]) >> fillBits
		bits = 8 - fillBits
		data = data[1:]
	}
	codes := make([]byte, 0, septets)
	emit := func() {
		for bits >= 7 {
			codes = append(codes, byte(acc&0x7F))
			acc >>= 7
			bits -= 7
		}
	}
	emit()
	for _, b := range data {
		acc |= uint(b) << bits
		bits += 8
		emit()
	}
	if bits > 0 && len(codes) < septets {
		codes = append(codes, byte(acc&0x7F))
	}
	if len(codes) > septets {
		codes = codes[:septets]
	}
	var sb strings.Builder
	for _, c := range codes {
		if int(c) < len(gsm7Alphabet) {
			sb.WriteRune(gsm7Alphabet[c])
		} else {
			sb.WriteByte('?')
		}
	}
	return sb.String()
}

// decodeUCS2 interprets the body as big-endian 16-bit units.
func decodeUCS2(b []byte) string {
	if len(b)%2 != 0 {
		return strings.Repeat("?", len(b)/2)
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units))
}
