// SPDX-License-Identifier: MIT

// Package modem decorates the AT driver with the procedures the gateway
// performs against the modem: receive-path initialisation, readiness
// probing, reading stored messages, and PDCP report control.
package modem

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"atgateway/at"
	"atgateway/info"
	"atgateway/pdu"
)

// Modem wraps an AT driver with the gateway's modem procedures.
type Modem struct {
	*at.AT
	log *zap.Logger
}

// Option is a construction option for a Modem.
type Option func(*Modem)

// WithLogger sets the logger used by the Modem.
func WithLogger(log *zap.Logger) Option {
	return func(m *Modem) {
		m.log = log
	}
}

// New creates a new Modem on an AT driver.
func New(a *at.AT, options ...Option) *Modem {
	m := Modem{AT: a}
	for _, option := range options {
		option(&m)
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return &m
}

// Init puts the modem receive path into the state the gateway expects:
// URC-on-receive message indications (+CNMI), PDU mode (+CMGF=0) and caller
// id presentation (+CLIP).
//
// The current settings are queried first and only changed when they differ.
// A failing query aborts the init, as the modem is clearly not talking; a
// failing set is logged and skipped, as some firmwares reject individual
// settings while the rest of the path still works.
func (m *Modem) Init(ctx context.Context) error {
	cnmi, err := m.Command(ctx, "+CNMI?")
	if err != nil {
		return errors.WithMessage(err, "query CNMI")
	}
	cmgf, err := m.Command(ctx, "+CMGF?")
	if err != nil {
		return errors.WithMessage(err, "query CMGF")
	}
	if !contains(cnmi, "+CNMI: 2,1,0,2,0") {
		if _, err = m.Command(ctx, "+CNMI=2,1,0,2,0"); err != nil {
			m.log.Warn("set CNMI failed", zap.Error(err))
		}
	}
	if !contains(cmgf, "+CMGF: 0") {
		if _, err = m.Command(ctx, "+CMGF=0"); err != nil {
			m.log.Warn("set CMGF failed", zap.Error(err))
		}
	}
	if _, err = m.Command(ctx, "+CLIP=1"); err != nil {
		m.log.Warn("set CLIP failed", zap.Error(err))
	}
	return nil
}

// Ready reports whether the SIM is ready for messaging operations.
func (m *Modem) Ready(ctx context.Context) (bool, error) {
	i, err := m.Command(ctx, "+CPIN?")
	if err != nil {
		return false, err
	}
	return contains(i, "+CPIN: READY"), nil
}

// ReadMessage reads the stored message at the given index.
//
// The response can carry zero or more messages; each is decoded from its PDU
// line. Decode failures yield sentinel messages rather than errors.
func (m *Modem) ReadMessage(ctx context.Context, index int) ([]pdu.SMS, error) {
	i, err := m.Command(ctx, "+CMGR="+strconv.Itoa(index))
	if err != nil {
		return nil, err
	}
	msgs := decodeMessages(i)
	for j := range msgs {
		if msgs[j].Index == "" {
			msgs[j].Index = strconv.Itoa(index)
		}
	}
	return msgs, nil
}

// ListUnread reads all stored unread messages.
func (m *Modem) ListUnread(ctx context.Context) ([]pdu.SMS, error) {
	i, err := m.Command(ctx, "+CMGL=0")
	if err != nil {
		return nil, err
	}
	return decodeMessages(i), nil
}

// SetPdcpReport enables or disables unsolicited PDCP throughput reporting,
// optionally with a reporting interval. A zero intervalMs leaves the
// modem's current interval in place.
func (m *Modem) SetPdcpReport(ctx context.Context, enable bool, intervalMs int) error {
	cmd := "^PDCPDATAINFO=0"
	if enable {
		cmd = "^PDCPDATAINFO=1"
	}
	if intervalMs != 0 {
		if intervalMs < 200 || intervalMs > 65535 {
			return errors.Errorf("pdcp interval %dms out of range", intervalMs)
		}
		cmd += "," + strconv.Itoa(intervalMs)
	}
	_, err := m.Command(ctx, cmd)
	return err
}

// QueryPdcpReport returns the modem's current PDCP reporting settings.
func (m *Modem) QueryPdcpReport(ctx context.Context) ([]string, error) {
	return m.Command(ctx, "^PDCPDATAINFO?")
}

// decodeMessages scans command info lines for stored messages: a +CMG
// status line followed by a PDU hex line. +CMGL status lines carry the
// storage index as their first field.
func decodeMessages(lines []string) []pdu.SMS {
	var msgs []pdu.SMS
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "+CMG") || i+1 >= len(lines) {
			continue
		}
		hex := strings.TrimSpace(lines[i+1])
		if !info.IsHex(hex) {
			continue
		}
		sms := pdu.Decode(hex)
		if info.HasPrefix(lines[i], "+CMGL") {
			fields := strings.SplitN(info.TrimPrefix(lines[i], "+CMGL"), ",", 2)
			sms.Index = strings.TrimSpace(fields[0])
		}
		msgs = append(msgs, sms)
		i++
	}
	return msgs
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if strings.Contains(l, want) {
			return true
		}
	}
	return false
}
