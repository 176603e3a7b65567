// SPDX-License-Identifier: MIT

package bandlock

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"atgateway/config"
)

// buildLTE renders the ^LTEFREQLOCK command for one lock. Anything that
// fails validation falls back to the unlock form.
func buildLTE(l config.Lock, log *zap.Logger) string {
	const unlock = "^LTEFREQLOCK=0"
	bands := cleanList(l.Bands)
	switch l.Type {
	case 3: // band lock
		if len(bands) == 0 {
			return unlock
		}
		return fmt.Sprintf(`^LTEFREQLOCK=3,0,%d,"%s"`, len(bands), strings.Join(bands, ","))
	case 1: // EARFCN lock, one ARFCN per band
		arfcns := cleanList(l.Arfcns)
		if len(bands) == 0 || len(bands) != len(arfcns) {
			log.Warn("lte earfcn lock band/arfcn count mismatch, unlocking")
			return unlock
		}
		if !validBandPairs(lteBandRanges, bands, arfcns, log) {
			log.Warn("lte earfcn lock band/arfcn mismatch, unlocking")
			return unlock
		}
		return fmt.Sprintf(`^LTEFREQLOCK=1,0,%d,"%s","%s"`,
			len(bands), strings.Join(bands, ","), strings.Join(arfcns, ","))
	case 2: // cell lock, adds a PCI per band
		arfcns := cleanList(l.Arfcns)
		pcis := cleanList(l.PCIs)
		if len(bands) == 0 || len(bands) != len(arfcns) || len(arfcns) != len(pcis) {
			log.Warn("lte cell lock band/arfcn/pci count mismatch, unlocking")
			return unlock
		}
		if !validBandPairs(lteBandRanges, bands, arfcns, log) {
			log.Warn("lte cell lock band/arfcn mismatch, unlocking")
			return unlock
		}
		return fmt.Sprintf(`^LTEFREQLOCK=2,0,%d,"%s","%s","%s"`,
			len(bands), strings.Join(bands, ","), strings.Join(arfcns, ","), strings.Join(pcis, ","))
	default:
		return unlock
	}
}

// buildNR renders the ^NRFREQLOCK command for one lock. NR locks of types
// 1 and 2 additionally carry an SCS type per band, auto-derived when the
// configuration leaves the list empty.
func buildNR(l config.Lock, log *zap.Logger) string {
	const unlock = "^NRFREQLOCK=0"
	bands := cleanList(l.Bands)
	switch l.Type {
	case 3: // band lock
		if len(bands) == 0 {
			return unlock
		}
		return fmt.Sprintf(`^NRFREQLOCK=3,0,%d,"%s"`, len(bands), strings.Join(bands, ","))
	case 1: // ARFCN lock
		arfcns := cleanList(l.Arfcns)
		if len(bands) == 0 || len(bands) != len(arfcns) {
			log.Warn("nr arfcn lock band/arfcn count mismatch, unlocking")
			return unlock
		}
		scs := cleanList(l.ScsTypes)
		if len(scs) == 0 {
			scs = detectScsTypes(bands)
		}
		if len(scs) != len(bands) {
			log.Warn("nr arfcn lock scs count mismatch, unlocking")
			return unlock
		}
		if !validBandPairs(nrBandRanges, bands, arfcns, log) {
			log.Warn("nr arfcn lock band/arfcn mismatch, unlocking")
			return unlock
		}
		return fmt.Sprintf(`^NRFREQLOCK=1,0,%d,"%s","%s","%s"`,
			len(bands), strings.Join(bands, ","), strings.Join(arfcns, ","), strings.Join(scs, ","))
	case 2: // cell lock
		arfcns := cleanList(l.Arfcns)
		pcis := cleanList(l.PCIs)
		if len(bands) == 0 || len(bands) != len(arfcns) || len(arfcns) != len(pcis) {
			log.Warn("nr cell lock band/arfcn/pci count mismatch, unlocking")
			return unlock
		}
		scs := cleanList(l.ScsTypes)
		if len(scs) == 0 {
			scs = detectScsTypes(bands)
		}
		if len(scs) != len(bands) {
			log.Warn("nr cell lock scs count mismatch, unlocking")
			return unlock
		}
		if !validBandPairs(nrBandRanges, bands, arfcns, log) {
			log.Warn("nr cell lock band/arfcn mismatch, unlocking")
			return unlock
		}
		return fmt.Sprintf(`^NRFREQLOCK=2,0,%d,"%s","%s","%s","%s"`,
			len(bands), strings.Join(bands, ","), strings.Join(arfcns, ","),
			strings.Join(scs, ","), strings.Join(pcis, ","))
	default:
		return unlock
	}
}

// detectScsTypes derives the SCS type list from band numbers: n28 and n71
// run 15 kHz ("0"); the TDD mid-bands and mmWave bands (n41, n77, n78,
// n79, n258, n260) and anything unrecognized default to 30 kHz ("1").
func detectScsTypes(bands []string) []string {
	scs := make([]string, len(bands))
	for i, band := range bands {
		n, err := strconv.Atoi(band)
		if err == nil && (n == 28 || n == 71) {
			scs[i] = "0"
			continue
		}
		scs[i] = "1"
	}
	return scs
}

// cleanList trims each entry and drops empties, tolerating configs written
// with stray spaces.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
