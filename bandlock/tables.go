// SPDX-License-Identifier: MIT

package bandlock

import (
	"strconv"

	"go.uber.org/zap"
)

// arfcnRange is an inclusive downlink ARFCN interval.
type arfcnRange struct {
	min, max int
}

// Downlink EARFCN ranges per LTE band, 3GPP TS 36.101.
var lteBandRanges = map[int]arfcnRange{
	1:  {0, 599},       // 2100 MHz
	2:  {600, 1199},    // 1900 MHz
	3:  {1200, 1949},   // 1800 MHz
	4:  {1950, 2399},   // 1700/2100 MHz
	5:  {2400, 2649},   // 850 MHz
	7:  {2750, 3449},   // 2600 MHz
	8:  {3450, 3799},   // 900 MHz
	12: {5010, 5179},   // 700 MHz
	13: {5180, 5279},   // 700 MHz
	17: {5730, 5849},   // 700 MHz
	18: {5850, 5999},   // 850 MHz
	19: {6000, 6149},   // 850 MHz
	20: {6150, 6449},   // 800 MHz
	25: {8040, 8689},   // 1900 MHz
	26: {8690, 9039},   // 850 MHz
	28: {9210, 9659},   // 700 MHz
	38: {37750, 38249}, // 2600 MHz
	39: {38250, 38649}, // 1900 MHz
	40: {38650, 39649}, // 2300 MHz
	41: {39650, 41589}, // 2500 MHz
	42: {41590, 43589}, // 3500 MHz
	43: {43590, 45589}, // 3700 MHz
	66: {66436, 67335}, // 1700/2100 MHz
}

// NR-ARFCN ranges per NR band, 3GPP TS 38.104.
var nrBandRanges = map[int]arfcnRange{
	1:   {0, 599},           // 2100 MHz
	3:   {1200, 1949},       // 1800 MHz
	5:   {2400, 2649},       // 850 MHz
	7:   {2750, 3449},       // 2600 MHz
	8:   {3450, 3799},       // 900 MHz
	12:  {5010, 5179},       // 700 MHz
	20:  {6150, 6449},       // 800 MHz
	25:  {8040, 8689},       // 1900 MHz
	28:  {9210, 9659},       // 700 MHz
	34:  {20167, 20265},     // 2100 MHz
	38:  {37750, 38249},     // 2600 MHz
	39:  {38250, 38649},     // 1900 MHz
	40:  {38650, 39649},     // 2300 MHz
	41:  {39650, 41589},     // 2500 MHz
	42:  {41590, 43589},     // 3500 MHz
	43:  {43590, 45589},     // 3700 MHz
	48:  {55240, 56739},     // 3500 MHz
	66:  {66436, 67335},     // 1700/2100 MHz
	71:  {132600, 133189},   // 600 MHz
	77:  {620000, 680000},   // 3700 MHz
	78:  {620000, 680000},   // 3500 MHz
	79:  {440000, 500000},   // 4700 MHz
	257: {2016667, 2079166}, // 28 GHz
	258: {2016667, 2079166}, // 26 GHz
	260: {2016667, 2079166}, // 39 GHz
	261: {2016667, 2079166}, // 28 GHz
}

// validBandPairs reports whether every positional (band, arfcn) pair lands
// inside the table's range for that band. Bands absent from the table pass;
// the modem is the final judge there. Unparsable numbers fail. Both slices
// must be the same length.
func validBandPairs(ranges map[int]arfcnRange, bands, arfcns []string, log *zap.Logger) bool {
	for i := range bands {
		band, err := strconv.Atoi(bands[i])
		if err != nil {
			return false
		}
		arfcn, err := strconv.Atoi(arfcns[i])
		if err != nil {
			return false
		}
		r, ok := ranges[band]
		if !ok {
			continue
		}
		if arfcn < r.min || arfcn > r.max {
			log.Warn("band and arfcn do not match",
				zap.Int("band", band), zap.Int("arfcn", arfcn))
			return false
		}
	}
	return true
}
