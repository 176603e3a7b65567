// SPDX-License-Identifier: MIT

package urc

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// PdcpInfo is the payload of a pdcp_data broadcast. Delays and buffer times
// arrive in tenths of a millisecond and are reported in milliseconds.
type PdcpInfo struct {
	ID                    int     `json:"id"`
	PduSessionID          int     `json:"pduSessionId"`
	DiscardTimerLen       int     `json:"discardTimerLen"`
	AvgDelay              float64 `json:"avgDelay"`
	MinDelay              float64 `json:"minDelay"`
	MaxDelay              float64 `json:"maxDelay"`
	HighPriQueMaxBuffTime float64 `json:"highPriQueMaxBuffTime"`
	LowPriQueMaxBuffTime  float64 `json:"lowPriQueMaxBuffTime"`
	HighPriQueBuffPktNums int     `json:"highPriQueBuffPktNums"`
	LowPriQueBuffPktNums  int     `json:"lowPriQueBuffPktNums"`
	UlPdcpRate            int     `json:"ulPdcpRate"`
	DlPdcpRate            int     `json:"dlPdcpRate"`
	UlDiscardCnt          int     `json:"ulDiscardCnt"`
	DlDiscardCnt          int     `json:"dlDiscardCnt"`
}

// PdcpHandler broadcasts PDCP throughput reports to clients. Reports are
// not notified; they exist for live dashboards.
type PdcpHandler struct {
	broadcaster Broadcaster
	log         *zap.Logger
}

// NewPdcpHandler creates a PdcpHandler broadcasting through b.
func NewPdcpHandler(b Broadcaster, log *zap.Logger) *PdcpHandler {
	return &PdcpHandler{broadcaster: b, log: log}
}

// Handle accepts ^PDCPDATAINFO reports.
func (h *PdcpHandler) Handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "^PDCPDATAINFO:") {
		return false
	}
	fields := splitReport(line, "^PDCPDATAINFO:")
	if len(fields) < 14 {
		return true
	}
	rec, err := parsePdcp(fields)
	if err != nil {
		h.log.Warn("bad pdcp report", zap.String("line", line), zap.Error(err))
		return true
	}
	h.broadcaster.Broadcast("pdcp_data", rec)
	return true
}

func parsePdcp(fields []string) (PdcpInfo, error) {
	var err error
	num := func(i int) int {
		n, e := strconv.Atoi(fields[i])
		if e != nil && err == nil {
			err = e
		}
		return n
	}
	tenth := func(i int) float64 {
		f, e := strconv.ParseFloat(fields[i], 64)
		if e != nil && err == nil {
			err = e
		}
		return f / 10
	}
	rec := PdcpInfo{
		ID:                    num(0),
		PduSessionID:          num(1),
		DiscardTimerLen:       num(2),
		AvgDelay:              tenth(3),
		MinDelay:              tenth(4),
		MaxDelay:              tenth(5),
		HighPriQueMaxBuffTime: tenth(6),
		LowPriQueMaxBuffTime:  tenth(7),
		HighPriQueBuffPktNums: num(8),
		LowPriQueBuffPktNums:  num(9),
		UlPdcpRate:            num(10),
		DlPdcpRate:            num(11),
		UlDiscardCnt:          num(12),
		DlDiscardCnt:          num(13),
	}
	if err != nil {
		return PdcpInfo{}, err
	}
	return rec, nil
}
