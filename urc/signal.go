// SPDX-License-Identifier: MIT

package urc

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"atgateway/info"
	"atgateway/notify"
)

// Commander issues an AT command and returns the response info lines.
type Commander interface {
	Command(ctx context.Context, cmd string) ([]string, error)
}

// rsrpThreshold is the RSRP change, in dB, that triggers a notification.
const rsrpThreshold = 1

type signalSample struct {
	sysMode string
	rsrp    int
	rsrq    float64
	sinr    float64
}

// cell is the serving-cell detail parsed from an AT^MONSC response. The
// float-valued fields keep their wire text so the notification shows them
// as the modem reported them.
type cell struct {
	rat    string
	mcc    string
	mnc    string
	arfcn  string
	cellID string
	pci    int
	tac    string
	rsrp   int
	rsrq   string
	sinr   string
	rssi   int
}

// SignalHandler watches ^CERSSI and ^HCSQ reports and notifies on
// meaningful change.
//
// A sample triggers a notification when it is the first one, when RSRP
// moved by at least rsrpThreshold, or when the system mode changed. On
// trigger the handler queries AT^MONSC for serving-cell detail and renders
// a human-readable body; the remembered sample only advances on trigger, so
// a slow drift eventually notifies.
type SignalHandler struct {
	commander Commander
	notifier  Notifier
	log       *zap.Logger
	now       func() time.Time

	hasLast  bool
	last     signalSample
	lastMode string
}

// NewSignalHandler creates a SignalHandler querying cell detail through c.
func NewSignalHandler(c Commander, n Notifier, log *zap.Logger) *SignalHandler {
	return &SignalHandler{commander: c, notifier: n, log: log, now: time.Now}
}

// Handle accepts ^CERSSI and ^HCSQ signal reports.
func (h *SignalHandler) Handle(ctx context.Context, line string) bool {
	switch {
	case strings.Contains(line, "^CERSSI:"):
		h.handleCERSSI(ctx, line)
	case strings.Contains(line, "^HCSQ:"):
		h.handleHCSQ(ctx, line)
	default:
		return false
	}
	return true
}

// handleCERSSI reads the LTE/NR triplet at fields 18-20; the report carries
// no system mode of its own.
func (h *SignalHandler) handleCERSSI(ctx context.Context, line string) {
	fields := splitReport(line, "^CERSSI:")
	if len(fields) < 20 {
		return
	}
	rsrp, err1 := strconv.Atoi(fields[18])
	rsrq, err2 := strconv.Atoi(fields[19])
	var sinr int
	var err3 error
	if len(fields) > 20 {
		sinr, err3 = strconv.Atoi(fields[20])
	}
	if err1 != nil || err2 != nil || err3 != nil {
		h.log.Warn("bad signal report", zap.String("line", line))
		return
	}
	h.observe(ctx, signalSample{
		sysMode: "4G/5G",
		rsrp:    rsrp,
		rsrq:    float64(rsrq),
		sinr:    float64(sinr),
	})
}

func (h *SignalHandler) handleHCSQ(ctx context.Context, line string) {
	fields := splitReport(line, "^HCSQ:")
	if len(fields) < 4 {
		return
	}
	mode := info.Unquote(fields[0])
	rsrpRaw, err1 := strconv.Atoi(fields[1])
	sinrRaw, err2 := strconv.Atoi(fields[2])
	rsrqRaw, err3 := strconv.Atoi(fields[3])
	if err1 != nil || err2 != nil || err3 != nil {
		h.log.Warn("bad signal report", zap.String("line", line))
		return
	}
	h.observe(ctx, signalSample{
		sysMode: mode,
		rsrp:    -140 + rsrpRaw,
		sinr:    float64(sinrRaw)*0.2 - 20,
		rsrq:    float64(rsrqRaw)*0.5 - 20,
	})
}

func (h *SignalHandler) observe(ctx context.Context, sample signalSample) {
	trigger := !h.hasLast ||
		abs(sample.rsrp-h.last.rsrp) >= rsrpThreshold ||
		sample.sysMode != h.lastMode
	if !trigger {
		return
	}
	h.notifyChange(ctx, sample, sample.sysMode != h.lastMode)
	h.last = sample
	h.lastMode = sample.sysMode
	h.hasLast = true
}

func (h *SignalHandler) notifyChange(ctx context.Context, sample signalSample, modeChanged bool) {
	c := h.queryCell(ctx)
	rat := c.rat
	if rat == "" {
		rat = "未知"
	}
	var b strings.Builder
	if modeChanged {
		b.WriteString("⚡ 网络切换提醒\n")
	}
	b.WriteString("📶 信号变动通知\n")
	b.WriteString("时间: " + h.now().Format(stampLayout) + "\n")
	b.WriteString("制式: " + rat + "\n")
	b.WriteString("信号: " + signalTier(sample.rsrp) + "\n")
	switch c.rat {
	case "NR":
		b.WriteString("RSRP: " + strconv.Itoa(c.rsrp) + " dBm\n")
		b.WriteString("RSRQ: " + c.rsrq + " dB\n")
		b.WriteString("SINR: " + c.sinr + " dB\n")
		b.WriteString(cellBlock(c))
	case "LTE":
		b.WriteString("RSRP: " + strconv.Itoa(c.rsrp) + " dBm\n")
		b.WriteString("RSRQ: " + c.rsrq + " dB\n")
		b.WriteString("RSSI: " + strconv.Itoa(c.rssi) + " dBm\n")
		b.WriteString(cellBlock(c))
	}
	h.notifier.Notify(notify.Event{
		Kind:    notify.KindSignal,
		Sender:  "信号监控",
		Content: b.String(),
	})
}

func (h *SignalHandler) queryCell(ctx context.Context) cell {
	lines, err := h.commander.Command(ctx, "^MONSC")
	if err != nil {
		h.log.Warn("query serving cell failed", zap.Error(err))
		return cell{}
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "^MONSC:") {
			continue
		}
		c, err := parseCell(line)
		if err != nil {
			h.log.Warn("bad serving cell response",
				zap.String("line", line),
				zap.Error(err))
			return cell{}
		}
		return c
	}
	return cell{}
}

func parseCell(line string) (cell, error) {
	fields := splitReport(line, "^MONSC:")
	if len(fields) < 2 {
		return cell{}, nil
	}
	c := cell{rat: info.Unquote(fields[0])}
	switch {
	case c.rat == "NR" && len(fields) >= 11:
		pci, err := strconv.ParseInt(fields[6], 16, 32)
		if err != nil {
			return cell{}, err
		}
		rsrp, err := strconv.Atoi(fields[8])
		if err != nil {
			return cell{}, err
		}
		if _, err := strconv.ParseFloat(fields[9], 64); err != nil {
			return cell{}, err
		}
		sinr := fields[10]
		if sinr == "" {
			sinr = "0"
		} else if _, err := strconv.ParseFloat(sinr, 64); err != nil {
			return cell{}, err
		}
		c.mcc, c.mnc, c.arfcn = fields[1], fields[2], fields[3]
		c.cellID, c.pci, c.tac = fields[5], int(pci), fields[7]
		c.rsrp, c.rsrq, c.sinr = rsrp, fields[9], sinr
	case c.rat == "LTE" && len(fields) >= 10:
		pci, err := strconv.ParseInt(fields[5], 16, 32)
		if err != nil {
			return cell{}, err
		}
		rsrp, err := strconv.Atoi(fields[7])
		if err != nil {
			return cell{}, err
		}
		if _, err := strconv.Atoi(fields[8]); err != nil {
			return cell{}, err
		}
		rssi, err := strconv.Atoi(fields[9])
		if err != nil {
			return cell{}, err
		}
		c.mcc, c.mnc, c.arfcn = fields[1], fields[2], fields[3]
		c.cellID, c.pci, c.tac = fields[4], int(pci), fields[6]
		c.rsrp, c.rsrq, c.rssi = rsrp, fields[8], rssi
	}
	return c, nil
}

func cellBlock(c cell) string {
	return "\n📡 小区信息:\n" +
		"频点: " + c.arfcn + "\n" +
		"PCI: " + strconv.Itoa(c.pci) + "\n" +
		"TAC: " + c.tac + "\n" +
		"小区ID: " + c.cellID
}

func signalTier(rsrp int) string {
	switch {
	case rsrp >= -85:
		return "优秀"
	case rsrp >= -95:
		return "良好"
	case rsrp >= -105:
		return "一般"
	default:
		return "较差"
	}
}

// splitReport strips the report prefix and splits the remainder into
// trimmed comma-separated fields.
func splitReport(line, prefix string) []string {
	body := strings.Replace(line, prefix, "", 1)
	fields := strings.Split(strings.TrimSpace(body), ",")
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
