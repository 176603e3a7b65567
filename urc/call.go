// SPDX-License-Identifier: MIT

package urc

import (
	"context"
	"regexp"
	"strings"
	"time"

	"atgateway/notify"
)

var clipRE = regexp.MustCompile(`\+CLIP: *"([^"]+)"`)

// redialWindow suppresses repeat notifications for the same caller.
const redialWindow = 30 * time.Second

// CallEvent is the payload of an incoming_call broadcast.
type CallEvent struct {
	Time   string `json:"time"`
	Number string `json:"number"`
	State  string `json:"state"`
}

// CallHandler tracks ring, caller-identity and hangup lines and reports
// incoming calls.
//
// A +CLIP for the number already ringing inside the redial window is not
// re-reported. A hangup reports the end of the call and resets the tracker,
// so the next call always notifies.
type CallHandler struct {
	notifier    Notifier
	broadcaster Broadcaster
	now         func() time.Time

	ringReceived bool
	ringing      bool
	lastNumber   string
	lastTime     time.Time
}

// NewCallHandler creates a CallHandler reporting through n and b.
func NewCallHandler(n Notifier, b Broadcaster) *CallHandler {
	return &CallHandler{notifier: n, broadcaster: b, now: time.Now}
}

// Handle accepts RING/IRING/+CRING, +CLIP, ^CEND and NO CARRIER lines.
func (h *CallHandler) Handle(ctx context.Context, line string) bool {
	switch {
	case strings.HasPrefix(line, "+CLIP:"):
		h.identified(line)
	case strings.Contains(line, "RING"):
		h.ringReceived = true
		h.ringing = true
	case strings.Contains(line, "^CEND:") || strings.Contains(line, "NO CARRIER"):
		h.ended()
	default:
		return false
	}
	return true
}

func (h *CallHandler) identified(line string) {
	wasIdle := !h.ringing
	if !h.ringReceived {
		h.ringing = true
	}
	m := clipRE.FindStringSubmatch(line)
	if m == nil {
		return
	}
	number := m[1]
	now := h.now()
	if number == h.lastNumber && now.Sub(h.lastTime) <= redialWindow && !wasIdle {
		return
	}
	h.lastNumber = number
	h.lastTime = now
	h.ringing = true
	stamp := now.Format(stampLayout)
	h.notifier.Notify(notify.Event{
		Kind:    notify.KindCall,
		Sender:  "来电提醒",
		Content: "时间：" + stamp + "\n号码：" + number + "\n状态：来电振铃",
	})
	h.broadcaster.Broadcast("incoming_call", CallEvent{
		Time:   stamp,
		Number: number,
		State:  "ringing",
	})
}

func (h *CallHandler) ended() {
	if h.lastNumber != "" {
		stamp := h.now().Format(stampLayout)
		h.notifier.Notify(notify.Event{
			Kind:    notify.KindCall,
			Sender:  "来电提醒",
			Content: "时间：" + stamp + "\n号码：" + h.lastNumber + "\n状态：通话结束",
		})
		h.broadcaster.Broadcast("incoming_call", CallEvent{
			Time:   stamp,
			Number: h.lastNumber,
			State:  "ended",
		})
	}
	h.lastNumber = ""
	h.lastTime = time.Time{}
	h.ringReceived = false
	h.ringing = false
}
