// SPDX-License-Identifier: MIT

package urc

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"atgateway/notify"
	"atgateway/pdu"
)

var cmtiRE = regexp.MustCompile(`^\+CMTI: "(ME|SM)",(\d+)`)

// MessageReader reads stored messages by index.
type MessageReader interface {
	ReadMessage(ctx context.Context, index int) ([]pdu.SMS, error)
}

// SMSEvent is the payload of a new_sms broadcast.
type SMSEvent struct {
	Sender     string `json:"sender"`
	Content    string `json:"content"`
	Time       string `json:"time"`
	IsComplete bool   `json:"isComplete,omitempty"`
}

// SMSHandler reads newly stored messages and reports them.
//
// Single-part messages are reported as they arrive. Parts of a concatenated
// message go through the reassembly store and are reported once, joined in
// part order, when the last part lands.
type SMSHandler struct {
	reader      MessageReader
	notifier    Notifier
	broadcaster Broadcaster
	store       *store
	log         *zap.Logger
}

// NewSMSHandler creates an SMSHandler reading messages through r.
func NewSMSHandler(r MessageReader, n Notifier, b Broadcaster, log *zap.Logger) *SMSHandler {
	return &SMSHandler{
		reader:      r,
		notifier:    n,
		broadcaster: b,
		store:       newStore(log),
		log:         log,
	}
}

// Handle accepts +CMTI storage indications.
func (h *SMSHandler) Handle(ctx context.Context, line string) bool {
	m := cmtiRE.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	index, err := strconv.Atoi(m[2])
	if err != nil {
		h.log.Warn("bad message index", zap.String("line", line))
		return true
	}
	h.log.Info("new message stored",
		zap.String("storage", m[1]),
		zap.Int("index", index))
	messages, err := h.reader.ReadMessage(ctx, index)
	if err != nil {
		h.log.Warn("read message failed", zap.Int("index", index), zap.Error(err))
		return true
	}
	h.Process(messages)
	return true
}

// Process routes decoded messages through the single/partial logic.
//
// The supervisor also calls it with the result of an unread sweep after a
// reconnect; it must not run concurrently with the URC pump.
func (h *SMSHandler) Process(messages []pdu.SMS) {
	for _, sms := range messages {
		if sms.Partial == nil {
			h.report(sms.Sender, sms.Content, sms.Timestamp, false)
			continue
		}
		key := partKey{sender: sms.Sender, reference: sms.Partial.Reference}
		content, done := h.store.add(key, sms.Partial.Total, sms.Partial.Seq, sms.Content)
		if done {
			h.report(sms.Sender, content, sms.Timestamp, true)
		}
	}
}

func (h *SMSHandler) report(sender, content string, ts time.Time, complete bool) {
	h.notifier.Notify(notify.Event{
		Kind:    notify.KindSMS,
		Sender:  sender,
		Content: content,
	})
	h.broadcaster.Broadcast("new_sms", SMSEvent{
		Sender:     sender,
		Content:    content,
		Time:       formatStamp(ts),
		IsComplete: complete,
	})
}

func formatStamp(ts time.Time) string {
	if ts.IsZero() {
		return "未知"
	}
	return ts.Format(stampLayout)
}
