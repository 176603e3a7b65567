// SPDX-License-Identifier: MIT

package urc

import (
	"context"
	"strings"

	"atgateway/notify"
)

// MemoryFullHandler raises a single storage-full notification.
//
// The notified flag is sticky, so a modem repeating the warning produces one
// notification per connection; Reset re-arms it after a reconnect.
type MemoryFullHandler struct {
	notifier Notifier
	notified bool
}

// NewMemoryFullHandler creates a MemoryFullHandler reporting through n.
func NewMemoryFullHandler(n Notifier) *MemoryFullHandler {
	return &MemoryFullHandler{notifier: n}
}

// Handle accepts storage-full warnings in their CMS, plain and vendor forms.
func (h *MemoryFullHandler) Handle(ctx context.Context, line string) bool {
	if !strings.Contains(line, "CMS ERROR: 322") &&
		!strings.Contains(line, "MEMORY FULL") &&
		!strings.Contains(line, "^SMMEMFULL") {
		return false
	}
	if !h.notified {
		h.notifier.Notify(notify.Event{Kind: notify.KindMemoryFull})
		h.notified = true
	}
	return true
}

// Reset re-arms the handler.
func (h *MemoryFullHandler) Reset() {
	h.notified = false
}
