// SPDX-License-Identifier: MIT

// Package urc routes unsolicited result codes to event handlers.
//
// A Dispatcher offers each line to its handlers in order and stops at the
// first that accepts it. Handlers translate modem events into notifications
// and client broadcasts, and log and swallow their own parse failures so a
// malformed line never stops the stream.
//
// Handlers are not safe for concurrent use; the dispatcher serializes them
// on the URC pump.
package urc

import (
	"context"

	"go.uber.org/zap"

	"atgateway/notify"
)

const stampLayout = "2006-01-02 15:04:05"

// Notifier delivers events to the notification channels.
type Notifier interface {
	Notify(e notify.Event)
}

// Broadcaster pushes typed events to connected clients.
type Broadcaster interface {
	Broadcast(event string, data interface{})
}

// Handler is one URC consumer.
//
// Handle reports whether it accepted the line; an accepted line is not
// offered to later handlers.
type Handler interface {
	Handle(ctx context.Context, line string) bool
}

// Dispatcher fans URC lines out to an ordered handler list.
type Dispatcher struct {
	handlers []Handler
	log      *zap.Logger
}

// NewDispatcher creates a Dispatcher offering lines to handlers in the
// given order.
func NewDispatcher(log *zap.Logger, handlers ...Handler) *Dispatcher {
	return &Dispatcher{handlers: handlers, log: log}
}

// Dispatch offers the line to the handlers, stopping at the first that
// accepts it.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) {
	for _, h := range d.handlers {
		if h.Handle(ctx, line) {
			return
		}
	}
	d.log.Debug("unhandled line", zap.String("line", line))
}
