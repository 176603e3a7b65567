// SPDX-License-Identifier: MIT

// Package notify fans events out to the configured notification channels.
//
// Events carry a kind; each kind can be disabled in configuration, in which
// case no channel sees it. Channel failures are logged and never propagate
// back to the event source.
package notify

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"atgateway/config"
)

// Kind classifies an event for the per-kind enable gates.
type Kind string

// Event kinds.
const (
	KindSMS        Kind = "SMS"
	KindCall       Kind = "CALL"
	KindMemoryFull Kind = "MEMORY_FULL"
	KindSignal     Kind = "SIGNAL"
)

// Event is one notification to be delivered.
//
// Sender is a display label; for SMS it is the originating number, for other
// kinds a fixed channel name. MemoryFull events carry neither sender nor
// content.
type Event struct {
	Kind    Kind
	Sender  string
	Content string
}

// Channel delivers events to one destination.
type Channel interface {
	Send(e Event) error
	Close() error
}

// Manager holds the notification channels and the per-kind gates.
type Manager struct {
	channels []Channel
	enabled  map[Kind]bool
	log      *zap.Logger
}

// NewManager creates a Manager with the configured kind gates and no
// channels.
func NewManager(cfg config.Notify, log *zap.Logger) *Manager {
	return &Manager{
		enabled: map[Kind]bool{
			KindSMS:        cfg.SMS,
			KindCall:       cfg.Call,
			KindMemoryFull: cfg.MemoryFull,
			KindSignal:     cfg.Signal,
		},
		log: log,
	}
}

// Add registers a channel with the manager.
//
// Add is not safe for use once events are flowing; register all channels
// before wiring the manager in.
func (m *Manager) Add(ch Channel) {
	m.channels = append(m.channels, ch)
}

// Notify delivers the event to every channel, unless its kind is disabled.
func (m *Manager) Notify(e Event) {
	if !m.enabled[e.Kind] {
		return
	}
	for _, ch := range m.channels {
		if err := ch.Send(e); err != nil {
			m.log.Warn("notification channel failed",
				zap.String("kind", string(e.Kind)),
				zap.Error(err))
		}
	}
}

// Close closes all channels, combining their errors.
func (m *Manager) Close() error {
	var err error
	for _, ch := range m.channels {
		err = multierr.Append(err, ch.Close())
	}
	return err
}
