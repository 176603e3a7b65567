// SPDX-License-Identifier: MIT

package urc

import (
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// storeCap bounds the number of messages under reassembly.
	storeCap = 100

	// partTTL is how long an incomplete message is kept.
	partTTL = time.Hour
)

type partKey struct {
	sender    string
	reference uint16
}

type partRecord struct {
	parts    map[int]string
	total    int
	received time.Time
}

// store reassembles concatenated SMS parts.
//
// Records are keyed by sender and concatenation reference. Incomplete
// records expire after partTTL, and when the store is full the record
// received longest ago is evicted to make room. Not safe for concurrent
// use; the SMS handler is its only writer.
type store struct {
	records map[partKey]*partRecord
	log     *zap.Logger
	now     func() time.Time
}

func newStore(log *zap.Logger) *store {
	return &store{
		records: make(map[partKey]*partRecord),
		log:     log,
		now:     time.Now,
	}
}

// add inserts one part and returns the assembled content once every part of
// the message has arrived.
func (s *store) add(key partKey, total, seq int, content string) (string, bool) {
	if total < 1 {
		return "", false
	}
	now := s.now()
	s.sweep(now)
	rec, ok := s.records[key]
	if !ok {
		if len(s.records) >= storeCap {
			s.evictOldest()
		}
		rec = &partRecord{parts: make(map[int]string), total: total, received: now}
		s.records[key] = rec
	}
	if seq < 1 || seq > rec.total {
		return "", false
	}
	rec.parts[seq] = content
	if len(rec.parts) < rec.total {
		return "", false
	}
	var b strings.Builder
	for i := 1; i <= rec.total; i++ {
		b.WriteString(rec.parts[i])
	}
	delete(s.records, key)
	return b.String(), true
}

// sweep drops records older than partTTL.
func (s *store) sweep(now time.Time) {
	for k, rec := range s.records {
		if now.Sub(rec.received) > partTTL {
			s.log.Warn("dropping expired partial message",
				zap.String("sender", k.sender),
				zap.Uint16("reference", k.reference))
			delete(s.records, k)
		}
	}
}

// evictOldest removes the record received longest ago.
func (s *store) evictOldest() {
	var oldest partKey
	var oldestAt time.Time
	found := false
	for k, rec := range s.records {
		if !found || rec.received.Before(oldestAt) {
			oldest, oldestAt = k, rec.received
			found = true
		}
	}
	if found {
		s.log.Warn("reassembly store full, evicting oldest",
			zap.String("sender", oldest.sender),
			zap.Uint16("reference", oldest.reference))
		delete(s.records, oldest)
	}
}
