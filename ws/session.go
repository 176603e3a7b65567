// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// session is one connected client. All writes to conn after authentication
// go through the write pump; readPump and Broadcast only enqueue.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(h *Hub, conn *websocket.Conn) *session {
	return &session{
		hub:  h,
		conn: conn,
		out:  make(chan []byte, sendBacklog),
		done: make(chan struct{}),
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// send enqueues a frame without blocking. A session that cannot keep up
// is dropped rather than stalling the caller.
func (s *session) send(payload []byte) {
	select {
	case s.out <- payload:
	case <-s.done:
	default:
		s.hub.log.Debug("session lane full, dropping session")
		s.hub.drop(s)
	}
}

// readPump applies client frames until the connection fails. It runs on
// the connection's handler goroutine.
func (s *session) readPump(ctx context.Context) {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg := string(payload)
		if msg == "ping" {
			s.send([]byte("pong"))
			continue
		}
		if msg == "pong" {
			continue
		}
		resp := s.hub.execute(ctx, msg)
		frame, err := json.Marshal(resp)
		if err != nil {
			s.hub.log.Warn("reply marshal failed", zap.Error(err))
			continue
		}
		s.send(frame)
	}
}

// writePump owns all writes to the connection and interleaves the
// heartbeat with queued frames.
func (s *session) writePump() {
	ticker := time.NewTicker(s.hub.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case payload := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.hub.drop(s)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				s.hub.drop(s)
				return
			}
		case <-s.done:
			return
		}
	}
}
