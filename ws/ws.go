// SPDX-License-Identifier: MIT

// Package ws serves the WebSocket control surface.
//
// A Hub listens on IPv4 and IPv6, authenticates sessions when a key is
// configured, forwards AT commands to the gateway's command lane, and
// broadcasts gateway events to every connected client. Each session owns an
// outbound lane drained by a single write pump, which also carries the
// heartbeat.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// authTimeout bounds how long an unauthenticated session may sit.
	defaultAuthTimeout = 10 * time.Second

	// heartbeatInterval is how often a session is pinged.
	heartbeatInterval = 30 * time.Second

	// sendBacklog is the outbound lane depth; a session that falls this
	// far behind is dropped.
	sendBacklog = 32
)

// Commander issues an AT command and returns the response info lines.
type Commander interface {
	Command(ctx context.Context, cmd string) ([]string, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub accepts WebSocket sessions and fans gateway events out to them.
type Hub struct {
	commander     Commander
	authKey       string
	serialBackend bool
	heartbeat     time.Duration
	authTimeout   time.Duration
	log           *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*session]struct{}

	listeners []net.Listener
	servers   []*http.Server
	wg        sync.WaitGroup
	once      sync.Once
	closeErr  error
}

// Option is a construction option for a Hub.
type Option func(*Hub)

// WithAuthKey requires sessions to authenticate with the given key before
// any command is accepted. An empty key disables authentication.
func WithAuthKey(key string) Option {
	return func(h *Hub) {
		h.authKey = key
	}
}

// WithSerialBackend marks the gateway as serial-backed, which changes the
// AT+CONNECT? probe reply.
func WithSerialBackend(serial bool) Option {
	return func(h *Hub) {
		h.serialBackend = serial
	}
}

// WithHeartbeat sets the session heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		h.heartbeat = d
	}
}

// WithLogger sets the logger used by the Hub.
func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) {
		h.log = log
	}
}

// NewHub creates a Hub forwarding commands to c.
func NewHub(c Commander, options ...Option) *Hub {
	h := &Hub{
		commander:   c,
		heartbeat:   heartbeatInterval,
		authTimeout: defaultAuthTimeout,
		sessions:    make(map[*session]struct{}),
	}
	for _, option := range options {
		option(h)
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Start binds the IPv4 and IPv6 listeners on port and begins accepting
// sessions. A missing IPv6 stack is tolerated; a failed IPv4 bind is not.
func (h *Hub) Start(port int) error {
	v4, err := net.Listen("tcp4", ":"+strconv.Itoa(port))
	if err != nil {
		return errors.Wrap(err, "listen ipv4")
	}
	h.serve(v4)
	v6, err := net.Listen("tcp6", ":"+strconv.Itoa(port))
	if err != nil {
		h.log.Warn("ipv6 listener unavailable", zap.Error(err))
	} else {
		h.serve(v6)
	}
	h.log.Info("websocket listeners up", zap.Int("port", port))
	return nil
}

func (h *Hub) serve(l net.Listener) {
	srv := &http.Server{Handler: h}
	h.listeners = append(h.listeners, l)
	h.servers = append(h.servers, srv)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			h.log.Warn("websocket server exited", zap.Error(err))
		}
	}()
}

// ServeHTTP upgrades the request and runs the session to completion.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()
	if !h.authenticate(conn) {
		conn.Close()
		return
	}
	s := newSession(h, conn)
	h.add(s)
	defer h.drop(s)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	s.readPump(h.ctx)
}

// Auth replies, verbatim wire frames.
var (
	authOKReply      = []byte(`{"success":true,"message":"认证成功"}`)
	authFailedReply  = []byte(`{"error":"Authentication failed","message":"密钥验证失败"}`)
	authTimeoutReply = []byte(`{"error":"Authentication timeout","message":"认证超时"}`)
	authInvalidReply = []byte(`{"error":"Invalid authentication","message":"无效的认证数据"}`)
)

// authenticate runs the auth exchange on a fresh connection. It writes to
// the connection directly; the session pumps are not running yet.
func (h *Hub) authenticate(conn *websocket.Conn) bool {
	if h.authKey == "" {
		return true
	}
	conn.SetReadDeadline(time.Now().Add(h.authTimeout))
	defer conn.SetReadDeadline(time.Time{})
	_, payload, err := conn.ReadMessage()
	if err != nil {
		conn.WriteMessage(websocket.TextMessage, authTimeoutReply)
		h.log.Warn("session rejected, authentication timeout")
		return false
	}
	var req struct {
		AuthKey string `json:"auth_key"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.WriteMessage(websocket.TextMessage, authInvalidReply)
		h.log.Warn("session rejected, invalid authentication data")
		return false
	}
	if req.AuthKey != h.authKey {
		conn.WriteMessage(websocket.TextMessage, authFailedReply)
		h.log.Warn("session rejected, bad key")
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, authOKReply); err != nil {
		return false
	}
	h.log.Debug("session authenticated")
	return true
}

// Broadcast serializes the event once and delivers it to every session.
// Sessions whose lane is full are dropped.
func (h *Hub) Broadcast(event string, data interface{}) {
	frame := struct {
		Type string      `json:"type"`
		Data interface{} `json:"data"`
	}{Type: event, Data: data}
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.Warn("broadcast marshal failed", zap.String("type", event), zap.Error(err))
		return
	}
	for _, s := range h.snapshot() {
		s.send(payload)
	}
}

// Close stops the listeners, drops all sessions and waits for them.
func (h *Hub) Close() error {
	h.once.Do(func() {
		h.cancel()
		var err error
		for _, srv := range h.servers {
			err = multierr.Append(err, srv.Close())
		}
		for _, s := range h.snapshot() {
			h.drop(s)
		}
		h.wg.Wait()
		h.closeErr = err
	})
	return h.closeErr
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) drop(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	s.close()
}

func (h *Hub) snapshot() []*session {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
