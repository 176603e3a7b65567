// Package gateway assembles the modem stack and supervises it for the
// lifetime of the process: it dials the transport, initialises the modem,
// pumps unsolicited result codes to the handlers and to connected clients,
// and redials whenever the link drops.
package gateway

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"atgateway/at"
	"atgateway/bandlock"
	"atgateway/config"
	"atgateway/modem"
	"atgateway/notify"
	"atgateway/pdu"
	"atgateway/trace"
	"atgateway/transport"
	"atgateway/urc"
	"atgateway/ws"
)

const (
	// monitorInterval is how often the link is checked in addition to the
	// event-driven wakeup on closure.
	monitorInterval = 30 * time.Second
	// retryDelay scales the first few reconnect backoffs.
	retryDelay = 5 * time.Second
	// fastRetries is the number of attempts before backoff switches to
	// longRetryDelay.
	fastRetries    = 3
	longRetryDelay = time.Minute
	// maxAttempts bounds one reconnect cycle. The monitor starts a new
	// cycle on its next tick, so the gateway never gives up for good.
	maxAttempts = 100
)

// urcPrefixes selects the lines the arbiter hands to the URC pump rather
// than folding into command responses.
var urcPrefixes = []string{
	"+CMTI:",
	"+CLIP:",
	"RING",
	"IRING",
	"+CRING",
	"^CEND:",
	"^SMMEMFULL",
	"^CERSSI:",
	"^HCSQ:",
	"^PDCPDATAINFO:",
}

// link is the swappable handle to the current modem. Consumers hold the
// link for the life of the gateway while the modem behind it is replaced
// on every reconnect.
type link struct {
	mu sync.RWMutex
	m  *modem.Modem
}

func (l *link) set(m *modem.Modem) {
	l.mu.Lock()
	l.m = m
	l.mu.Unlock()
}

func (l *link) current() *modem.Modem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.m
}

// Command forwards to the current modem, or reports the link closed when
// none is attached yet.
func (l *link) Command(ctx context.Context, cmd string) ([]string, error) {
	m := l.current()
	if m == nil {
		return nil, at.ErrClosed
	}
	return m.Command(ctx, cmd)
}

// ReadMessage forwards to the current modem.
func (l *link) ReadMessage(ctx context.Context, index int) ([]pdu.SMS, error) {
	m := l.current()
	if m == nil {
		return nil, at.ErrClosed
	}
	return m.ReadMessage(ctx, index)
}

// closedChan returns a channel that signals loss of the current modem.
// With no modem attached it returns nil, which blocks forever in a select.
func (l *link) closedChan() <-chan struct{} {
	m := l.current()
	if m == nil {
		return nil
	}
	return m.Closed()
}

// Gateway owns the modem connection and all the subsystems feeding off it.
type Gateway struct {
	cfg     config.Config
	log     *zap.Logger
	traceIO bool

	link       *link
	manager    *notify.Manager
	hub        *ws.Hub
	bandlock   *bandlock.Controller
	dispatcher *urc.Dispatcher
	smsHandler *urc.SMSHandler
	memoryFull *urc.MemoryFullHandler

	// conn and pumpDone belong to the supervisor goroutine; Close reads
	// them only after the monitor has exited.
	conn     io.ReadWriteCloser
	pumpDone chan struct{}

	reconnecting atomic.Bool
	wg           sync.WaitGroup
	once         sync.Once
	closeErr     error
}

// Option is a construction option for a Gateway.
type Option func(*Gateway)

// WithTrace logs every byte read from and written to the modem at debug
// level.
func WithTrace() Option {
	return func(g *Gateway) {
		g.traceIO = true
	}
}

// New wires a Gateway from cfg. The modem is not dialled until Run.
func New(cfg config.Config, log *zap.Logger, options ...Option) (*Gateway, error) {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		cfg:  cfg,
		log:  log,
		link: &link{},
	}
	for _, option := range options {
		option(g)
	}
	g.manager = notify.NewManager(cfg.Notify, log.Named("notify"))
	if cfg.Notify.WebhookURL != "" {
		g.manager.Add(notify.NewWebhook(cfg.Notify.WebhookURL,
			notify.WithWebhookLogger(log.Named("webhook"))))
	}
	if cfg.Notify.LogFile != "" {
		lf, err := notify.NewLogFile(cfg.Notify.LogFile)
		if err != nil {
			log.Warn("notification log unavailable",
				zap.String("path", cfg.Notify.LogFile), zap.Error(err))
		} else {
			g.manager.Add(lf)
		}
	}
	g.hub = ws.NewHub(g.link,
		ws.WithAuthKey(cfg.WebSocket.AuthKey),
		ws.WithSerialBackend(cfg.Connection.Type == config.ConnSerial),
		ws.WithLogger(log.Named("ws")))
	g.smsHandler = urc.NewSMSHandler(g.link, g.manager, g.hub, log.Named("sms"))
	g.memoryFull = urc.NewMemoryFullHandler(g.manager)
	g.dispatcher = urc.NewDispatcher(log.Named("urc"),
		urc.NewCallHandler(g.manager, g.hub),
		g.memoryFull,
		g.smsHandler,
		urc.NewSignalHandler(g.link, g.manager, log.Named("signal")),
		urc.NewPdcpHandler(g.hub, log.Named("pdcp")))
	ctl, err := bandlock.NewController(cfg.Schedule, g.link, g.manager, log.Named("bandlock"))
	if err != nil {
		return nil, err
	}
	g.bandlock = ctl
	return g, nil
}

// Run connects the modem, starts the client server and the background
// tasks, and blocks until ctx is cancelled. The gateway is fully shut
// down when Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("starting",
		zap.String("connection", g.cfg.Connection.Type),
		zap.Int("ws_port", g.cfg.WebSocket.Port))
	if err := g.connect(ctx); err != nil {
		g.close()
		return err
	}
	if err := g.hub.Start(g.cfg.WebSocket.Port); err != nil {
		g.close()
		return err
	}
	g.bandlock.Start()
	g.wg.Add(1)
	go g.monitor(ctx)
	g.log.Info("gateway up")
	<-ctx.Done()
	g.log.Info("shutting down")
	return g.close()
}

// connect dials the transport and attaches the modem stack to it,
// retrying with growing backoff up to maxAttempts. Only one connect cycle
// runs at a time; concurrent callers return immediately.
func (g *Gateway) connect(ctx context.Context) error {
	if !g.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer g.reconnecting.Store(false)
	if g.conn != nil {
		// Release the dead transport first so serial devices can be
		// reopened.
		g.conn.Close()
		g.conn = nil
	}
	for attempt := 1; ; attempt++ {
		conn, err := transport.New(g.cfg.Connection)
		if err == nil {
			if err = g.attach(ctx, conn); err == nil {
				if attempt > 1 {
					g.log.Info("connection restored", zap.Int("attempts", attempt))
				}
				return nil
			}
			conn.Close()
		}
		if attempt >= maxAttempts {
			return errors.WithMessage(err, "connect attempts exhausted")
		}
		delay := longRetryDelay
		if attempt <= fastRetries {
			delay = time.Duration(attempt) * retryDelay
			g.log.Warn("connect failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("in", delay),
				zap.Error(err))
		} else if attempt == fastRetries+1 {
			g.log.Warn("connect still failing, retrying at long interval",
				zap.Duration("interval", delay),
				zap.Error(err))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// attach builds a fresh modem stack on conn: the command arbiter, receive
// path configuration, a sweep of stored messages, and the URC pump.
func (g *Gateway) attach(ctx context.Context, conn io.ReadWriteCloser) error {
	if g.pumpDone != nil {
		// The old pump drains the closed arbiter and exits; waiting for
		// it keeps the stored-message sweep single-threaded.
		<-g.pumpDone
		g.pumpDone = nil
	}
	var rw io.ReadWriter = conn
	if g.traceIO {
		rw = trace.New(conn, trace.WithLogger(g.log.Named("trace").Sugar()))
	}
	a := at.New(rw,
		at.WithLogger(g.log.Named("at")),
		at.WithUnsolicited(urcPrefixes...))
	m := modem.New(a, modem.WithLogger(g.log.Named("modem")))
	if err := m.Init(ctx); err != nil {
		// Drain so the pipeline unwinds once the caller closes conn.
		go func() {
			for range a.Unsolicited() {
			}
		}()
		return errors.WithMessage(err, "modem init")
	}
	if ready, err := m.Ready(ctx); err != nil {
		g.log.Warn("sim state unknown", zap.Error(err))
	} else if ready {
		g.log.Info("sim ready")
	} else {
		g.log.Warn("sim not ready")
	}
	g.conn = conn
	g.link.set(m)
	g.sweepStored(ctx, m)
	g.memoryFull.Reset()
	done := make(chan struct{})
	g.pumpDone = done
	go g.pump(ctx, a.Unsolicited(), done)
	return nil
}

// sweepStored pushes any unread stored messages through the normal
// new-message path, catching SMS that arrived while the gateway was down.
func (g *Gateway) sweepStored(ctx context.Context, m *modem.Modem) {
	msgs, err := m.ListUnread(ctx)
	if err != nil {
		g.log.Warn("stored message sweep failed", zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	g.log.Info("processing stored messages", zap.Int("count", len(msgs)))
	g.smsHandler.Process(msgs)
}

// pump relays unsolicited lines to connected clients and the handler
// chain until the arbiter closes the stream.
func (g *Gateway) pump(ctx context.Context, urcs <-chan string, done chan struct{}) {
	defer close(done)
	for line := range urcs {
		g.hub.Broadcast("raw_data", line)
		g.dispatcher.Dispatch(ctx, line)
	}
	g.log.Debug("urc stream closed")
}

// monitor reconnects the modem when the link drops. It wakes on link
// closure and on a periodic tick, and runs until ctx is cancelled.
func (g *Gateway) monitor(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.link.closedChan():
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		if g.connected() {
			continue
		}
		g.log.Warn("modem link down, reconnecting")
		if err := g.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Error("reconnect failed", zap.Error(err))
		}
	}
}

// connected reports whether the current modem link is alive.
func (g *Gateway) connected() bool {
	m := g.link.current()
	if m == nil {
		return false
	}
	select {
	case <-m.Closed():
		return false
	default:
		return true
	}
}

// close tears the gateway down in dependency order: client server first,
// then the schedule, then the modem link, and the notification channels
// last so pending notifications still flush.
func (g *Gateway) close() error {
	g.once.Do(func() {
		g.wg.Wait()
		var err error
		err = multierr.Append(err, g.hub.Close())
		err = multierr.Append(err, g.bandlock.Close())
		if g.conn != nil {
			err = multierr.Append(err, g.conn.Close())
		}
		if g.pumpDone != nil {
			<-g.pumpDone
		}
		err = multierr.Append(err, g.manager.Close())
		g.closeErr = err
	})
	return g.closeErr
}
