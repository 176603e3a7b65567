// SPDX-License-Identifier: MIT

// Package bandlock schedules day/night band locks and recovers from
// prolonged loss of service.
//
// A Controller polls the wall clock on a fixed cadence. When the target
// mode changes it runs a scripted switch: airplane mode on, LTE lock or
// unlock, NR lock or unlock, airplane mode off. The same loop watches
// network registration and unlocks everything when the modem has been out
// of service for too long.
package bandlock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"atgateway/config"
	"atgateway/notify"
)

const stampLayout = "2006-01-02 15:04:05"

// Mode labels. The English ones double as state; the Chinese ones only
// label the unscheduled switches in notifications.
const (
	modeNight    = "night"
	modeDay      = "day"
	modeUnlocked = "解锁"
	modeRecovery = "恢复"
)

// Commander issues AT commands on the gateway's command lane.
type Commander interface {
	Command(ctx context.Context, cmd string) ([]string, error)
}

// Notifier accepts gateway notifications.
type Notifier interface {
	Notify(e notify.Event)
}

// lockPlan is the pair of per-RAT locks applied by one switch. The zero
// value unlocks both RATs.
type lockPlan struct {
	lte config.Lock
	nr  config.Lock
}

// Controller runs the band-lock schedule and the no-service watchdog.
type Controller struct {
	cfg       config.Schedule
	commander Commander
	notifier  Notifier
	log       *zap.Logger

	nightStart int
	nightEnd   int

	now   func() time.Time
	sleep func(time.Duration)

	mu        sync.Mutex
	switching bool

	// currentMode and lastService are touched only by the monitor loop.
	currentMode string
	lastService time.Time
	switchCount int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewController builds a controller from its schedule section. The night
// window is parsed here so a malformed window fails startup, not the first
// midnight crossing.
func NewController(cfg config.Schedule, commander Commander, notifier Notifier, log *zap.Logger) (*Controller, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		cfg:       cfg,
		commander: commander,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
	}
	if cfg.Enabled {
		var err error
		if c.nightStart, err = config.ParseClock(cfg.Night.Start); err != nil {
			return nil, errors.WithMessage(err, "night start")
		}
		if c.nightEnd, err = config.ParseClock(cfg.Night.End); err != nil {
			return nil, errors.WithMessage(err, "night end")
		}
	}
	c.lastService = c.now()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	// The scripted switch pauses give up early on shutdown.
	c.sleep = func(d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-c.ctx.Done():
		}
	}
	return c, nil
}

// Start launches the monitor loop. It is a no-op when the schedule is
// disabled.
func (c *Controller) Start() {
	if !c.cfg.Enabled {
		c.log.Info("scheduled band lock disabled")
		return
	}
	c.log.Info("scheduled band lock enabled",
		zap.Duration("check_interval", c.cfg.CheckInterval()),
		zap.Duration("no_service_timeout", c.cfg.NoServiceTimeout()),
		zap.String("night_window", c.cfg.Night.Start+"-"+c.cfg.Night.End),
		zap.Bool("night_enabled", c.cfg.Night.Enabled),
		zap.Bool("day_enabled", c.cfg.Day.Enabled),
		zap.Bool("unlock_lte", c.cfg.UnlockLTE),
		zap.Bool("unlock_nr", c.cfg.UnlockNR),
		zap.Bool("toggle_airplane", c.cfg.ToggleAirplane))
	c.wg.Add(1)
	go c.loop()
}

// Close stops the monitor loop and waits for any switch in flight.
func (c *Controller) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

func (c *Controller) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CheckInterval())
	defer ticker.Stop()
	for {
		c.check(c.ctx)
		select {
		case <-ticker.C:
		case <-c.ctx.Done():
			return
		}
	}
}

// check runs one schedule-and-watchdog iteration.
func (c *Controller) check(ctx context.Context) {
	target := c.targetMode()
	switch {
	case target != "" && target != c.currentMode:
		c.log.Info("band lock mode change",
			zap.String("from", c.currentMode), zap.String("to", target))
		c.switchTo(ctx, c.planFor(target), target)
		c.currentMode = target
	case target == "" && c.currentMode != "":
		c.log.Info("outside lock windows, unlocking")
		c.switchTo(ctx, lockPlan{}, modeUnlocked)
		c.currentMode = ""
	}

	if c.hasService(ctx) {
		c.lastService = c.now()
		return
	}
	quiet := c.now().Sub(c.lastService)
	if quiet < c.cfg.NoServiceTimeout() {
		c.log.Debug("no service", zap.Duration("for", quiet))
		return
	}
	c.log.Warn("no service past recovery threshold, unlocking",
		zap.Duration("for", quiet))
	c.switchTo(ctx, lockPlan{}, modeRecovery)
	c.lastService = c.now()
}

// nightTime reports whether t falls inside the night window, handling
// windows that wrap midnight.
func (c *Controller) nightTime(t time.Time) bool {
	cur := t.Hour()*60 + t.Minute()
	if c.nightStart > c.nightEnd {
		return cur >= c.nightStart || cur < c.nightEnd
	}
	return cur >= c.nightStart && cur < c.nightEnd
}

// targetMode returns the mode the clock calls for, or "" when the matching
// window is disabled.
func (c *Controller) targetMode() string {
	night := c.nightTime(c.now())
	switch {
	case night && c.cfg.Night.Enabled:
		return modeNight
	case !night && c.cfg.Day.Enabled:
		return modeDay
	}
	return ""
}

func (c *Controller) planFor(mode string) lockPlan {
	if mode == modeNight {
		return lockPlan{lte: c.cfg.Night.LTE, nr: c.cfg.Night.NR}
	}
	return lockPlan{lte: c.cfg.Day.LTE, nr: c.cfg.Day.NR}
}

// switchTo executes the scripted lock switch and sends the summary
// notification. Concurrent calls are collapsed to one.
func (c *Controller) switchTo(ctx context.Context, plan lockPlan, label string) {
	c.mu.Lock()
	if c.switching {
		c.mu.Unlock()
		return
	}
	c.switching = true
	c.switchCount++
	count := c.switchCount
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.switching = false
		c.mu.Unlock()
	}()

	c.log.Info("switching band lock", zap.String("mode", label), zap.Int("count", count))
	var ops []string

	if c.cfg.ToggleAirplane {
		if _, err := c.commander.Command(ctx, "+CFUN=0"); err != nil {
			c.log.Warn("airplane mode entry failed", zap.Error(err))
		} else {
			c.sleep(2 * time.Second)
		}
	}

	if plan.lte.Type > 0 {
		if len(cleanList(plan.lte.Bands)) > 0 {
			cmd := buildLTE(plan.lte, c.log)
			c.log.Info("applying lte lock", zap.String("cmd", cmd))
			if _, err := c.commander.Command(ctx, cmd); err != nil {
				c.log.Warn("lte lock failed", zap.Error(err))
			} else {
				ops = append(ops, fmt.Sprintf("LTE锁频(类型%d)", plan.lte.Type))
			}
			c.sleep(time.Second)
		}
	} else if c.cfg.UnlockLTE {
		if _, err := c.commander.Command(ctx, "^LTEFREQLOCK=0"); err != nil {
			c.log.Warn("lte unlock failed", zap.Error(err))
		} else {
			ops = append(ops, "LTE解锁")
		}
		c.sleep(time.Second)
	}

	if plan.nr.Type > 0 {
		if len(cleanList(plan.nr.Bands)) > 0 {
			cmd := buildNR(plan.nr, c.log)
			c.log.Info("applying nr lock", zap.String("cmd", cmd))
			if _, err := c.commander.Command(ctx, cmd); err != nil {
				c.log.Warn("nr lock failed", zap.Error(err))
			} else {
				ops = append(ops, fmt.Sprintf("NR锁频(类型%d)", plan.nr.Type))
			}
			c.sleep(time.Second)
		}
	} else if c.cfg.UnlockNR {
		if _, err := c.commander.Command(ctx, "^NRFREQLOCK=0"); err != nil {
			c.log.Warn("nr unlock failed", zap.Error(err))
		} else {
			ops = append(ops, "NR解锁")
		}
		c.sleep(time.Second)
	}

	if c.cfg.ToggleAirplane {
		if _, err := c.commander.Command(ctx, "+CFUN=1"); err != nil {
			c.log.Warn("airplane mode exit failed", zap.Error(err))
		} else {
			ops = append(ops, "切飞行模式")
		}
		c.sleep(3 * time.Second)
	}

	opsText := "未执行任何操作"
	if len(ops) > 0 {
		opsText = strings.Join(ops, "、")
	}
	lteInfo := "LTE解锁"
	if plan.lte.Type > 0 {
		lteInfo = fmt.Sprintf("LTE类型%d", plan.lte.Type)
	}
	nrInfo := "NR解锁"
	if plan.nr.Type > 0 {
		nrInfo = fmt.Sprintf("NR类型%d", plan.nr.Type)
	}
	body := fmt.Sprintf("🔄 定时锁频切换\n时间: %s\n模式: %s模式\nLTE: %s\nNR: %s\n执行操作: %s\n切换次数: 第 %d 次",
		c.now().Format(stampLayout), label, lteInfo, nrInfo, opsText, count)
	c.notifier.Notify(notify.Event{Kind: notify.KindSignal, Sender: "定时锁频切换", Content: body})
	c.log.Info("band lock switch complete", zap.String("mode", label))
}

// hasService reports whether either registration probe shows the modem
// registered (home or roaming).
func (c *Controller) hasService(ctx context.Context) bool {
	for _, probe := range []string{"+CREG?", "+CEREG?"} {
		info, err := c.commander.Command(ctx, probe)
		if err != nil {
			continue
		}
		for _, line := range info {
			if strings.Contains(line, ",1") || strings.Contains(line, ",5") {
				return true
			}
		}
	}
	return false
}
