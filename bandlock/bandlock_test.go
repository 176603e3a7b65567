// SPDX-License-Identifier: MIT

package bandlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"atgateway/config"
	"atgateway/notify"
)

type fakeCommander struct {
	replies map[string][]string
	errs    map[string]error
	cmds    []string
}

func (f *fakeCommander) Command(_ context.Context, cmd string) ([]string, error) {
	f.cmds = append(f.cmds, cmd)
	if err, ok := f.errs[cmd]; ok {
		return nil, err
	}
	return f.replies[cmd], nil
}

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Notify(e notify.Event) {
	f.events = append(f.events, e)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func newTestController(t *testing.T, cfg config.Schedule, fc *fakeCommander, fn *fakeNotifier, start time.Time) (*Controller, *fakeClock) {
	t.Helper()
	c, err := NewController(cfg, fc, fn, zaptest.NewLogger(t))
	require.Nil(t, err)
	clk := &fakeClock{t: start}
	c.now = clk.now
	c.sleep = func(time.Duration) {}
	c.lastService = start
	return c, clk
}

func scheduleConfig() config.Schedule {
	return config.Schedule{
		Enabled:           true,
		CheckIntervalS:    60,
		NoServiceTimeoutS: 180,
		UnlockLTE:         true,
		UnlockNR:          true,
		ToggleAirplane:    true,
		Night: config.Window{
			Enabled: true,
			Start:   "22:00",
			End:     "06:00",
			LTE:     config.Lock{Type: 3, Bands: []string{"3", "41"}},
		},
		Day: config.Window{Enabled: true},
	}
}

func TestNightSwitchSequence(t *testing.T) {
	fc := &fakeCommander{replies: map[string][]string{"+CREG?": {"+CREG: 0,1"}}}
	fn := &fakeNotifier{}
	c, _ := newTestController(t, scheduleConfig(), fc, fn,
		time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC))

	c.check(context.Background())

	assert.Equal(t, []string{
		"+CFUN=0",
		`^LTEFREQLOCK=3,0,2,"3,41"`,
		"^NRFREQLOCK=0",
		"+CFUN=1",
		"+CREG?",
	}, fc.cmds)
	assert.Equal(t, "night", c.currentMode)

	require.Len(t, fn.events, 1)
	assert.Equal(t, notify.KindSignal, fn.events[0].Kind)
	assert.Equal(t, "定时锁频切换", fn.events[0].Sender)
	want := "🔄 定时锁频切换\n" +
		"时间: 2026-03-01 23:00:00\n" +
		"模式: night模式\n" +
		"LTE: LTE类型3\n" +
		"NR: NR解锁\n" +
		"执行操作: LTE锁频(类型3)、NR解锁、切飞行模式\n" +
		"切换次数: 第 1 次"
	assert.Equal(t, want, fn.events[0].Content)

	// Same mode on the next pass: only the registration probe runs.
	c.check(context.Background())
	assert.Len(t, fc.cmds, 6)
	assert.Equal(t, "+CREG?", fc.cmds[5])
	assert.Len(t, fn.events, 1)
}

func TestDaySwitch(t *testing.T) {
	fc := &fakeCommander{replies: map[string][]string{"+CREG?": {"+CREG: 0,1"}}}
	fn := &fakeNotifier{}
	c, clk := newTestController(t, scheduleConfig(), fc, fn,
		time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC))

	c.check(context.Background())
	require.Equal(t, "night", c.currentMode)

	clk.t = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fc.cmds = nil
	c.check(context.Background())

	// The day window carries no locks, so both RATs are unlocked.
	assert.Equal(t, []string{
		"+CFUN=0",
		"^LTEFREQLOCK=0",
		"^NRFREQLOCK=0",
		"+CFUN=1",
		"+CREG?",
	}, fc.cmds)
	assert.Equal(t, "day", c.currentMode)
	require.Len(t, fn.events, 2)
	assert.Contains(t, fn.events[1].Content, "模式: day模式")
	assert.Contains(t, fn.events[1].Content, "LTE: LTE解锁")
	assert.Contains(t, fn.events[1].Content, "切换次数: 第 2 次")
}

func TestUnlockOutsideWindows(t *testing.T) {
	cfg := scheduleConfig()
	cfg.Day.Enabled = false
	fc := &fakeCommander{replies: map[string][]string{"+CREG?": {"+CREG: 0,1"}}}
	fn := &fakeNotifier{}
	c, clk := newTestController(t, cfg, fc, fn,
		time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC))

	c.check(context.Background())
	require.Equal(t, "night", c.currentMode)

	clk.t = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fc.cmds = nil
	c.check(context.Background())

	assert.Equal(t, []string{
		"+CFUN=0",
		"^LTEFREQLOCK=0",
		"^NRFREQLOCK=0",
		"+CFUN=1",
		"+CREG?",
	}, fc.cmds)
	assert.Equal(t, "", c.currentMode)
	require.Len(t, fn.events, 2)
	assert.Contains(t, fn.events[1].Content, "模式: 解锁模式")

	// Staying outside the windows switches nothing further.
	clk.t = clk.t.Add(time.Minute)
	fc.cmds = nil
	c.check(context.Background())
	assert.Equal(t, []string{"+CREG?"}, fc.cmds)
	assert.Len(t, fn.events, 2)
}

func TestNoServiceRecovery(t *testing.T) {
	cfg := scheduleConfig()
	cfg.Night.Enabled = false
	cfg.Day.Enabled = false
	fc := &fakeCommander{replies: map[string][]string{
		"+CREG?":  {"+CREG: 0,2"},
		"+CEREG?": {"+CEREG: 0,2"},
	}}
	fn := &fakeNotifier{}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, clk := newTestController(t, cfg, fc, fn, start)

	c.check(context.Background())
	assert.Equal(t, []string{"+CREG?", "+CEREG?"}, fc.cmds)
	assert.Empty(t, fn.events)

	clk.t = start.Add(181 * time.Second)
	fc.cmds = nil
	c.check(context.Background())
	assert.Equal(t, []string{
		"+CREG?",
		"+CEREG?",
		"+CFUN=0",
		"^LTEFREQLOCK=0",
		"^NRFREQLOCK=0",
		"+CFUN=1",
	}, fc.cmds)
	require.Len(t, fn.events, 1)
	assert.Contains(t, fn.events[0].Content, "模式: 恢复模式")
	assert.Contains(t, fn.events[0].Content, "执行操作: LTE解锁、NR解锁、切飞行模式")
	assert.Equal(t, "", c.currentMode)

	// The timer was reset; one second later nothing fires.
	clk.t = clk.t.Add(time.Second)
	fc.cmds = nil
	c.check(context.Background())
	assert.Equal(t, []string{"+CREG?", "+CEREG?"}, fc.cmds)
	assert.Len(t, fn.events, 1)
}

func TestHasService(t *testing.T) {
	patterns := []struct {
		name    string
		replies map[string][]string
		errs    map[string]error
		want    bool
		cmds    []string
	}{
		{
			name:    "home",
			replies: map[string][]string{"+CREG?": {"+CREG: 0,1"}},
			want:    true,
			cmds:    []string{"+CREG?"},
		},
		{
			name:    "roaming",
			replies: map[string][]string{"+CREG?": {"+CREG: 0,5"}},
			want:    true,
			cmds:    []string{"+CREG?"},
		},
		{
			name: "epsFallback",
			replies: map[string][]string{
				"+CREG?":  {"+CREG: 0,2"},
				"+CEREG?": {"+CEREG: 0,1"},
			},
			want: true,
			cmds: []string{"+CREG?", "+CEREG?"},
		},
		{
			name: "unregistered",
			replies: map[string][]string{
				"+CREG?":  {"+CREG: 0,2"},
				"+CEREG?": {"+CEREG: 0,3"},
			},
			want: false,
			cmds: []string{"+CREG?", "+CEREG?"},
		},
		{
			name:    "probeError",
			replies: map[string][]string{"+CEREG?": {"+CEREG: 0,5"}},
			errs:    map[string]error{"+CREG?": assert.AnError},
			want:    true,
			cmds:    []string{"+CREG?", "+CEREG?"},
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			fc := &fakeCommander{replies: p.replies, errs: p.errs}
			c, _ := newTestController(t, scheduleConfig(), fc, &fakeNotifier{}, time.Now())
			assert.Equal(t, p.want, c.hasService(context.Background()))
			assert.Equal(t, p.cmds, fc.cmds)
		}
		t.Run(p.name, f)
	}
}

func TestSwitchSingleFlight(t *testing.T) {
	fc := &fakeCommander{}
	fn := &fakeNotifier{}
	c, _ := newTestController(t, scheduleConfig(), fc, fn, time.Now())

	c.switching = true
	c.switchTo(context.Background(), lockPlan{}, modeUnlocked)

	assert.Empty(t, fc.cmds)
	assert.Empty(t, fn.events)
	assert.Equal(t, 0, c.switchCount)
}

func TestNightWindow(t *testing.T) {
	patterns := []struct {
		name       string
		start, end string
		at         string
		want       bool
	}{
		{name: "wrapEvening", start: "22:00", end: "06:00", at: "23:30", want: true},
		{name: "wrapMorning", start: "22:00", end: "06:00", at: "05:59", want: true},
		{name: "wrapMidday", start: "22:00", end: "06:00", at: "12:00", want: false},
		{name: "wrapStartIncluded", start: "22:00", end: "06:00", at: "22:00", want: true},
		{name: "wrapEndExcluded", start: "22:00", end: "06:00", at: "06:00", want: false},
		{name: "plainInside", start: "01:00", end: "05:00", at: "03:00", want: true},
		{name: "plainOutside", start: "01:00", end: "05:00", at: "06:00", want: false},
		{name: "plainEndExcluded", start: "01:00", end: "05:00", at: "05:00", want: false},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			start, err := config.ParseClock(p.start)
			require.Nil(t, err)
			end, err := config.ParseClock(p.end)
			require.Nil(t, err)
			c := &Controller{nightStart: start, nightEnd: end}
			at, err := time.Parse("15:04", p.at)
			require.Nil(t, err)
			assert.Equal(t, p.want, c.nightTime(at))
		}
		t.Run(p.name, f)
	}
}

func TestTargetModeDisabledWindows(t *testing.T) {
	cfg := scheduleConfig()
	cfg.Night.Enabled = false
	c, clk := newTestController(t, cfg, &fakeCommander{}, &fakeNotifier{},
		time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC))

	// Night hours with the night window disabled select nothing, even
	// though the day window is enabled.
	assert.Equal(t, "", c.targetMode())

	clk.t = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "day", c.targetMode())
}

func TestBuildLTE(t *testing.T) {
	patterns := []struct {
		name string
		lock config.Lock
		want string
	}{
		{
			name: "bandLock",
			lock: config.Lock{Type: 3, Bands: []string{"3", "41"}},
			want: `^LTEFREQLOCK=3,0,2,"3,41"`,
		},
		{
			name: "earfcnLock",
			lock: config.Lock{Type: 1, Bands: []string{"3"}, Arfcns: []string{"1650"}},
			want: `^LTEFREQLOCK=1,0,1,"3","1650"`,
		},
		{
			name: "cellLock",
			lock: config.Lock{Type: 2, Bands: []string{"39"}, Arfcns: []string{"38400"}, PCIs: []string{"112"}},
			want: `^LTEFREQLOCK=2,0,1,"39","38400","112"`,
		},
		{
			name: "unlockType",
			lock: config.Lock{Type: 0, Bands: []string{"3"}},
			want: "^LTEFREQLOCK=0",
		},
		{
			name: "countMismatch",
			lock: config.Lock{Type: 1, Bands: []string{"3", "41"}, Arfcns: []string{"1650"}},
			want: "^LTEFREQLOCK=0",
		},
		{
			name: "arfcnOutsideBand",
			lock: config.Lock{Type: 1, Bands: []string{"3"}, Arfcns: []string{"39650"}},
			want: "^LTEFREQLOCK=0",
		},
		{
			name: "unknownBandPasses",
			lock: config.Lock{Type: 1, Bands: []string{"99"}, Arfcns: []string{"12345"}},
			want: `^LTEFREQLOCK=1,0,1,"99","12345"`,
		},
		{
			name: "stripsSpaces",
			lock: config.Lock{Type: 3, Bands: []string{" 3 ", "", "41"}},
			want: `^LTEFREQLOCK=3,0,2,"3,41"`,
		},
		{
			name: "badNumber",
			lock: config.Lock{Type: 1, Bands: []string{"x"}, Arfcns: []string{"10"}},
			want: "^LTEFREQLOCK=0",
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			assert.Equal(t, p.want, buildLTE(p.lock, zaptest.NewLogger(t)))
		}
		t.Run(p.name, f)
	}
}

func TestBuildNR(t *testing.T) {
	patterns := []struct {
		name string
		lock config.Lock
		want string
	}{
		{
			name: "bandLock",
			lock: config.Lock{Type: 3, Bands: []string{"78"}},
			want: `^NRFREQLOCK=3,0,1,"78"`,
		},
		{
			name: "arfcnLockAutoScs",
			lock: config.Lock{Type: 1, Bands: []string{"78", "28"}, Arfcns: []string{"630000", "9400"}},
			want: `^NRFREQLOCK=1,0,2,"78,28","630000,9400","1,0"`,
		},
		{
			name: "arfcnLockExplicitScs",
			lock: config.Lock{Type: 1, Bands: []string{"41"}, Arfcns: []string{"40000"}, ScsTypes: []string{"0"}},
			want: `^NRFREQLOCK=1,0,1,"41","40000","0"`,
		},
		{
			name: "scsCountMismatch",
			lock: config.Lock{Type: 1, Bands: []string{"78", "79"}, Arfcns: []string{"630000", "450000"}, ScsTypes: []string{"1"}},
			want: "^NRFREQLOCK=0",
		},
		{
			name: "cellLock",
			lock: config.Lock{Type: 2, Bands: []string{"78"}, Arfcns: []string{"630000"}, PCIs: []string{"512"}},
			want: `^NRFREQLOCK=2,0,1,"78","630000","1","512"`,
		},
		{
			name: "pciCountMismatch",
			lock: config.Lock{Type: 2, Bands: []string{"78"}, Arfcns: []string{"630000"}},
			want: "^NRFREQLOCK=0",
		},
		{
			name: "arfcnOutsideBand",
			lock: config.Lock{Type: 1, Bands: []string{"79"}, Arfcns: []string{"630000"}},
			want: "^NRFREQLOCK=0",
		},
		{
			name: "unlockType",
			lock: config.Lock{Type: 0},
			want: "^NRFREQLOCK=0",
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			assert.Equal(t, p.want, buildNR(p.lock, zaptest.NewLogger(t)))
		}
		t.Run(p.name, f)
	}
}

func TestDetectScsTypes(t *testing.T) {
	assert.Equal(t, []string{"1", "0", "1", "0", "1", "1"},
		detectScsTypes([]string{"78", "28", "41", "71", "7", "bad"}))
}
