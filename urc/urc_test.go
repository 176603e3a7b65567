// SPDX-License-Identifier: MIT

package urc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"atgateway/notify"
	"atgateway/pdu"
)

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Notify(e notify.Event) {
	f.events = append(f.events, e)
}

type broadcastEvent struct {
	typ  string
	data interface{}
}

type fakeBroadcaster struct {
	events []broadcastEvent
}

func (f *fakeBroadcaster) Broadcast(typ string, data interface{}) {
	f.events = append(f.events, broadcastEvent{typ, data})
}

type fakeCommander struct {
	replies map[string][]string
	cmds    []string
	err     error
}

func (f *fakeCommander) Command(ctx context.Context, cmd string) ([]string, error) {
	f.cmds = append(f.cmds, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return f.replies[cmd], nil
}

type fakeReader struct {
	messages map[int][]pdu.SMS
	indexes  []int
	err      error
}

func (f *fakeReader) ReadMessage(ctx context.Context, index int) ([]pdu.SMS, error) {
	f.indexes = append(f.indexes, index)
	if f.err != nil {
		return nil, f.err
	}
	return f.messages[index], nil
}

type scriptHandler struct {
	accept bool
	seen   []string
}

func (s *scriptHandler) Handle(ctx context.Context, line string) bool {
	s.seen = append(s.seen, line)
	return s.accept
}

func TestDispatcher(t *testing.T) {
	first := &scriptHandler{accept: true}
	second := &scriptHandler{accept: true}
	d := NewDispatcher(zaptest.NewLogger(t), first, second)
	d.Dispatch(context.Background(), "RING")
	assert.Equal(t, []string{"RING"}, first.seen)
	assert.Empty(t, second.seen)

	// a refused line moves on to the next handler
	first.accept = false
	d.Dispatch(context.Background(), "+CMTI: \"SM\",1")
	assert.Len(t, first.seen, 2)
	assert.Equal(t, []string{"+CMTI: \"SM\",1"}, second.seen)
}

func TestCallHandler(t *testing.T) {
	n := &fakeNotifier{}
	b := &fakeBroadcaster{}
	h := NewCallHandler(n, b)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	ctx := context.Background()

	assert.False(t, h.Handle(ctx, "+CMTI: \"SM\",1"))

	require.True(t, h.Handle(ctx, "RING"))
	assert.Empty(t, n.events)

	require.True(t, h.Handle(ctx, `+CLIP: "15555550100",145,,,,0`))
	require.Len(t, n.events, 1)
	assert.Equal(t, notify.KindCall, n.events[0].Kind)
	assert.Equal(t, "来电提醒", n.events[0].Sender)
	assert.Equal(t, "时间：2026-08-25 10:00:00\n号码：15555550100\n状态：来电振铃",
		n.events[0].Content)
	require.Len(t, b.events, 1)
	assert.Equal(t, "incoming_call", b.events[0].typ)
	assert.Equal(t, CallEvent{
		Time:   "2026-08-25 10:00:00",
		Number: "15555550100",
		State:  "ringing",
	}, b.events[0].data)

	// a repeat inside the redial window is suppressed
	now = now.Add(10 * time.Second)
	require.True(t, h.Handle(ctx, `+CLIP: "15555550100",145,,,,0`))
	assert.Len(t, n.events, 1)
	assert.Len(t, b.events, 1)

	// but not past it
	now = now.Add(21 * time.Second)
	require.True(t, h.Handle(ctx, `+CLIP: "15555550100",145,,,,0`))
	assert.Len(t, n.events, 2)

	// a different number always notifies
	require.True(t, h.Handle(ctx, `+CLIP: "15555550123",145,,,,0`))
	assert.Len(t, n.events, 3)

	// hangup reports the end of the call
	require.True(t, h.Handle(ctx, "NO CARRIER"))
	require.Len(t, n.events, 4)
	assert.Equal(t, "时间：2026-08-25 10:00:31\n号码：15555550123\n状态：通话结束",
		n.events[3].Content)
	require.Len(t, b.events, 4)
	assert.Equal(t, "ended", b.events[3].data.(CallEvent).State)

	// a second hangup has nothing to report
	require.True(t, h.Handle(ctx, "^CEND: 1,104,29,16"))
	assert.Len(t, n.events, 4)

	// after the reset the same number notifies immediately
	require.True(t, h.Handle(ctx, `+CLIP: "15555550123",145,,,,0`))
	assert.Len(t, n.events, 5)
}

func TestMemoryFullHandler(t *testing.T) {
	n := &fakeNotifier{}
	h := NewMemoryFullHandler(n)
	ctx := context.Background()

	assert.False(t, h.Handle(ctx, "RING"))

	patterns := []string{
		"+CMS ERROR: 322",
		"MEMORY FULL",
		`^SMMEMFULL: "SM"`,
	}
	for _, line := range patterns {
		require.True(t, h.Handle(ctx, line))
	}
	// sticky: three warnings, one notification
	require.Len(t, n.events, 1)
	assert.Equal(t, notify.KindMemoryFull, n.events[0].Kind)

	h.Reset()
	require.True(t, h.Handle(ctx, `^SMMEMFULL: "SM"`))
	assert.Len(t, n.events, 2)
}

func TestSMSHandlerSingle(t *testing.T) {
	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	reader := &fakeReader{messages: map[int][]pdu.SMS{
		3: {{Sender: "13800138000", Content: "Hello", Timestamp: ts}},
	}}
	n := &fakeNotifier{}
	b := &fakeBroadcaster{}
	h := NewSMSHandler(reader, n, b, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.False(t, h.Handle(ctx, `+CMT: "SM",3`))
	assert.False(t, h.Handle(ctx, `x+CMTI: "SM",3`))

	require.True(t, h.Handle(ctx, `+CMTI: "SM",3`))
	assert.Equal(t, []int{3}, reader.indexes)
	require.Len(t, n.events, 1)
	assert.Equal(t, notify.KindSMS, n.events[0].Kind)
	assert.Equal(t, "13800138000", n.events[0].Sender)
	assert.Equal(t, "Hello", n.events[0].Content)
	require.Len(t, b.events, 1)
	assert.Equal(t, "new_sms", b.events[0].typ)
	data := b.events[0].data.(SMSEvent)
	assert.Equal(t, "2026-08-25 10:00:00", data.Time)
	// single-part events do not carry the flag at all
	payload, err := json.Marshal(b.events[0].data)
	require.Nil(t, err)
	assert.NotContains(t, string(payload), "isComplete")
}

func TestSMSHandlerMultipart(t *testing.T) {
	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	contents := map[int]string{1: "AA", 2: "BB", 3: "CC"}
	perms := [][]int{
		{1, 2, 3}, {1, 3, 2}, {2, 1, 3}, {2, 3, 1}, {3, 1, 2}, {3, 2, 1},
	}
	for _, perm := range perms {
		f := func(t *testing.T) {
			n := &fakeNotifier{}
			b := &fakeBroadcaster{}
			h := NewSMSHandler(&fakeReader{}, n, b, zaptest.NewLogger(t))
			for i, seq := range perm {
				h.Process([]pdu.SMS{{
					Sender:    "10086",
					Content:   contents[seq],
					Timestamp: ts,
					Partial:   &pdu.Partial{Reference: 42, Total: 3, Seq: seq},
				}})
				if i < len(perm)-1 {
					assert.Empty(t, n.events)
					assert.Empty(t, b.events)
				}
			}
			require.Len(t, n.events, 1)
			assert.Equal(t, "AABBCC", n.events[0].Content)
			require.Len(t, b.events, 1)
			data := b.events[0].data.(SMSEvent)
			assert.True(t, data.IsComplete)
			assert.Equal(t, "AABBCC", data.Content)
			assert.Equal(t, 0, len(h.store.records))
		}
		t.Run(fmt.Sprint(perm), f)
	}
}

func TestSMSHandlerReadError(t *testing.T) {
	n := &fakeNotifier{}
	b := &fakeBroadcaster{}
	h := NewSMSHandler(&fakeReader{err: assert.AnError}, n, b, zaptest.NewLogger(t))
	require.True(t, h.Handle(context.Background(), `+CMTI: "ME",7`))
	assert.Empty(t, n.events)
	assert.Empty(t, b.events)
}

func TestStoreCap(t *testing.T) {
	s := newStore(zaptest.NewLogger(t))
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	step := 0
	s.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	for i := 0; i < storeCap+1; i++ {
		key := partKey{sender: strconv.Itoa(i), reference: uint16(i)}
		_, done := s.add(key, 2, 1, "x")
		assert.False(t, done)
	}
	assert.Equal(t, storeCap, len(s.records))
	// the first record made way for the 101st
	_, ok := s.records[partKey{sender: "0", reference: 0}]
	assert.False(t, ok)
	_, ok = s.records[partKey{sender: "100", reference: 100}]
	assert.True(t, ok)
}

func TestStoreTTL(t *testing.T) {
	s := newStore(zaptest.NewLogger(t))
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.add(partKey{sender: "a", reference: 1}, 2, 1, "x")

	// exactly at the boundary nothing expires
	now = now.Add(partTTL)
	s.add(partKey{sender: "b", reference: 2}, 2, 1, "y")
	assert.Equal(t, 2, len(s.records))

	// past it the stale record goes
	now = now.Add(time.Second)
	s.add(partKey{sender: "c", reference: 3}, 2, 1, "z")
	assert.Equal(t, 2, len(s.records))
	_, ok := s.records[partKey{sender: "a", reference: 1}]
	assert.False(t, ok)
}

func TestStoreIgnoresBadParts(t *testing.T) {
	s := newStore(zaptest.NewLogger(t))
	_, done := s.add(partKey{sender: "a", reference: 1}, 0, 1, "x")
	assert.False(t, done)
	assert.Empty(t, s.records)

	// part numbers outside the declared total are dropped
	s.add(partKey{sender: "a", reference: 1}, 2, 1, "x")
	_, done = s.add(partKey{sender: "a", reference: 1}, 2, 5, "y")
	assert.False(t, done)
	content, done := s.add(partKey{sender: "a", reference: 1}, 2, 2, "z")
	assert.True(t, done)
	assert.Equal(t, "xz", content)
}

func TestSignalHandlerHCSQ(t *testing.T) {
	n := &fakeNotifier{}
	fc := &fakeCommander{replies: map[string][]string{
		"^MONSC": {"^MONSC: LTE,460,01,1850,2A5F01,1F,5D3C,-95,-11,-65"},
	}}
	h := NewSignalHandler(fc, n, zaptest.NewLogger(t))
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	ctx := context.Background()

	assert.False(t, h.Handle(ctx, "RING"))

	// the first sample always notifies and carries the mode banner;
	// the tier comes from the sample, the detail from ^MONSC
	require.True(t, h.Handle(ctx, `^HCSQ: "LTE",55,20,20`))
	require.Len(t, n.events, 1)
	assert.Equal(t, notify.KindSignal, n.events[0].Kind)
	assert.Equal(t, "信号监控", n.events[0].Sender)
	want := "⚡ 网络切换提醒\n" +
		"📶 信号变动通知\n" +
		"时间: 2026-08-25 10:00:00\n" +
		"制式: LTE\n" +
		"信号: 优秀\n" +
		"RSRP: -95 dBm\n" +
		"RSRQ: -11 dB\n" +
		"RSSI: -65 dBm\n" +
		"\n📡 小区信息:\n" +
		"频点: 1850\n" +
		"PCI: 31\n" +
		"TAC: 5D3C\n" +
		"小区ID: 2A5F01"
	assert.Equal(t, want, n.events[0].Content)
	assert.Equal(t, []string{"^MONSC"}, fc.cmds)

	// an unchanged sample is quiet
	require.True(t, h.Handle(ctx, `^HCSQ: "LTE",55,20,20`))
	assert.Len(t, n.events, 1)

	// a 1 dB move triggers, without the banner
	require.True(t, h.Handle(ctx, `^HCSQ: "LTE",56,20,20`))
	require.Len(t, n.events, 2)
	assert.False(t, strings.HasPrefix(n.events[1].Content, "⚡"))

	// a mode change triggers with the banner
	require.True(t, h.Handle(ctx, `^HCSQ: "NR",56,20,20`))
	require.Len(t, n.events, 3)
	assert.True(t, strings.HasPrefix(n.events[2].Content, "⚡ 网络切换提醒\n"))
	assert.Len(t, fc.cmds, 3)
}

func TestSignalHandlerCERSSI(t *testing.T) {
	n := &fakeNotifier{}
	fc := &fakeCommander{replies: map[string][]string{
		"^MONSC": {"^MONSC: NONE"},
	}}
	h := NewSignalHandler(fc, n, zaptest.NewLogger(t))
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	ctx := context.Background()

	// too few fields is ignored
	require.True(t, h.Handle(ctx, "^CERSSI: "+strings.Repeat("0,", 17)+"-97,-12"))
	assert.Empty(t, n.events)

	require.True(t, h.Handle(ctx, "^CERSSI: "+strings.Repeat("0,", 18)+"-97,-12,15"))
	require.Len(t, n.events, 1)
	assert.Contains(t, n.events[0].Content, "制式: NONE\n")
	assert.Contains(t, n.events[0].Content, "信号: 良好\n")
	assert.NotContains(t, n.events[0].Content, "小区信息")

	// the twenty-field form defaults SINR and repeats the same rsrp
	require.True(t, h.Handle(ctx, "^CERSSI: "+strings.Repeat("0,", 18)+"-97,-12"))
	assert.Len(t, n.events, 1)
}

func TestSignalHandlerNR(t *testing.T) {
	n := &fakeNotifier{}
	fc := &fakeCommander{replies: map[string][]string{
		"^MONSC": {"^MONSC: NR,460,01,504990,1,12AB34CD,3E8,5D3C,-80,-11.5,21.5"},
	}}
	h := NewSignalHandler(fc, n, zaptest.NewLogger(t))
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	require.True(t, h.Handle(context.Background(), `^HCSQ: "NR5G",30,20,20`))
	require.Len(t, n.events, 1)
	want := "⚡ 网络切换提醒\n" +
		"📶 信号变动通知\n" +
		"时间: 2026-08-25 10:00:00\n" +
		"制式: NR\n" +
		"信号: 较差\n" +
		"RSRP: -80 dBm\n" +
		"RSRQ: -11.5 dB\n" +
		"SINR: 21.5 dB\n" +
		"\n📡 小区信息:\n" +
		"频点: 504990\n" +
		"PCI: 1000\n" +
		"TAC: 5D3C\n" +
		"小区ID: 12AB34CD"
	assert.Equal(t, want, n.events[0].Content)
}

func TestSignalHandlerQueryFailure(t *testing.T) {
	n := &fakeNotifier{}
	fc := &fakeCommander{err: assert.AnError}
	h := NewSignalHandler(fc, n, zaptest.NewLogger(t))
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	// enrichment failure still notifies, with unknown cell detail
	require.True(t, h.Handle(context.Background(), `^HCSQ: "LTE",55,20,20`))
	require.Len(t, n.events, 1)
	assert.Contains(t, n.events[0].Content, "制式: 未知\n")
	assert.NotContains(t, n.events[0].Content, "RSRP:")
}

func TestPdcpHandler(t *testing.T) {
	b := &fakeBroadcaster{}
	h := NewPdcpHandler(b, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.False(t, h.Handle(ctx, "^HCSQ: \"LTE\",55,20,20"))

	// short and malformed reports are swallowed
	require.True(t, h.Handle(ctx, "^PDCPDATAINFO: 1,2,3"))
	require.True(t, h.Handle(ctx, "^PDCPDATAINFO: x,5,100,123,45,678,90,12,3,4,1000,2000,5,6"))
	assert.Empty(t, b.events)

	require.True(t, h.Handle(ctx, "^PDCPDATAINFO: 1,5,100,123,45,678,90,12,3,4,1000,2000,5,6"))
	require.Len(t, b.events, 1)
	assert.Equal(t, "pdcp_data", b.events[0].typ)
	rec := b.events[0].data.(PdcpInfo)
	assert.Equal(t, PdcpInfo{
		ID:                    1,
		PduSessionID:          5,
		DiscardTimerLen:       100,
		AvgDelay:              12.3,
		MinDelay:              4.5,
		MaxDelay:              67.8,
		HighPriQueMaxBuffTime: 9,
		LowPriQueMaxBuffTime:  1.2,
		HighPriQueBuffPktNums: 3,
		LowPriQueBuffPktNums:  4,
		UlPdcpRate:            1000,
		DlPdcpRate:            2000,
		UlDiscardCnt:          5,
		DlDiscardCnt:          6,
	}, rec)

	payload, err := json.Marshal(rec)
	require.Nil(t, err)
	assert.Contains(t, string(payload), `"pduSessionId":5`)
	assert.Contains(t, string(payload), `"avgDelay":12.3`)
}
