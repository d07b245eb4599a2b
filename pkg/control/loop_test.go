package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/gwillem/armlatable/pkg/bus"
	"github.com/gwillem/armlatable/pkg/link"
	"github.com/gwillem/armlatable/pkg/protocol"
	"github.com/gwillem/armlatable/pkg/strategy"
)

// fakeLink captures the frames a real Serial bus writes.
type fakeLink struct {
	mu      sync.Mutex
	frames  []string
	lines   []string
	failing bool
	closes  int
	polls   int
}

func (l *fakeLink) WriteFrame(f []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return fmt.Errorf("%w: cable pulled", link.ErrIO)
	}
	l.frames = append(l.frames, strings.TrimSuffix(string(f), "\n"))
	return nil
}

func (l *fakeLink) TryReadLine() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		return "", false
	}
	line := l.lines[0]
	l.lines = l.lines[1:]
	return line, true
}

func (l *fakeLink) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.polls++
	return len(l.lines)
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) setFailing(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing = v
}

func (l *fakeLink) snapshot() ([]string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.frames...), l.closes
}

// scripted runs for a fixed number of ticks and calls hook on each.
type scripted struct {
	ticks    int
	limit    int
	hook     func(tick int)
	closes   int
	synced   map[protocol.ActuatorID]int
	min, max int
}

func (s *scripted) Update(time.Duration, protocol.Status) strategy.Command {
	tick := s.ticks
	s.ticks++
	if s.hook != nil {
		s.hook(tick)
	}
	cmd := strategy.Command{
		DC:      []int{tick * 10},
		Mode:    protocol.ModePosition,
		Targets: map[protocol.ActuatorID]int{2: tick, 1: tick},
	}
	if tick == 0 {
		cmd.Enable = strategy.EnableOn
	}
	return cmd
}

func (s *scripted) ShouldContinue() bool { return s.limit == 0 || s.ticks < s.limit }

func (s *scripted) SetInitialPosition(p map[protocol.ActuatorID]int) { s.synced = p }

func (s *scripted) SetPositionLimits(min, max int) { s.min, s.max = min, max }

func (s *scripted) Close() error {
	s.closes++
	return nil
}

func serialDialer(l *fakeLink, calls *int) Dialer {
	return func(context.Context) (bus.Bus, error) {
		*calls++
		return bus.NewSerial(l, 2, []protocol.ActuatorID{1, 2}, zap.NewNop().Sugar()), nil
	}
}

func newTestController(dial Dialer, s strategy.Strategy, cfg Config) *Controller {
	if cfg.Hz == 0 {
		cfg.Hz = 1000
	}
	return New(dial, s, cfg, zap.NewNop().Sugar())
}

func checkShutdown(t *testing.T, l *fakeLink) {
	t.Helper()
	frames, closes := l.snapshot()
	if len(frames) < 2 {
		t.Fatalf("only %d frames sent", len(frames))
	}
	if diff := cmp.Diff([]string{"STOP", "E:0"}, frames[len(frames)-2:]); diff != "" {
		t.Errorf("final frames (-want +got):\n%s", diff)
	}
	if closes != 1 {
		t.Errorf("link closed %d times, want 1", closes)
	}
}

func TestRun_StrategyFinishes(t *testing.T) {
	l := &fakeLink{}
	var dials int
	s := &scripted{limit: 3}
	c := newTestController(serialDialer(l, &dials), s, Config{})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.ticks != 3 {
		t.Errorf("ran %d ticks, want 3", s.ticks)
	}
	if c.Phase() != Stopped {
		t.Errorf("Phase() = %v, want stopped", c.Phase())
	}
	if s.closes != 1 {
		t.Errorf("strategy released %d times, want 1", s.closes)
	}

	frames, _ := l.snapshot()
	want := []string{
		"E:0", "D:1,3,0", "D:2,3,0", "E:1", "DC:0,0",
		"D:1,3,1", "D:2,3,1", "DC:10,0",
		"D:1,3,2", "D:2,3,2", "DC:20,0",
		"DC:0,0", "STOP", "E:0",
	}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
	checkShutdown(t, l)
}

func TestRun_Interrupt(t *testing.T) {
	l := &fakeLink{}
	var dials int
	var c *Controller
	s := &scripted{hook: func(tick int) {
		if tick == 2 {
			c.Interrupt()
			c.Interrupt()
		}
	}}
	c = newTestController(serialDialer(l, &dials), s, Config{Hz: 20})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.ticks != 3 {
		t.Errorf("ran %d ticks after interrupt at tick 2, want 3", s.ticks)
	}
	checkShutdown(t, l)
}

func TestRun_ContextCancel(t *testing.T) {
	l := &fakeLink{}
	var dials int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &scripted{hook: func(tick int) {
		if tick == 1 {
			cancel()
		}
	}}
	c := newTestController(serialDialer(l, &dials), s, Config{Hz: 20})

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.ticks != 2 {
		t.Errorf("ran %d ticks, want 2", s.ticks)
	}
	checkShutdown(t, l)
}

func TestRun_IOErrorMidLoop(t *testing.T) {
	l := &fakeLink{}
	var dials int
	s := &scripted{limit: 6}
	s.hook = func(tick int) {
		l.setFailing(tick >= 2 && tick < 4)
	}
	c := newTestController(serialDialer(l, &dials), s, Config{})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.ticks != 6 {
		t.Errorf("ran %d ticks, want 6", s.ticks)
	}
	if c.Dropped() == 0 {
		t.Error("no dropped commands recorded")
	}
	checkShutdown(t, l)
}

func TestRun_PanicStillShutsDown(t *testing.T) {
	l := &fakeLink{}
	var dials int
	s := &scripted{hook: func(tick int) {
		if tick == 1 {
			panic("strategy bug")
		}
	}}
	c := newTestController(serialDialer(l, &dials), s, Config{})

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		c.Run(context.Background())
	}()
	checkShutdown(t, l)
	if s.closes != 1 {
		t.Errorf("strategy released %d times, want 1", s.closes)
	}
}

func TestRun_DialFailure(t *testing.T) {
	s := &scripted{}
	dial := func(context.Context) (bus.Bus, error) {
		return nil, fmt.Errorf("%w: /dev/ttyACM9", link.ErrConnectionFailed)
	}
	c := newTestController(dial, s, Config{})

	err := c.Run(context.Background())
	if !errors.Is(err, link.ErrConnectionFailed) {
		t.Fatalf("Run() = %v, want ErrConnectionFailed", err)
	}
	if s.ticks != 0 {
		t.Errorf("strategy ran %d ticks", s.ticks)
	}
	if s.closes != 1 {
		t.Errorf("strategy released %d times, want 1", s.closes)
	}
	if c.Phase() != Stopped {
		t.Errorf("Phase() = %v, want stopped", c.Phase())
	}
}

func TestRun_Once(t *testing.T) {
	l := &fakeLink{}
	var dials int
	c := newTestController(serialDialer(l, &dials), &scripted{limit: 1}, Config{})

	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
	if dials != 1 {
		t.Errorf("dialed %d times, want 1", dials)
	}
}

func TestRun_Initialize(t *testing.T) {
	l := &fakeLink{lines: []string{"S:0,0,1:700", "S:0,0,2:-30"}}
	var dials int
	s := &scripted{limit: 1}
	c := newTestController(serialDialer(l, &dials), s, Config{
		PushConfig:           true,
		CurrentLimits:        map[protocol.ActuatorID]int{2: 400},
		PositionMin:          -100,
		PositionMax:          100,
		SyncInitialPositions: true,
	})

	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[protocol.ActuatorID]int{1: 700, 2: -30}, s.synced); diff != "" {
		t.Errorf("synced positions (-want +got):\n%s", diff)
	}
	if s.min != -100 || s.max != 100 {
		t.Errorf("limits = %d..%d, want -100..100", s.min, s.max)
	}
	frames, _ := l.snapshot()
	if diff := cmp.Diff([]string{"C:1,2", "L:2,400"}, frames[:2]); diff != "" {
		t.Errorf("config frames (-want +got):\n%s", diff)
	}
}

func TestRun_SyncTimeout(t *testing.T) {
	l := &fakeLink{lines: []string{"S:0,0,1:5"}}
	var dials int
	s := &scripted{limit: 1}
	c := newTestController(serialDialer(l, &dials), s, Config{
		SyncInitialPositions: true,
		SyncTimeout:          20 * time.Millisecond,
	})

	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[protocol.ActuatorID]int{1: 5}, s.synced); diff != "" {
		t.Errorf("partial sync (-want +got):\n%s", diff)
	}
}

func TestRun_InterruptDuringSync(t *testing.T) {
	l := &fakeLink{}
	var dials int
	s := &scripted{}
	c := newTestController(serialDialer(l, &dials), s, Config{
		Hz:                   50,
		SyncInitialPositions: true,
		SyncTimeout:          2 * time.Second,
	})
	c.Interrupt()

	start := time.Now()
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Errorf("Run took %v after interrupt, want an early return", took)
	}
	if s.ticks != 0 {
		t.Errorf("ran %d ticks, want 0", s.ticks)
	}
	l.mu.Lock()
	polls := l.polls
	l.mu.Unlock()
	if polls > 1 {
		t.Errorf("status polled %d times while interrupted, want at most 1", polls)
	}
	checkShutdown(t, l)
}

func TestRun_SyncPacesPolls(t *testing.T) {
	l := &fakeLink{}
	var dials int
	s := &scripted{limit: 1}
	c := newTestController(serialDialer(l, &dials), s, Config{
		Hz:                   50,
		SyncInitialPositions: true,
		SyncTimeout:          100 * time.Millisecond,
	})

	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.mu.Lock()
	polls := l.polls
	l.mu.Unlock()
	// 100ms at 50 Hz is about 6 polls, plus one for the single tick.
	if polls > 20 {
		t.Errorf("status polled %d times during a 100ms sync at 50 Hz", polls)
	}
}

func TestRun_PublishesStates(t *testing.T) {
	l := &fakeLink{}
	var dials int
	c := newTestController(serialDialer(l, &dials), &scripted{limit: 2}, Config{})

	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case st := <-c.States():
		if st.Phase != Stopped {
			t.Errorf("last state phase = %v, want stopped", st.Phase)
		}
	default:
		t.Fatal("no state published")
	}
	select {
	case <-c.Logs():
	default:
		t.Error("no log lines published")
	}
}

func TestPace(t *testing.T) {
	tests := []struct {
		period, spent, want time.Duration
	}{
		{20 * time.Millisecond, 5 * time.Millisecond, 15 * time.Millisecond},
		{20 * time.Millisecond, 0, 20 * time.Millisecond},
		{20 * time.Millisecond, 20 * time.Millisecond, 0},
		{20 * time.Millisecond, 35 * time.Millisecond, 0},
	}
	for _, tt := range tests {
		if got := Pace(tt.period, tt.spent); got != tt.want {
			t.Errorf("Pace(%v, %v) = %v, want %v", tt.period, tt.spent, got, tt.want)
		}
	}
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{
		Initializing: "initializing",
		Running:      "running",
		ShuttingDown: "shutting down",
		Stopped:      "stopped",
	} {
		if p.String() != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, p.String(), want)
		}
	}
}
