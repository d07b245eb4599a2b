// Package control runs the fixed-rate loop that ties a strategy to an
// actuator bus.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gwillem/armlatable/pkg/bus"
	"github.com/gwillem/armlatable/pkg/protocol"
	"github.com/gwillem/armlatable/pkg/strategy"
)

// Phase is where a Controller is in its lifecycle.
type Phase int32

// Lifecycle phases. Stopped is terminal.
const (
	Initializing Phase = iota
	Running
	ShuttingDown
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// State is a snapshot published after every tick.
type State struct {
	Phase     Phase
	Tick      uint64
	Elapsed   time.Duration
	Status    protocol.Status
	Command   strategy.Command
	Timestamp time.Time
}

// Dialer connects to the hardware. It is called once per Run.
type Dialer func(ctx context.Context) (bus.Bus, error)

// Config holds loop parameters.
type Config struct {
	Hz                   int
	PushConfig           bool
	CurrentLimits        map[protocol.ActuatorID]int
	PositionMin          int
	PositionMax          int
	SyncInitialPositions bool
	SyncTimeout          time.Duration

	// SkipDC leaves the DC channels alone when no motor is wired.
	SkipDC bool
	Clock  clock.Clock
}

// DefaultHz is used when Config.Hz is not positive.
const DefaultHz = 50

var errInterrupted = errors.New("interrupted")

// Controller owns one control session.
type Controller struct {
	dial   Dialer
	strat  strategy.Strategy
	cfg    Config
	clock  clock.Clock
	logger *zap.SugaredLogger

	phase     atomic.Int32
	ran       atomic.Bool
	interrupt atomic.Bool
	dropped   atomic.Uint64
	wake      chan struct{}
	wakeOnce  sync.Once
	warn      rate.Sometimes

	stateCh chan State
	logCh   chan string
}

// New creates a controller. Nothing touches the hardware until Run.
func New(dial Dialer, strat strategy.Strategy, cfg Config, logger *zap.SugaredLogger) *Controller {
	if cfg.Hz <= 0 {
		cfg.Hz = DefaultHz
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		dial:    dial,
		strat:   strat,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		wake:    make(chan struct{}),
		warn:    rate.Sometimes{First: 5, Interval: time.Second},
		stateCh: make(chan State, 1),
		logCh:   make(chan string, 10),
	}
}

// States returns a channel that receives the latest snapshot.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives operator-facing log lines.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the target loop rate.
func (c *Controller) Hz() int {
	return c.cfg.Hz
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// Dropped returns how many bus commands failed and were skipped.
func (c *Controller) Dropped() uint64 {
	return c.dropped.Load()
}

// Interrupt asks the loop to stop. It is safe to call from any goroutine,
// including a signal handler, and more than once.
func (c *Controller) Interrupt() {
	c.interrupt.Store(true)
	c.wakeOnce.Do(func() { close(c.wake) })
}

// Pace returns how long to sleep after a tick that took spent, so that ticks
// start at most once per period.
func Pace(period, spent time.Duration) time.Duration {
	return lo.Max([]time.Duration{0, period - spent})
}

// Run connects, runs the loop until the strategy finishes, ctx is cancelled
// or Interrupt is called, and then always stops the hardware. It returns an
// error only when the session could not start.
func (c *Controller) Run(ctx context.Context) error {
	if c.ran.Swap(true) {
		return errors.New("controller already ran")
	}
	defer c.release()

	c.setPhase(Initializing)
	b, err := c.dial(ctx)
	if err != nil {
		c.setPhase(Stopped)
		return fmt.Errorf("connect: %w", err)
	}
	defer c.shutdown(b)

	c.initialize(ctx, b)

	c.setPhase(Running)
	c.log("Control loop started at %d Hz with actuators %v", c.cfg.Hz, b.IDs())

	period := time.Second / time.Duration(c.cfg.Hz)
	start := c.clock.Now()
	for tick := uint64(0); !c.stopRequested(ctx); tick++ {
		begin := c.clock.Now()
		c.step(ctx, b, tick, begin.Sub(start))
		err := c.sleep(ctx, Pace(period, c.clock.Since(begin)))
		if err != nil && !errors.Is(err, errInterrupted) {
			break
		}
	}
	return nil
}

func (c *Controller) initialize(ctx context.Context, b bus.Bus) {
	if c.cfg.PushConfig {
		if conf, ok := b.(bus.Configurer); ok {
			if err := conf.Configure(ctx, c.cfg.CurrentLimits); err != nil {
				c.log("Warning: config push failed: %v", err)
			} else {
				c.log("Config sent for actuators %v", b.IDs())
			}
		}
	}

	if lim, ok := c.strat.(strategy.PositionLimiter); ok {
		lim.SetPositionLimits(c.cfg.PositionMin, c.cfg.PositionMax)
	}

	if c.cfg.SyncInitialPositions {
		if syncer, ok := c.strat.(strategy.PositionSyncer); ok {
			syncer.SetInitialPosition(c.waitPositions(ctx, b))
		}
	}
}

// waitPositions polls until every actuator has reported a position or the
// sync timeout passes, and returns whatever was seen.
func (c *Controller) waitPositions(ctx context.Context, b bus.Bus) map[protocol.ActuatorID]int {
	deadline := c.clock.Now().Add(c.cfg.SyncTimeout)
	period := time.Second / time.Duration(c.cfg.Hz)
	for {
		if c.interrupt.Load() {
			return nil
		}
		st := b.PollStatus(ctx)
		missing := lo.Filter(b.IDs(), func(id protocol.ActuatorID, _ int) bool {
			_, ok := st.Positions[id]
			return !ok
		})
		if len(missing) == 0 {
			return st.Positions
		}
		if !c.clock.Now().Before(deadline) {
			c.log("Warning: no initial position for actuators %v", missing)
			return st.Positions
		}
		if err := c.sleep(ctx, period); err != nil {
			return st.Positions
		}
	}
}

func (c *Controller) stopRequested(ctx context.Context) bool {
	switch {
	case c.interrupt.Load():
		c.log("Interrupted")
		return true
	case ctx.Err() != nil:
		c.log("Cancelled: %v", ctx.Err())
		return true
	case !c.strat.ShouldContinue():
		c.log("Strategy finished")
		return true
	}
	return false
}

func (c *Controller) step(ctx context.Context, b bus.Bus, tick uint64, elapsed time.Duration) {
	status := b.PollStatus(ctx)
	cmd := c.strat.Update(elapsed, status)

	ids := lo.Keys(cmd.Targets)
	slices.Sort(ids)
	for _, id := range ids {
		c.check(b.SetActuator(ctx, id, cmd.Mode, cmd.Targets[id]), "actuator %d", id)
	}

	if cmd.Enable != strategy.EnableUnchanged {
		c.check(b.SetEnable(ctx, protocol.AllActuators, cmd.Enable == strategy.EnableOn), "torque %s", cmd.Enable)
	}

	if len(cmd.DC) > 0 && b.Channels() > 0 && !c.cfg.SkipDC {
		c.check(b.SetDC(ctx, cmd.DC...), "dc")
	}

	c.logger.Debugf("T:%.2f DC:%v DXL:%v", elapsed.Seconds(), status.DC, status.Positions)
	c.sendState(State{
		Phase:     Running,
		Tick:      tick,
		Elapsed:   elapsed,
		Status:    status,
		Command:   cmd,
		Timestamp: c.clock.Now(),
	})
}

// check logs a failed bus call. The command is dropped; the next tick
// supersedes it.
func (c *Controller) check(err error, format string, args ...any) {
	if err == nil {
		return
	}
	c.dropped.Inc()
	c.warn.Do(func() {
		c.log("Write error (%s): %v", fmt.Sprintf(format, args...), err)
	})
}

// sleep waits for d. It returns errInterrupted when Interrupt cut it short
// and the context error when ctx ended.
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if c.interrupt.Load() {
		return errInterrupted
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.wake:
		return errInterrupted
	case <-t.C:
		return nil
	}
}

// shutdown stops the hardware. It runs on every exit path after a successful
// dial, including panics inside the loop.
func (c *Controller) shutdown(b bus.Bus) {
	c.setPhase(ShuttingDown)

	ctx := context.Background()
	var err error
	err = multierr.Append(err, b.StopAll(ctx))
	err = multierr.Append(err, b.SetEnable(ctx, protocol.AllActuators, false))
	err = multierr.Append(err, b.Close())
	if err != nil {
		c.log("Warning: shutdown incomplete: %v", err)
	} else {
		c.log("Actuators stopped, torque disabled")
	}

	c.setPhase(Stopped)
	c.sendState(State{Phase: Stopped, Timestamp: c.clock.Now()})
}

// release frees a resource the strategy holds, such as a raw terminal.
func (c *Controller) release() {
	cl, ok := c.strat.(io.Closer)
	if !ok {
		return
	}
	if err := cl.Close(); err != nil {
		c.log("Warning: release strategy: %v", err)
	}
}

func (c *Controller) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.logger.Debugw("phase", "phase", p)
}

func (c *Controller) log(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	c.logger.Info(text)
	msg := fmt.Sprintf("[%s] %s", c.clock.Now().Format("15:04:05"), text)
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		// Replace the stale snapshot.
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}
