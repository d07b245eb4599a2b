package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gwillem/armlatable/pkg/link"
	"github.com/gwillem/armlatable/pkg/protocol"
)

// servoDriver is the register-level access the Feetech bus needs.
type servoDriver interface {
	Positions(ctx context.Context) (map[protocol.ActuatorID]int, error)
	SetPosition(ctx context.Context, id protocol.ActuatorID, pos int) error
	SetVelocity(ctx context.Context, id protocol.ActuatorID, vel int) error
	SetMode(ctx context.Context, id protocol.ActuatorID, mode protocol.Mode) error
	SetTorque(ctx context.Context, id protocol.ActuatorID, on bool) error
	Close() error
}

// FeetechConfig holds settings for a direct Feetech servo bus.
type FeetechConfig struct {
	Port      string
	BaudRate  int
	Timeout   time.Duration // per-transaction timeout
	PollEvery time.Duration // position read interval of the background poller
}

// Feetech drives STS servos directly. It has no DC channels. Positions are
// read by a background poller so PollStatus never waits on the bus.
type Feetech struct {
	drv     servoDriver
	ids     []protocol.ActuatorID
	known   map[protocol.ActuatorID]struct{}
	logger  *zap.SugaredLogger
	timeout time.Duration

	ioMu sync.Mutex // one transaction on the wire at a time

	mu       sync.Mutex
	lastMode map[protocol.ActuatorID]protocol.Mode
	torque   map[protocol.ActuatorID]torqueState
	status   protocol.Status
	readWarn rate.Sometimes

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// OpenFeetech opens the servo bus and starts the position poller.
func OpenFeetech(cfg FeetechConfig, ids []protocol.ActuatorID, logger *zap.SugaredLogger) (*Feetech, error) {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = FeetechBaudRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	b, err := feetech.NewBus(feetech.BusConfig{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open bus %s: %v", link.ErrConnectionFailed, cfg.Port, err)
	}
	logger.Infow("feetech bus open", "port", cfg.Port, "baud", cfg.BaudRate, "ids", ids)
	return newFeetech(newFeetechDriver(b, ids), ids, cfg, logger), nil
}

// ScanFeetech returns the ids of the servos that answer on port, probing
// ids 1 through maxID.
func ScanFeetech(ctx context.Context, port string, baudRate, maxID int) ([]protocol.ActuatorID, error) {
	if baudRate <= 0 {
		baudRate = FeetechBaudRate
	}
	b, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: baudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open bus %s: %v", link.ErrConnectionFailed, port, err)
	}
	defer b.Close()

	found, err := b.Scan(ctx, 1, maxID)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", port, err)
	}
	ids := lo.Map(found, func(s feetech.FoundServo, _ int) protocol.ActuatorID {
		return protocol.ActuatorID(s.ID)
	})
	return protocol.SortedIDs(ids), nil
}

func newFeetech(drv servoDriver, ids []protocol.ActuatorID, cfg FeetechConfig, logger *zap.SugaredLogger) *Feetech {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 20 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	ids = protocol.SortedIDs(ids)
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feetech{
		drv:      drv,
		ids:      ids,
		known:    indexIDs(ids),
		logger:   logger,
		timeout:  cfg.Timeout,
		lastMode: make(map[protocol.ActuatorID]protocol.Mode, len(ids)),
		torque:   make(map[protocol.ActuatorID]torqueState, len(ids)),
		status:   protocol.Status{Positions: make(map[protocol.ActuatorID]int, len(ids))},
		readWarn: rate.Sometimes{First: 3, Interval: 5 * time.Second},
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go f.poll(ctx, cfg.PollEvery)
	return f
}

func (f *Feetech) poll(ctx context.Context, every time.Duration) {
	defer close(f.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var positions map[protocol.ActuatorID]int
		err := f.do(ctx, func(ctx context.Context) error {
			var err error
			positions, err = f.drv.Positions(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				f.readWarn.Do(func() { f.logger.Warnw("read positions", "error", err) })
			}
			continue
		}
		f.mu.Lock()
		f.status.Apply(protocol.Status{Positions: positions})
		f.mu.Unlock()
	}
}

// do runs one bus transaction under the wire lock with a timeout.
func (f *Feetech) do(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	f.ioMu.Lock()
	defer f.ioMu.Unlock()
	return fn(ctx)
}

// IDs returns the configured servos in ascending order.
func (f *Feetech) IDs() []protocol.ActuatorID { return f.ids }

// Channels is always zero: the servo bus has no DC motors.
func (f *Feetech) Channels() int { return 0 }

// SetDC is a no-op on a servo-only bus.
func (f *Feetech) SetDC(context.Context, ...int) error { return nil }

// SetActuator writes a goal, reconfiguring the servo first when its mode
// changes. Torque stays off after a mode change.
func (f *Feetech) SetActuator(ctx context.Context, id protocol.ActuatorID, mode protocol.Mode, target int) error {
	if _, ok := f.known[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownActuator, id)
	}
	if !mode.Valid() {
		return fmt.Errorf("actuator %d: invalid mode %d", id, int(mode))
	}

	f.mu.Lock()
	last, seen := f.lastMode[id]
	torque := f.torque[id]
	f.mu.Unlock()

	if !seen || last != mode {
		if torque != torqueOff {
			if err := f.do(ctx, func(ctx context.Context) error { return f.drv.SetTorque(ctx, id, false) }); err != nil {
				return fmt.Errorf("disable %d: %w", id, err)
			}
			f.setTorque(id, torqueOff)
		}
		if err := f.do(ctx, func(ctx context.Context) error { return f.drv.SetMode(ctx, id, mode) }); err != nil {
			return fmt.Errorf("set mode %d: %w", id, err)
		}
		f.mu.Lock()
		f.lastMode[id] = mode
		f.mu.Unlock()
		f.logger.Debugw("mode set", "id", id, "mode", mode)
	}

	return f.do(ctx, func(ctx context.Context) error {
		if mode == protocol.ModeVelocity {
			return f.drv.SetVelocity(ctx, id, target)
		}
		return f.drv.SetPosition(ctx, id, target)
	})
}

// SetEnable switches torque on each affected servo.
func (f *Feetech) SetEnable(ctx context.Context, id protocol.ActuatorID, enabled bool) error {
	targets := []protocol.ActuatorID{id}
	if id == protocol.AllActuators {
		targets = f.ids
	} else if _, ok := f.known[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownActuator, id)
	}

	state := torqueOff
	if enabled {
		state = torqueOn
	}
	var errs error
	for _, tid := range targets {
		err := f.do(ctx, func(ctx context.Context) error { return f.drv.SetTorque(ctx, tid, enabled) })
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("torque %d: %w", tid, err))
			continue
		}
		f.setTorque(tid, state)
	}
	return errs
}

func (f *Feetech) setTorque(id protocol.ActuatorID, state torqueState) {
	f.mu.Lock()
	f.torque[id] = state
	f.mu.Unlock()
}

// PollStatus returns the positions gathered by the poller.
func (f *Feetech) PollStatus(context.Context) protocol.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status.Clone()
}

// StopAll halts every servo running in velocity mode.
func (f *Feetech) StopAll(ctx context.Context) error {
	f.mu.Lock()
	var spinning []protocol.ActuatorID
	for _, id := range f.ids {
		if f.lastMode[id] == protocol.ModeVelocity {
			spinning = append(spinning, id)
		}
	}
	f.mu.Unlock()

	var errs error
	for _, id := range spinning {
		errs = multierr.Append(errs, f.do(ctx, func(ctx context.Context) error { return f.drv.SetVelocity(ctx, id, 0) }))
	}
	return errs
}

// Close stops the poller and closes the bus. Only the first call has any effect.
func (f *Feetech) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		<-f.done
		f.ioMu.Lock()
		err = f.drv.Close()
		f.ioMu.Unlock()
	})
	return err
}

// feetechDriver adapts the feetech library to servoDriver.
type feetechDriver struct {
	bus    *feetech.Bus
	group  *feetech.ServoGroup
	servos map[protocol.ActuatorID]*feetech.Servo
}

func newFeetechDriver(b *feetech.Bus, ids []protocol.ActuatorID) *feetechDriver {
	raw := make([]int, len(ids))
	servos := make(map[protocol.ActuatorID]*feetech.Servo, len(ids))
	for i, id := range ids {
		raw[i] = int(id)
		servos[id] = feetech.NewServo(b, int(id), nil)
	}
	return &feetechDriver{
		bus:    b,
		group:  feetech.NewServoGroupByIDs(b, raw...),
		servos: servos,
	}
}

func (d *feetechDriver) Positions(ctx context.Context) (map[protocol.ActuatorID]int, error) {
	raw, err := d.group.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}
	out := make(map[protocol.ActuatorID]int, len(raw))
	for id, pos := range raw {
		out[protocol.ActuatorID(id)] = pos
	}
	return out, nil
}

func (d *feetechDriver) SetPosition(ctx context.Context, id protocol.ActuatorID, pos int) error {
	return d.group.SetPositions(ctx, feetech.PositionMap{int(id): pos})
}

func (d *feetechDriver) SetVelocity(ctx context.Context, id protocol.ActuatorID, vel int) error {
	return d.servos[id].SetVelocity(ctx, vel)
}

// SetMode maps both position modes onto the servo's position mode; STS
// servos have no multi-turn setting.
func (d *feetechDriver) SetMode(ctx context.Context, id protocol.ActuatorID, mode protocol.Mode) error {
	m := feetech.ModePosition
	if mode == protocol.ModeVelocity {
		m = feetech.ModeVelocity
	}
	return d.servos[id].SetOperatingMode(ctx, m)
}

func (d *feetechDriver) SetTorque(ctx context.Context, id protocol.ActuatorID, on bool) error {
	if on {
		return d.servos[id].Enable(ctx)
	}
	return d.servos[id].Disable(ctx)
}

func (d *feetechDriver) Close() error {
	return d.bus.Close()
}
