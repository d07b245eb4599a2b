package strategy

import (
	"math"
	"time"

	"github.com/gwillem/armlatable/pkg/protocol"
)

// Sweep defaults.
const (
	DefaultSweepPeriod = 10 * time.Second
	FullTurnTicks      = 4095 // one revolution in position ticks
	SweepVelocity      = 100
)

// Sweep is a deterministic test pattern. During the first half of each
// period the DC motor ramps from -255 to 255 while every actuator moves from 0
// to a full turn in position mode. During the second half the DC motor stops
// and the actuators spin at a fixed velocity.
type Sweep struct {
	ids      []protocol.ActuatorID
	period   time.Duration
	lastMode protocol.Mode
}

// NewSweep returns a sweep over the given actuators with the default period.
func NewSweep(opts Options) *Sweep {
	return &Sweep{
		ids:    protocol.SortedIDs(opts.IDs),
		period: DefaultSweepPeriod,
	}
}

// At computes the command for an elapsed time. It depends only on
// elapsed modulo the period.
func (s *Sweep) At(elapsed time.Duration) Command {
	phase := elapsed % s.period
	if phase < 0 {
		phase += s.period
	}
	half := s.period / 2

	var (
		pwm    int
		mode   protocol.Mode
		target int
	)
	if phase < half {
		f := float64(phase) / float64(half)
		pwm = int(math.Round(f*2*protocol.MaxPWM - protocol.MaxPWM))
		mode = protocol.ModePosition
		target = int(math.Round(f * FullTurnTicks))
	} else {
		pwm = 0
		mode = protocol.ModeVelocity
		target = SweepVelocity
	}

	targets := make(map[protocol.ActuatorID]int, len(s.ids))
	for _, id := range s.ids {
		targets[id] = target
	}
	return Command{
		DC:      []int{pwm},
		Mode:    mode,
		Targets: targets,
	}
}

// Update returns At(elapsed). On the first tick and whenever the mode flips
// it also asks for torque, since the bus leaves actuators disabled after a
// mode change.
func (s *Sweep) Update(elapsed time.Duration, _ protocol.Status) Command {
	cmd := s.At(elapsed)
	if cmd.Mode != s.lastMode {
		s.lastMode = cmd.Mode
		cmd.Enable = EnableOn
	}
	return cmd
}

// ShouldContinue is always true; the sweep runs until interrupted.
func (s *Sweep) ShouldContinue() bool { return true }
