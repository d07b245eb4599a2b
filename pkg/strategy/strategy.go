// Package strategy contains the policies that decide actuator targets each
// control tick.
package strategy

import (
	"fmt"
	"time"

	"github.com/gwillem/armlatable/pkg/protocol"
)

// Enable is a tri-state torque request.
type Enable int

// Torque requests.
const (
	EnableUnchanged Enable = iota
	EnableOn
	EnableOff
)

func (e Enable) String() string {
	switch e {
	case EnableOn:
		return "on"
	case EnableOff:
		return "off"
	}
	return "-"
}

// Command is what a strategy wants applied this tick.
type Command struct {
	DC      []int
	Mode    protocol.Mode
	Targets map[protocol.ActuatorID]int
	Enable  Enable
}

// Strategy produces one Command per tick.
type Strategy interface {
	Update(elapsed time.Duration, status protocol.Status) Command
	ShouldContinue() bool
}

// PositionSyncer is implemented by strategies that start from the actuators'
// current positions.
type PositionSyncer interface {
	SetInitialPosition(positions map[protocol.ActuatorID]int)
}

// PositionLimiter is implemented by strategies that accept position bounds.
type PositionLimiter interface {
	SetPositionLimits(min, max int)
}

// Options holds what every strategy needs to know about the hardware.
type Options struct {
	IDs []protocol.ActuatorID
}

// Names lists the strategies New understands.
var Names = []string{"sweep", "keyboard"}

// New builds a strategy by name. The keyboard strategy reads from in.
func New(name string, opts Options, in Input, kopts ...KeyboardOption) (Strategy, error) {
	switch name {
	case "sweep", "test":
		return NewSweep(opts), nil
	case "keyboard":
		if in == nil {
			return nil, fmt.Errorf("keyboard strategy needs an input source")
		}
		return NewKeyboard(opts, in, kopts...), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

func copyTargets(m map[protocol.ActuatorID]int) map[protocol.ActuatorID]int {
	out := make(map[protocol.ActuatorID]int, len(m))
	for id, v := range m {
		out[id] = v
	}
	return out
}
