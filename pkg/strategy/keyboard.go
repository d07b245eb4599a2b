package strategy

import (
	"fmt"
	"io"
	"time"

	"github.com/samber/lo"

	"github.com/gwillem/armlatable/pkg/protocol"
)

// Keyboard step sizes.
const (
	DCStep       = 50
	PositionStep = 500
	VelocityStep = 20
)

// KeyHelp is the key map shown to the operator.
const KeyHelp = "[w/s] DC +/-50  [x] DC stop  [a/d] target +/-  [m] mode  " +
	"[0-9] select  [e/r] torque on/off  [space] stop  [q] quit"

// Keyboard accumulates per-actuator targets from single key presses.
// Selection, targets and mode persist across ticks until a key changes them.
type Keyboard struct {
	ids []protocol.ActuatorID
	in  Input

	selected protocol.ActuatorID
	dc       int
	mode     protocol.Mode
	posMode  protocol.Mode
	pos      map[protocol.ActuatorID]int
	vel      map[protocol.ActuatorID]int

	running      bool
	started      bool
	torqueWanted bool
	pending      Enable

	min, max      int
	enforceLimits bool

	notify func(string)
}

// KeyboardOption configures a Keyboard.
type KeyboardOption func(*Keyboard)

// WithNotify sets a callback for operator-facing messages such as mode changes.
func WithNotify(fn func(string)) KeyboardOption {
	return func(k *Keyboard) { k.notify = fn }
}

// WithLimitsEnforced clamps position targets to the limits passed to
// SetPositionLimits. Without it the limits are only stored.
func WithLimitsEnforced(enforce bool) KeyboardOption {
	return func(k *Keyboard) { k.enforceLimits = enforce }
}

// WithStartMode sets the position-family mode the keyboard starts in and
// returns to when toggling out of velocity mode.
func WithStartMode(m protocol.Mode) KeyboardOption {
	return func(k *Keyboard) {
		if m.IsPosition() {
			k.mode = m
			k.posMode = m
		}
	}
}

// NewKeyboard returns a keyboard strategy reading keys from in. It starts in
// extended position mode with every actuator selected.
func NewKeyboard(opts Options, in Input, kopts ...KeyboardOption) *Keyboard {
	k := &Keyboard{
		ids:          protocol.SortedIDs(opts.IDs),
		in:           in,
		selected:     protocol.AllActuators,
		mode:         protocol.ModeExtendedPosition,
		posMode:      protocol.ModeExtendedPosition,
		pos:          make(map[protocol.ActuatorID]int, len(opts.IDs)),
		vel:          make(map[protocol.ActuatorID]int, len(opts.IDs)),
		running:      true,
		torqueWanted: true,
		min:          -20000,
		max:          20000,
	}
	for _, id := range k.ids {
		k.pos[id] = 0
		k.vel[id] = 0
	}
	for _, o := range kopts {
		o(k)
	}
	return k
}

// SetInitialPosition seeds the position accumulators from the actuators'
// reported positions. Unknown ids are ignored.
func (k *Keyboard) SetInitialPosition(positions map[protocol.ActuatorID]int) {
	for id, p := range positions {
		if _, ok := k.pos[id]; ok {
			k.pos[id] = p
		}
	}
}

// SetPositionLimits stores the position bounds.
func (k *Keyboard) SetPositionLimits(min, max int) {
	if min > max {
		min, max = max, min
	}
	k.min, k.max = min, max
}

// Update handles at most one pending key and returns the current command.
func (k *Keyboard) Update(_ time.Duration, _ protocol.Status) Command {
	if key, ok := k.in.Poll(); ok {
		k.handle(key)
	}

	enable := k.pending
	k.pending = EnableUnchanged
	if !k.started {
		k.started = true
		if enable == EnableUnchanged && k.torqueWanted {
			enable = EnableOn
		}
	}

	targets := k.pos
	if k.mode == protocol.ModeVelocity {
		targets = k.vel
	}
	return Command{
		DC:      []int{k.dc},
		Mode:    k.mode,
		Targets: copyTargets(targets),
		Enable:  enable,
	}
}

// ShouldContinue reports false once the operator pressed q.
func (k *Keyboard) ShouldContinue() bool { return k.running }

// Mode returns the active mode.
func (k *Keyboard) Mode() protocol.Mode { return k.mode }

// Selected returns the selected actuator, or AllActuators.
func (k *Keyboard) Selected() protocol.ActuatorID { return k.selected }

// Close releases the input source if it holds one.
func (k *Keyboard) Close() error {
	if c, ok := k.in.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (k *Keyboard) handle(key rune) {
	switch {
	case key == 'q':
		k.running = false
	case key == '0':
		k.selected = protocol.AllActuators
		k.say("selected all actuators")
	case key >= '1' && key <= '9':
		id := protocol.ActuatorID(key - '0')
		if _, ok := k.pos[id]; !ok {
			k.say(fmt.Sprintf("no actuator %d", id))
			return
		}
		k.selected = id
		k.say(fmt.Sprintf("selected actuator %d", id))
	case key == 'w':
		k.dc = protocol.ClampPWM(k.dc + DCStep)
	case key == 's':
		k.dc = protocol.ClampPWM(k.dc - DCStep)
	case key == 'x':
		k.dc = 0
	case key == 'a':
		k.step(1)
	case key == 'd':
		k.step(-1)
	case key == 'm':
		k.toggleMode()
	case key == 'e':
		k.torqueWanted = true
		k.pending = EnableOn
		k.say("torque on")
	case key == 'r':
		k.torqueWanted = false
		k.pending = EnableOff
		k.say("torque off")
	case key == ' ':
		k.dc = 0
		for id := range k.vel {
			k.vel[id] = 0
		}
		k.say("stop")
	}
}

func (k *Keyboard) step(sign int) {
	for _, id := range k.selection() {
		if k.mode == protocol.ModeVelocity {
			k.vel[id] += sign * VelocityStep
			continue
		}
		p := k.pos[id] + sign*PositionStep
		if k.enforceLimits {
			p = lo.Clamp(p, k.min, k.max)
		}
		k.pos[id] = p
	}
}

func (k *Keyboard) toggleMode() {
	if k.mode == protocol.ModeVelocity {
		k.mode = k.posMode
	} else {
		k.mode = protocol.ModeVelocity
		for id := range k.vel {
			k.vel[id] = 0
		}
	}
	if k.torqueWanted {
		k.pending = EnableOn
	}
	k.say("mode: " + k.mode.String())
}

func (k *Keyboard) selection() []protocol.ActuatorID {
	if k.selected == protocol.AllActuators {
		return k.ids
	}
	return []protocol.ActuatorID{k.selected}
}

func (k *Keyboard) say(msg string) {
	if k.notify != nil {
		k.notify(msg)
	}
}
