// Package protocol implements the line-oriented ASCII protocol spoken by the
// motor driver boards.
package protocol

import (
	"fmt"
	"slices"
	"strconv"
)

// ActuatorID identifies a servo-style actuator on the bus.
type ActuatorID int

// AllActuators selects every configured actuator. It is never sent on the wire.
const AllActuators ActuatorID = 0

// ParseActuatorID parses a positive actuator id.
func ParseActuatorID(s string) (ActuatorID, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse actuator id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("actuator id %d must be positive", n)
	}
	return ActuatorID(n), nil
}

// SortedIDs returns the ids in ascending order.
func SortedIDs(ids []ActuatorID) []ActuatorID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

// Mode is an actuator operating mode. The value is the protocol integer.
type Mode int

// Operating modes.
const (
	ModeVelocity         Mode = 1
	ModePosition         Mode = 3
	ModeExtendedPosition Mode = 4
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeVelocity, ModePosition, ModeExtendedPosition:
		return true
	}
	return false
}

// IsPosition is true for both position modes.
func (m Mode) IsPosition() bool {
	return m == ModePosition || m == ModeExtendedPosition
}

func (m Mode) String() string {
	switch m {
	case ModeVelocity:
		return "Vel"
	case ModePosition:
		return "Pos"
	case ModeExtendedPosition:
		return "ExtPos"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts the names used in config files.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "velocity", "vel":
		return ModeVelocity, nil
	case "position", "pos":
		return ModePosition, nil
	case "extended_position", "extended", "ext":
		return ModeExtendedPosition, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Status is the telemetry cached from the driver board.
type Status struct {
	DC        []int
	Positions map[ActuatorID]int
}

// Clone returns a deep copy of s.
func (s Status) Clone() Status {
	out := Status{
		DC:        slices.Clone(s.DC),
		Positions: make(map[ActuatorID]int, len(s.Positions)),
	}
	for id, pos := range s.Positions {
		out.Positions[id] = pos
	}
	return out
}

// Apply merges an update into s. DC echoes replace the cached values and
// positions are updated per actuator.
func (s *Status) Apply(u Status) {
	if len(u.DC) > 0 {
		s.DC = slices.Clone(u.DC)
	}
	if s.Positions == nil {
		s.Positions = make(map[ActuatorID]int, len(u.Positions))
	}
	for id, pos := range u.Positions {
		s.Positions[id] = pos
	}
}
