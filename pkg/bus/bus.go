// Package bus maps abstract actuator commands onto a driver board and caches
// the telemetry it reports.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/gwillem/armlatable/pkg/protocol"
)

// ErrUnknownActuator is returned for ids that are not configured on the bus.
var ErrUnknownActuator = errors.New("unknown actuator")

// Bus is the actuator capability the control loop drives. Implementations
// own the per-actuator mode bookkeeping.
type Bus interface {
	// SetDC clamps each value to [-255, 255] and sends it to the DC channels.
	SetDC(ctx context.Context, values ...int) error
	// SetActuator sends a goal. A change of mode disables torque first and
	// leaves it disabled.
	SetActuator(ctx context.Context, id protocol.ActuatorID, mode protocol.Mode, target int) error
	// SetEnable switches torque for one actuator or protocol.AllActuators.
	SetEnable(ctx context.Context, id protocol.ActuatorID, enabled bool) error
	// PollStatus applies buffered telemetry without blocking and returns a snapshot.
	PollStatus(ctx context.Context) protocol.Status
	// StopAll zeroes every DC channel and sends the global stop.
	StopAll(ctx context.Context) error
	IDs() []protocol.ActuatorID
	Channels() int
	Close() error
}

// Configurer is implemented by buses that accept an initial configuration
// push after connecting.
type Configurer interface {
	Configure(ctx context.Context, currentLimits map[protocol.ActuatorID]int) error
}

// Variant names a hardware family.
type Variant string

// Supported hardware variants.
const (
	VariantPico    Variant = "pico"    // single DC channel, ASCII protocol
	VariantR4      Variant = "r4"      // dual DC channel dongle, ASCII protocol
	VariantFeetech Variant = "feetech" // Feetech STS servos on a direct bus, no DC
)

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case VariantPico, VariantR4, VariantFeetech:
		return v, nil
	}
	return "", fmt.Errorf("unknown hardware variant %q", s)
}

// DCChannels is the number of DC motor channels the variant drives.
func (v Variant) DCChannels() int {
	switch v {
	case VariantPico:
		return 1
	case VariantR4:
		return 2
	}
	return 0
}

// Default baud rates of the two link kinds.
const (
	TextBaudRate    = 115200
	FeetechBaudRate = 1_000_000
)

// DefaultBaudRate is the baud rate the variant's firmware or servos use out
// of the box.
func (v Variant) DefaultBaudRate() int {
	if v == VariantFeetech {
		return FeetechBaudRate
	}
	return TextBaudRate
}

type torqueState int

const (
	torqueUnknown torqueState = iota
	torqueOn
	torqueOff
)

func indexIDs(ids []protocol.ActuatorID) map[protocol.ActuatorID]struct{} {
	known := make(map[protocol.ActuatorID]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	return known
}
