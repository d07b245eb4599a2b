package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gwillem/armlatable/pkg/protocol"
)

// Link is the framed byte channel a Serial bus talks through.
type Link interface {
	WriteFrame(frame []byte) error
	TryReadLine() (string, bool)
	Buffered() int
	Close() error
}

// Serial drives a Pico or R4 board over the ASCII line protocol.
type Serial struct {
	link   Link
	codec  protocol.Codec
	ids    []protocol.ActuatorID
	known  map[protocol.ActuatorID]struct{}
	logger *zap.SugaredLogger

	mu        sync.Mutex
	lastMode  map[protocol.ActuatorID]protocol.Mode
	torque    map[protocol.ActuatorID]torqueState
	status    protocol.Status
	malformed int
	warn      rate.Sometimes
}

// NewSerial creates a bus on an open link for a board with the given number
// of DC channels.
func NewSerial(l Link, channels int, ids []protocol.ActuatorID, logger *zap.SugaredLogger) *Serial {
	ids = protocol.SortedIDs(ids)
	return &Serial{
		link:     l,
		codec:    protocol.Codec{Channels: channels},
		ids:      ids,
		known:    indexIDs(ids),
		logger:   logger,
		lastMode: make(map[protocol.ActuatorID]protocol.Mode, len(ids)),
		torque:   make(map[protocol.ActuatorID]torqueState, len(ids)),
		status: protocol.Status{
			DC:        make([]int, channels),
			Positions: make(map[protocol.ActuatorID]int, len(ids)),
		},
		warn: rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
}

// IDs returns the configured actuators in ascending order.
func (s *Serial) IDs() []protocol.ActuatorID { return s.ids }

// Channels returns the DC channel count.
func (s *Serial) Channels() int { return s.codec.Channels }

// SetDC sends clamped PWM values and records them as the echo until the next
// status line arrives.
func (s *Serial) SetDC(_ context.Context, values ...int) error {
	f := s.codec.DC(values...)
	if f == nil {
		return nil
	}
	if err := s.link.WriteFrame(f); err != nil {
		return err
	}
	s.mu.Lock()
	s.status.DC = s.codec.NormalizeDC(values...)
	s.mu.Unlock()
	return nil
}

// SetActuator sends a goal for id. When the mode differs from the last mode
// sent to that actuator, torque is switched off first. The board has no
// per-actuator enable, so the disable frame applies to every actuator.
func (s *Serial) SetActuator(_ context.Context, id protocol.ActuatorID, mode protocol.Mode, target int) error {
	if _, ok := s.known[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownActuator, id)
	}
	if !mode.Valid() {
		return fmt.Errorf("actuator %d: invalid mode %d", id, int(mode))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastMode[id]; ok && last == mode {
		return s.link.WriteFrame(s.codec.Goal(id, mode, target))
	}

	if s.torque[id] != torqueOff {
		if err := s.link.WriteFrame(s.codec.Enable(false)); err != nil {
			return err
		}
		s.markTorque(protocol.AllActuators, torqueOff)
	}
	if err := s.link.WriteFrame(s.codec.Goal(id, mode, target)); err != nil {
		return err
	}
	s.lastMode[id] = mode
	s.logger.Debugw("mode set", "id", id, "mode", mode)
	return nil
}

// SetEnable sends the bulk enable frame. id only has to be known; the
// board applies the frame to every actuator.
func (s *Serial) SetEnable(_ context.Context, id protocol.ActuatorID, enabled bool) error {
	if _, ok := s.known[id]; !ok && id != protocol.AllActuators {
		return fmt.Errorf("%w: %d", ErrUnknownActuator, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.link.WriteFrame(s.codec.Enable(enabled)); err != nil {
		return err
	}
	state := torqueOff
	if enabled {
		state = torqueOn
	}
	s.markTorque(protocol.AllActuators, state)
	return nil
}

func (s *Serial) markTorque(id protocol.ActuatorID, state torqueState) {
	if id != protocol.AllActuators {
		s.torque[id] = state
		return
	}
	for _, id := range s.ids {
		s.torque[id] = state
	}
}

// PollStatus applies the lines buffered at call time. Malformed lines are
// logged and dropped.
func (s *Serial) PollStatus(_ context.Context) protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	for n := s.link.Buffered(); n > 0; n-- {
		line, ok := s.link.TryReadLine()
		if !ok {
			break
		}
		st, err := s.codec.ParseStatus(line)
		if err != nil {
			s.malformed++
			s.warn.Do(func() {
				s.logger.Warnw("dropping status line", "error", err, "dropped", s.malformed)
			})
			continue
		}
		s.status.Apply(st)
	}
	return s.status.Clone()
}

// Malformed returns how many status lines have been dropped.
func (s *Serial) Malformed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.malformed
}

// StopAll zeroes the DC channels and sends the global stop frame.
func (s *Serial) StopAll(ctx context.Context) error {
	err := s.SetDC(ctx, make([]int, s.codec.Channels)...)
	return multierr.Append(err, s.link.WriteFrame(s.codec.Stop()))
}

// Configure pushes the actuator list and any current limits to the board.
func (s *Serial) Configure(_ context.Context, currentLimits map[protocol.ActuatorID]int) error {
	err := s.link.WriteFrame(s.codec.Config(s.ids))
	for _, id := range s.ids {
		if ma := currentLimits[id]; ma > 0 {
			err = multierr.Append(err, s.link.WriteFrame(s.codec.CurrentLimit(id, ma)))
		}
	}
	return err
}

// Close closes the underlying link.
func (s *Serial) Close() error {
	return s.link.Close()
}
