package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// MaxPWM is the largest DC motor PWM magnitude.
const MaxPWM = 255

// ErrMalformedStatus is returned for status lines that cannot be decoded.
var ErrMalformedStatus = errors.New("malformed status line")

// ClampPWM limits v to [-MaxPWM, MaxPWM].
func ClampPWM(v int) int {
	return lo.Clamp(v, -MaxPWM, MaxPWM)
}

// Codec encodes command frames and decodes status lines for a board with the
// given number of DC channels.
type Codec struct {
	Channels int
}

// DC encodes a motor PWM frame. Values are clamped and the slice is padded
// with zeros or truncated to the channel count.
func (c Codec) DC(values ...int) []byte {
	pwm := c.NormalizeDC(values...)
	switch c.Channels {
	case 0:
		return nil
	case 1:
		return frame("M:%d", pwm[0])
	}
	parts := make([]string, len(pwm))
	for i, v := range pwm {
		parts[i] = strconv.Itoa(v)
	}
	return frame("DC:%s", strings.Join(parts, ","))
}

// NormalizeDC clamps values and fits them to the channel count.
func (c Codec) NormalizeDC(values ...int) []int {
	out := make([]int, c.Channels)
	for i := range out {
		if i < len(values) {
			out[i] = ClampPWM(values[i])
		}
	}
	return out
}

// Goal encodes a servo goal. The frame always carries the mode.
func (c Codec) Goal(id ActuatorID, mode Mode, target int) []byte {
	return frame("D:%d,%d,%d", int(id), int(mode), target)
}

// Enable encodes the bulk torque/standby frame.
func (c Codec) Enable(enabled bool) []byte {
	if enabled {
		return frame("E:1")
	}
	return frame("E:0")
}

// Stop encodes the global stop frame.
func (c Codec) Stop() []byte {
	if c.Channels == 1 {
		return frame("S")
	}
	return frame("STOP")
}

// Config encodes the actuator list pushed to the board after connecting.
func (c Codec) Config(ids []ActuatorID) []byte {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return frame("C:%s", strings.Join(parts, ","))
}

// CurrentLimit encodes a per-actuator current limit in mA.
func (c Codec) CurrentLimit(id ActuatorID, milliamps int) []byte {
	return frame("L:%d,%d", int(id), milliamps)
}

func frame(format string, args ...any) []byte {
	return []byte(fmt.Sprintf(format, args...) + "\n")
}

// ParseStatus decodes a line of the form
//
//	S:<dc_echo...>[,<id>:<position>]*
//
// where the number of dc_echo fields equals the channel count. The line is
// rejected as a whole if any field is invalid.
func (c Codec) ParseStatus(line string) (Status, error) {
	line = strings.TrimSpace(line)
	body, ok := strings.CutPrefix(line, "S:")
	if !ok {
		return Status{}, fmt.Errorf("%w: missing S: prefix: %q", ErrMalformedStatus, line)
	}

	var fields []string
	if body != "" {
		fields = strings.Split(body, ",")
	}
	if len(fields) < c.Channels {
		return Status{}, fmt.Errorf("%w: want %d dc fields, got %d: %q", ErrMalformedStatus, c.Channels, len(fields), line)
	}

	st := Status{
		DC:        make([]int, c.Channels),
		Positions: make(map[ActuatorID]int),
	}
	for i := 0; i < c.Channels; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(fields[i]))
		if err != nil {
			return Status{}, fmt.Errorf("%w: dc field %d: %q", ErrMalformedStatus, i, line)
		}
		st.DC[i] = v
	}

	for _, pair := range fields[c.Channels:] {
		idStr, posStr, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return Status{}, fmt.Errorf("%w: bad position pair %q", ErrMalformedStatus, pair)
		}
		id, err := strconv.Atoi(idStr)
		if err != nil || id <= 0 {
			return Status{}, fmt.Errorf("%w: bad actuator id in %q", ErrMalformedStatus, pair)
		}
		pos, err := strconv.Atoi(posStr)
		if err != nil {
			return Status{}, fmt.Errorf("%w: bad position in %q", ErrMalformedStatus, pair)
		}
		st.Positions[ActuatorID(id)] = pos
	}

	return st, nil
}
