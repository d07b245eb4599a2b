// Package config loads and validates armlatable.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/gwillem/armlatable/pkg/bus"
	"github.com/gwillem/armlatable/pkg/protocol"
)

// DefaultFile is the configuration file the CLI reads and setup writes.
const DefaultFile = "armlatable.yaml"

// MaxActuatorID is the highest id the servo buses address.
const MaxActuatorID = 253

// Config is the whole configuration document.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Actuators ActuatorsConfig `yaml:"actuators"`
	DCMotor   DCMotorConfig   `yaml:"dc_motor"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SerialConfig describes the link to the driver board.
type SerialConfig struct {
	Port        string   `yaml:"port" env:"ARMLATABLE_PORT"`
	BaudRate    int      `yaml:"baud_rate" env:"ARMLATABLE_BAUD_RATE"`
	Variant     string   `yaml:"variant" env:"ARMLATABLE_VARIANT"`
	SettleDelay Duration `yaml:"settle_delay" env:"ARMLATABLE_SETTLE_DELAY"`
}

// ActuatorsConfig lists the servos and their current limits.
type ActuatorsConfig struct {
	IDs            []protocol.ActuatorID       `yaml:"ids"`
	CurrentLimitMA int                         `yaml:"current_limit_ma"`
	CurrentLimits  map[protocol.ActuatorID]int `yaml:"current_limits,omitempty"`
}

// DCMotorConfig holds the number of DC channels in use. A nil Count means
// every channel the variant has.
type DCMotorConfig struct {
	Count *int `yaml:"count"`
}

// ControlConfig holds loop parameters.
type ControlConfig struct {
	Strategy              string `yaml:"strategy" env:"ARMLATABLE_STRATEGY"`
	LoopRateHz            int    `yaml:"loop_rate_hz" env:"ARMLATABLE_LOOP_RATE_HZ"`
	PositionMin           int    `yaml:"position_min"`
	PositionMax           int    `yaml:"position_max"`
	EnforcePositionLimits bool   `yaml:"enforce_position_limits" env:"ARMLATABLE_ENFORCE_LIMITS"`
	SyncInitialPosition   bool   `yaml:"sync_initial_position"`
	PushConfig            bool   `yaml:"push_config"`
	KeyboardStartMode     string `yaml:"keyboard_start_mode" env:"ARMLATABLE_KEYBOARD_START_MODE"`
}

// LoggingConfig selects the log level and an optional rotating log file.
type LoggingConfig struct {
	Level string `yaml:"level" env:"ARMLATABLE_LOG_LEVEL"`
	File  string `yaml:"file,omitempty" env:"ARMLATABLE_LOG_FILE"`
}

// Error reports a missing or invalid field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Default returns a configuration for a dual-channel board with one actuator.
// The serial port is left empty and must be filled in.
func Default() *Config {
	cfg := base()
	cfg.applyVariantDefaults()
	return cfg
}

// base holds the defaults that do not depend on the hardware variant.
func base() *Config {
	return &Config{
		Serial: SerialConfig{
			Variant:     string(bus.VariantR4),
			SettleDelay: Duration(2 * time.Second),
		},
		Actuators: ActuatorsConfig{
			IDs:            []protocol.ActuatorID{1},
			CurrentLimitMA: 500,
		},
		Control: ControlConfig{
			Strategy:            "sweep",
			LoopRateHz:          50,
			PositionMin:         -20000,
			PositionMax:         20000,
			SyncInitialPosition: true,
			PushConfig:          true,
			KeyboardStartMode:   "extended_position",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// applyVariantDefaults fills the baud rate and DC channel count the file left
// unset from the variant. An unknown variant is left for Validate to report.
func (c *Config) applyVariantDefaults() {
	v, err := bus.ParseVariant(c.Serial.Variant)
	if err != nil {
		return
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = v.DefaultBaudRate()
	}
	if c.DCMotor.Count == nil {
		c.DCMotor.Count = lo.ToPtr(v.DCChannels())
	}
}

// Load reads path over the defaults, applies ARMLATABLE_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := base()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, invalid("file", "%s not found, run `armlatable setup` first", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, invalid("file", "parse %s: %v", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, invalid("env", "%v", err)
	}
	cfg.applyVariantDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validate checks every field. The returned error combines one *Error per
// problem.
func (c *Config) Validate() error {
	var errs error
	add := func(err error) { errs = multierr.Append(errs, err) }

	if c.Serial.Port == "" {
		add(invalid("serial.port", "required"))
	}
	if c.Serial.BaudRate <= 0 {
		add(invalid("serial.baud_rate", "must be positive, got %d", c.Serial.BaudRate))
	}
	variant, err := bus.ParseVariant(c.Serial.Variant)
	if err != nil {
		add(invalid("serial.variant", "%v", err))
	}
	if c.Serial.SettleDelay < 0 {
		add(invalid("serial.settle_delay", "must not be negative"))
	}

	ids := c.Actuators.IDs
	if len(ids) == 0 {
		add(invalid("actuators.ids", "required"))
	}
	for _, id := range ids {
		if id < 1 || id > MaxActuatorID {
			add(invalid("actuators.ids", "id %d outside 1..%d", id, MaxActuatorID))
		}
	}
	if dups := lo.FindDuplicates(ids); len(dups) > 0 {
		add(invalid("actuators.ids", "duplicate ids %v", dups))
	}
	if c.Actuators.CurrentLimitMA < 0 {
		add(invalid("actuators.current_limit_ma", "must not be negative"))
	}
	for id, ma := range c.Actuators.CurrentLimits {
		if !lo.Contains(ids, id) {
			add(invalid("actuators.current_limits", "id %d is not configured", id))
		}
		if ma < 0 {
			add(invalid("actuators.current_limits", "id %d: must not be negative", id))
		}
	}

	if n := c.DCCount(); err == nil && (n < 0 || n > variant.DCChannels()) {
		add(invalid("dc_motor.count", "%s supports at most %d channels, got %d",
			variant, variant.DCChannels(), n))
	}

	if c.Control.LoopRateHz < 1 || c.Control.LoopRateHz > 1000 {
		add(invalid("control.loop_rate_hz", "must be within 1..1000, got %d", c.Control.LoopRateHz))
	}
	if c.Control.PositionMin >= c.Control.PositionMax {
		add(invalid("control.position_min", "must be below position_max"))
	}
	if c.Control.Strategy == "" {
		add(invalid("control.strategy", "required"))
	}
	if m, err := protocol.ParseMode(c.Control.KeyboardStartMode); err != nil {
		add(invalid("control.keyboard_start_mode", "%v", err))
	} else if !m.IsPosition() {
		add(invalid("control.keyboard_start_mode", "must be a position mode, got %s", m))
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add(invalid("logging.level", "%v", err))
	}
	return errs
}

// Variant returns the parsed hardware variant. Call only on a validated config.
func (c *Config) Variant() bus.Variant {
	return bus.Variant(c.Serial.Variant)
}

// DCCount returns the number of DC channels in use.
func (c *Config) DCCount() int {
	if c.DCMotor.Count == nil {
		return c.Variant().DCChannels()
	}
	return *c.DCMotor.Count
}

// StartMode returns the mode the keyboard strategy starts in. Call only on a
// validated config.
func (c *Config) StartMode() protocol.Mode {
	m, _ := protocol.ParseMode(c.Control.KeyboardStartMode)
	return m
}

// CurrentLimits returns the effective current limit per actuator, falling
// back to current_limit_ma.
func (c *Config) CurrentLimits() map[protocol.ActuatorID]int {
	out := make(map[protocol.ActuatorID]int, len(c.Actuators.IDs))
	for _, id := range c.Actuators.IDs {
		out[id] = c.Actuators.CurrentLimitMA
		if ma, ok := c.Actuators.CurrentLimits[id]; ok {
			out[id] = ma
		}
	}
	return out
}

// Limits returns the configured position bounds.
func (c *Config) Limits() PositionLimits {
	return PositionLimits{Min: c.Control.PositionMin, Max: c.Control.PositionMax}
}

// PositionLimits is a raw position range.
type PositionLimits struct {
	Min int
	Max int
}

// Normalize converts a raw position to a value in [-100, 100].
func (l PositionLimits) Normalize(raw int) float64 {
	rangeSize := float64(l.Max - l.Min)
	if rangeSize == 0 {
		return 0
	}
	return (float64(raw-l.Min)/rangeSize)*200 - 100
}

// Contains reports whether raw lies within the limits.
func (l PositionLimits) Contains(raw int) bool {
	return raw >= l.Min && raw <= l.Max
}

// Duration is a time.Duration written as text ("2s", "500ms") in YAML and
// environment variables.
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(text))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
