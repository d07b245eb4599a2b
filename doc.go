// Package armlatable drives a desk-top arm rig: DC motors and smart servo
// actuators behind a USB serial board, stepped by a fixed-rate control loop.
//
// # Installation
//
//	go install github.com/gwillem/armlatable/cmd/armlatable@latest
//
// # Usage
//
// Detect the board and write a configuration file:
//
//	armlatable setup
//
// Then run a strategy, optionally with a live dashboard:
//
//	armlatable run --strategy sweep
//	armlatable run --strategy keyboard --tui
//
// List serial ports and the board each one looks like:
//
//	armlatable ports
//
// # Packages
//
//   - cmd/armlatable: CLI with setup, run and ports commands
//   - pkg/protocol: actuator ids, modes and the text wire codec
//   - pkg/link: serial link and port discovery
//   - pkg/bus: hardware buses (text protocol boards, Feetech servos)
//   - pkg/strategy: sweep, test and keyboard command strategies
//   - pkg/control: the control loop and its shutdown guarantees
//   - pkg/config: YAML configuration with environment overrides
//   - pkg/logging: zap console and rotating file logging
package armlatable
