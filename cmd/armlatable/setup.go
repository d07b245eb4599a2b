package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/gwillem/armlatable/pkg/bus"
	"github.com/gwillem/armlatable/pkg/config"
	"github.com/gwillem/armlatable/pkg/link"
	"github.com/gwillem/armlatable/pkg/protocol"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct {
	Config string `long:"config" short:"c" description:"Configuration file to write (default armlatable.yaml)"`
	Yes    bool   `long:"yes" short:"y" description:"Accept detected values without asking"`
	MaxID  int    `long:"max-id" default:"12" description:"Highest servo id probed on a Feetech bus"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("armlatable setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━"))
	fmt.Println()

	path := configPath(c.Config)
	cfg := config.Default()
	if config.Exists(path) {
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Println(dimStyle.Render(fmt.Sprintf("Ignoring existing %s: %v", path, err)))
		} else {
			cfg = loaded
		}
	}

	ports, err := link.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		return errors.New("no serial ports found, connect the board and try again")
	}
	port := pickPort(ports, cfg.Serial.Port)
	fmt.Printf("Found %d port(s), suggesting %s\n\n", len(ports), port)

	variant := cfg.Serial.Variant
	if g := port.Guess(); g != "" {
		variant = g
	}
	portName := port.Name

	if !c.Yes {
		options := lo.Map(ports, func(p link.PortInfo, _ int) huh.Option[string] {
			return huh.NewOption(p.String(), p.Name)
		})
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Serial port").
					Options(options...).
					Value(&portName),
				huh.NewSelect[string]().
					Title("Driver board").
					Options(
						huh.NewOption("Raspberry Pi Pico (1 DC channel)", string(bus.VariantPico)),
						huh.NewOption("Arduino R4 dongle (2 DC channels)", string(bus.VariantR4)),
						huh.NewOption("Feetech servo bus (no DC)", string(bus.VariantFeetech)),
					).
					Value(&variant),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("setup aborted: %w", err)
		}
	}

	v, err := bus.ParseVariant(variant)
	if err != nil {
		return err
	}
	cfg.Serial.Port = portName
	cfg.Serial.Variant = string(v)
	cfg.DCMotor.Count = lo.ToPtr(v.DCChannels())
	cfg.Serial.BaudRate = v.DefaultBaudRate()
	if v == bus.VariantFeetech {
		c.scanServos(cfg)
	}

	if !c.Yes {
		if err := askActuators(cfg); err != nil {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n\n", path)
	fmt.Println("Start with: " + headerStyle.Render("armlatable run --strategy keyboard"))
	return nil
}

func (c *SetupCommand) scanServos(cfg *config.Config) {
	fmt.Printf("Scanning %s for servos 1..%d...\n", cfg.Serial.Port, c.MaxID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids, err := bus.ScanFeetech(ctx, cfg.Serial.Port, cfg.Serial.BaudRate, c.MaxID)
	switch {
	case err != nil:
		fmt.Println(dimStyle.Render(fmt.Sprintf("  scan failed: %v", err)))
	case len(ids) == 0:
		fmt.Println(dimStyle.Render("  no servos answered"))
	default:
		fmt.Printf("  found servos %v\n", ids)
		cfg.Actuators.IDs = ids
	}
}

func askActuators(cfg *config.Config) error {
	idText := formatIDs(cfg.Actuators.IDs)
	rateText := strconv.Itoa(cfg.Control.LoopRateHz)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Actuator ids").
				Description("Comma separated, e.g. 1,2,3").
				Value(&idText).
				Validate(func(s string) error {
					_, err := parseIDs(s)
					return err
				}),
			huh.NewInput().
				Title("Loop rate (Hz)").
				Value(&rateText).
				Validate(func(s string) error {
					_, err := parseRate(s)
					return err
				}),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}

	ids, err := parseIDs(idText)
	if err != nil {
		return err
	}
	hz, err := parseRate(rateText)
	if err != nil {
		return err
	}
	cfg.Actuators.IDs = ids
	cfg.Control.LoopRateHz = hz
	return nil
}

// configPath falls back to the default file name when --config is not given.
func configPath(flag string) string {
	if flag == "" {
		return config.DefaultFile
	}
	return flag
}

// pickPort prefers the configured port, then the first port that looks like
// a supported board, then the first port.
func pickPort(ports []link.PortInfo, configured string) link.PortInfo {
	if p, ok := lo.Find(ports, func(p link.PortInfo) bool { return p.Name == configured }); ok {
		return p
	}
	if p, ok := lo.Find(ports, func(p link.PortInfo) bool { return p.Guess() != "" }); ok {
		return p
	}
	return ports[0]
}

func parseIDs(s string) ([]protocol.ActuatorID, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil, errors.New("at least one id is required")
	}
	ids := make([]protocol.ActuatorID, 0, len(fields))
	for _, f := range fields {
		id, err := protocol.ParseActuatorID(f)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if dups := lo.FindDuplicates(ids); len(dups) > 0 {
		return nil, fmt.Errorf("duplicate ids %v", dups)
	}
	return protocol.SortedIDs(ids), nil
}

func formatIDs(ids []protocol.ActuatorID) string {
	return strings.Join(lo.Map(ids, func(id protocol.ActuatorID, _ int) string {
		return strconv.Itoa(int(id))
	}), ",")
}

func parseRate(s string) (int, error) {
	hz, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || hz < 1 || hz > 1000 {
		return 0, fmt.Errorf("loop rate must be a number within 1..1000")
	}
	return hz, nil
}
