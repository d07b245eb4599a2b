package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/armlatable/pkg/bus"
	"github.com/gwillem/armlatable/pkg/config"
	"github.com/gwillem/armlatable/pkg/control"
	"github.com/gwillem/armlatable/pkg/link"
	"github.com/gwillem/armlatable/pkg/logging"
	"github.com/gwillem/armlatable/pkg/strategy"
)

type RunCommand struct {
	Config   string `long:"config" short:"c" description:"Configuration file (default armlatable.yaml)"`
	Strategy string `long:"strategy" short:"s" choice:"sweep" choice:"test" choice:"keyboard" description:"Strategy (overrides control.strategy)"`
	TUI      bool   `long:"tui" description:"Show a live dashboard"`
}

func (c *RunCommand) Execute(args []string) error {
	cfg, err := config.Load(configPath(c.Config))
	if err != nil {
		return err
	}
	name := cfg.Control.Strategy
	if c.Strategy != "" {
		name = c.Strategy
	}
	keyboard := name == "keyboard"

	logger, closeLog, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		Console:     !c.TUI,
		RawTerminal: keyboard && !c.TUI,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		in   strategy.Input
		keys *strategy.ChanInput
	)
	if keyboard {
		if c.TUI {
			keys = strategy.NewChanInput(32)
			in = keys
		} else {
			term, err := strategy.OpenTerminal(os.Stdin, stop)
			if err != nil {
				return err
			}
			in = term
		}
	}

	strat, err := strategy.New(name, strategy.Options{IDs: cfg.Actuators.IDs}, in,
		strategy.WithNotify(func(msg string) { logger.Info(msg) }),
		strategy.WithLimitsEnforced(cfg.Control.EnforcePositionLimits),
		strategy.WithStartMode(cfg.StartMode()),
	)
	if err != nil {
		if cl, ok := in.(*strategy.TerminalInput); ok {
			cl.Close()
		}
		return err
	}
	if keyboard && !c.TUI {
		logger.Info(strategy.KeyHelp)
	}

	ctrl := control.New(dialer(cfg, logger), strat, control.Config{
		Hz:                   cfg.Control.LoopRateHz,
		PushConfig:           cfg.Control.PushConfig,
		CurrentLimits:        cfg.CurrentLimits(),
		PositionMin:          cfg.Control.PositionMin,
		PositionMax:          cfg.Control.PositionMax,
		SyncInitialPositions: cfg.Control.SyncInitialPosition,
		SkipDC:               cfg.DCCount() == 0,
	}, logger)

	if !c.TUI {
		return ctrl.Run(ctx)
	}
	return runWithDashboard(ctx, ctrl, cfg, keys)
}

// runWithDashboard runs the loop and the TUI together. Whichever ends first
// stops the other.
func runWithDashboard(ctx context.Context, ctrl *control.Controller, cfg *config.Config, keys *strategy.ChanInput) error {
	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()

	p := tea.NewProgram(newDashboard(ctrl, cfg, keys), tea.WithAltScreen())

	g.Go(func() error {
		defer p.Quit()
		return ctrl.Run(loopCtx)
	})
	g.Go(func() error {
		defer stopLoop()
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// dialer opens the bus for the configured hardware variant.
func dialer(cfg *config.Config, logger *zap.SugaredLogger) control.Dialer {
	return func(ctx context.Context) (bus.Bus, error) {
		variant := cfg.Variant()
		if variant == bus.VariantFeetech {
			return bus.OpenFeetech(bus.FeetechConfig{
				Port:     cfg.Serial.Port,
				BaudRate: cfg.Serial.BaudRate,
			}, cfg.Actuators.IDs, logger)
		}

		lcfg := link.DefaultConfig()
		lcfg.BaudRate = cfg.Serial.BaudRate
		lcfg.SettleDelay = time.Duration(cfg.Serial.SettleDelay)
		l, err := link.Open(cfg.Serial.Port, lcfg, logger)
		if err != nil {
			return nil, err
		}
		return bus.NewSerial(l, variant.DCChannels(), cfg.Actuators.IDs, logger), nil
	}
}
