package main

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/gwillem/armlatable/pkg/bus"
	"github.com/gwillem/armlatable/pkg/config"
	"github.com/gwillem/armlatable/pkg/control"
	"github.com/gwillem/armlatable/pkg/protocol"
	"github.com/gwillem/armlatable/pkg/strategy"
)

type recordLink struct {
	frames []string
}

func (l *recordLink) WriteFrame(f []byte) error {
	l.frames = append(l.frames, strings.TrimSuffix(string(f), "\n"))
	return nil
}

func (l *recordLink) TryReadLine() (string, bool) { return "", false }
func (l *recordLink) Buffered() int               { return 0 }
func (l *recordLink) Close() error                { return nil }

func newTestDashboard(t *testing.T, keys *strategy.ChanInput) (*dashboard, *control.Controller, *recordLink) {
	t.Helper()
	l := &recordLink{}
	ids := []protocol.ActuatorID{1}
	dial := func(context.Context) (bus.Bus, error) {
		return bus.NewSerial(l, 2, ids, zap.NewNop().Sugar()), nil
	}
	strat, err := strategy.New("sweep", strategy.Options{IDs: ids}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctrl := control.New(dial, strat, control.Config{Hz: 100}, zap.NewNop().Sugar())
	return newDashboard(ctrl, config.Default(), keys), ctrl, l
}

func TestDashboardQuitInterruptsLoop(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyRunes, Runes: []rune{'q'}},
	} {
		m, ctrl, l := newTestDashboard(t, nil)
		_, cmd := m.Update(key)
		if cmd == nil {
			t.Fatalf("%s: no quit command", key)
		}
		if err := ctrl.Run(context.Background()); err != nil {
			t.Fatalf("%s: Run: %v", key, err)
		}
		// No tick ran, so only the shutdown frames reach the wire.
		if diff := cmp.Diff([]string{"DC:0,0", "STOP", "E:0"}, l.frames); diff != "" {
			t.Errorf("%s: frames (-want +got):\n%s", key, diff)
		}
	}
}

func TestDashboardForwardsKeys(t *testing.T) {
	keys := strategy.NewChanInput(4)
	m, _, _ := newTestDashboard(t, keys)

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}); cmd != nil {
		t.Error("q should go to the keyboard strategy, not quit the dashboard")
	}
	m.Update(tea.KeyMsg{Type: tea.KeySpace})

	for _, want := range []rune{'q', ' '} {
		got, ok := keys.Poll()
		if !ok || got != want {
			t.Errorf("Poll() = %q, %v, want %q", got, ok, want)
		}
	}
}
