package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/armlatable/pkg/config"
	"github.com/gwillem/armlatable/pkg/control"
	"github.com/gwillem/armlatable/pkg/protocol"
	"github.com/gwillem/armlatable/pkg/strategy"
)

const (
	headerHeight = 3 // title, status line, blank
	legendHeight = 2
	footerHeight = 7 // log box
	maxLogs      = 5
	borderSize   = 2
)

var palette = []string{"196", "208", "226", "46", "51", "201", "99", "231"}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

type dashboard struct {
	ctrl   *control.Controller
	keys   *strategy.ChanInput // nil unless the keyboard strategy runs
	ids    []protocol.ActuatorID
	limits config.PositionLimits
	chart  *streamlinechart.Model

	width, height int
	logs          []string
	last          control.State
	lastPositions map[protocol.ActuatorID]int
	quitting      bool
}

type stateMsg control.State
type logMsg string

func waitForState(ctrl *control.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *control.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

func seriesName(id protocol.ActuatorID) string {
	return fmt.Sprintf("id%d", id)
}

func newDashboard(ctrl *control.Controller, cfg *config.Config, keys *strategy.ChanInput) *dashboard {
	chart := streamlinechart.New(80, 20, streamlinechart.WithYRange(-100, 100))
	ids := protocol.SortedIDs(cfg.Actuators.IDs)
	for i, id := range ids {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(palette[i%len(palette)]))
		chart.SetDataSetStyles(seriesName(id), runes.ThinLineStyle, style)
	}
	return &dashboard{
		ctrl:   ctrl,
		keys:   keys,
		ids:    ids,
		limits: cfg.Limits(),
		chart:  &chart,
	}
}

func (m *dashboard) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

func (m *dashboard) moved(positions map[protocol.ActuatorID]int) bool {
	if m.lastPositions == nil {
		return true
	}
	for id, pos := range positions {
		if last, ok := m.lastPositions[id]; !ok || last != pos {
			return true
		}
	}
	return false
}

func (m *dashboard) resizeChart() {
	w, h := 80, 20
	if m.width > 0 && m.height > 0 {
		w = max(40, m.width-borderSize-2)
		h = max(10, m.height-headerHeight-legendHeight-footerHeight-borderSize)
	}
	m.chart.Resize(w, h)
}

// forward hands a key press to the keyboard strategy. It reports false when
// the key is not one the strategy understands.
func (m *dashboard) forward(msg tea.KeyMsg) bool {
	if m.keys == nil {
		return false
	}
	switch msg.Type {
	case tea.KeySpace:
		return m.keys.Send(' ')
	case tea.KeyRunes:
		if len(msg.Runes) == 1 {
			return m.keys.Send(msg.Runes[0])
		}
	}
	return false
}

// quit stops the loop, which then shuts the hardware down, and closes the
// dashboard.
func (m *dashboard) quit() tea.Cmd {
	m.quitting = true
	m.ctrl.Interrupt()
	return tea.Quit
}

func (m *dashboard) Init() tea.Cmd {
	return tea.Batch(waitForState(m.ctrl), waitForLog(m.ctrl))
}

func (m *dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, m.quit()
		}
		// The keyboard strategy handles q itself and the loop ending closes
		// the dashboard.
		if m.forward(msg) {
			return m, nil
		}
		if msg.String() == "q" {
			return m, m.quit()
		}

	case stateMsg:
		st := control.State(msg)
		m.last = st
		if st.Status.Positions != nil && m.moved(st.Status.Positions) {
			for id, pos := range st.Status.Positions {
				m.chart.PushDataSet(seriesName(id), m.limits.Normalize(pos))
			}
			m.chart.DrawAll()
			m.lastPositions = st.Status.Positions
		}
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)
	}
	return m, nil
}

func (m *dashboard) View() string {
	if m.quitting {
		return "Stopping...\n"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("armlatable"))
	sb.WriteString(fmt.Sprintf(" - %d Hz - %s", m.ctrl.Hz(), m.last.Phase))
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n")
	sb.WriteString(m.statusLine())
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")
	sb.WriteString(m.legend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(20, m.width-4))

	logLines := statusStyle.Render("Press 'q' to quit")
	if m.keys != nil {
		logLines = statusStyle.Render(strategy.KeyHelp)
	}
	if len(m.logs) > 0 {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")
	return sb.String()
}

func (m *dashboard) statusLine() string {
	cmd := m.last.Command
	return statusStyle.Render(fmt.Sprintf("T:%.1fs  mode:%s  DC out:%v echo:%v  dropped:%d",
		m.last.Elapsed.Seconds(), cmd.Mode, cmd.DC, m.last.Status.DC, m.ctrl.Dropped()))
}

// legend lists each actuator with its raw position, flagging positions
// outside the configured limits.
func (m *dashboard) legend() string {
	items := make([]string, 0, len(m.ids))
	for i, id := range m.ids {
		color := lipgloss.NewStyle().Foreground(lipgloss.Color(palette[i%len(palette)])).Bold(true)
		item := color.Render("━━") + " " + seriesName(id)
		if pos, ok := m.last.Status.Positions[id]; ok {
			text := fmt.Sprintf(" %d", pos)
			if !m.limits.Contains(pos) {
				text = warnStyle.Render(text + " !")
			}
			item += text
		}
		items = append(items, item)
	}
	return strings.Join(items, "  ")
}
