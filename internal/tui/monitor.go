package tui

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Tab indices.
const (
	TabTasks = iota
	TabAgents
	TabEvents
	tabCount
)

var tabNames = [tabCount]string{"Tasks", "Agents", "Events"}

type snapshotMsg struct{ snap Snapshot }

type errMsg struct{ err error }

type tickMsg time.Time

type styles struct {
	title      lipgloss.Style
	activeTab  lipgloss.Style
	tab        lipgloss.Style
	dim        lipgloss.Style
	errText    lipgloss.Style
	warn       lipgloss.Style
	stateStyle map[models.TaskState]lipgloss.Style
}

func newStyles() styles {
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")),
		activeTab: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("63")).
			Padding(0, 1),
		tab:     lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Padding(0, 1),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		errText: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		stateStyle: map[models.TaskState]lipgloss.Style{
			models.TaskUnassigned: lipgloss.NewStyle().Foreground(lipgloss.Color("244")), // Gray
			models.TaskAssigned:   lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
			models.TaskInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("34")), // Green
			models.TaskBlocked:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			models.TaskCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("28")),
			models.TaskFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")), // Red
			models.TaskCancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		},
	}
}

// Monitor is the bubbletea model for the collective monitor. It polls a
// Source on a fixed interval and renders the latest snapshot.
type Monitor struct {
	ctx          context.Context
	source       Source
	collectiveID string
	refresh      time.Duration

	snap   Snapshot
	loaded bool
	err    error

	activeTab int
	filter    textinput.Model
	filtering bool
	spinner   spinner.Model

	width    int
	height   int
	quitting bool
	styles   styles
}

// NewMonitor creates a monitor for one collective.
func NewMonitor(ctx context.Context, source Source, collectiveID string, refresh time.Duration) *Monitor {
	if refresh <= 0 {
		refresh = time.Second
	}
	ti := textinput.New()
	ti.Placeholder = "filter"
	ti.Prompt = "/"
	ti.CharLimit = 64

	return &Monitor{
		ctx:          ctx,
		source:       source,
		collectiveID: collectiveID,
		refresh:      refresh,
		filter:       ti,
		spinner:      spinner.New(spinner.WithSpinner(spinner.Dot)),
		styles:       newStyles(),
	}
}

// Run starts the monitor in the alternate screen and blocks until the user
// quits or ctx is cancelled.
func Run(ctx context.Context, source Source, collectiveID string, refresh time.Duration) error {
	m := NewMonitor(ctx, source, collectiveID, refresh)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if ctx.Err() != nil && errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

// Init implements tea.Model.
func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m *Monitor) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, m.refresh*5)
		defer cancel()
		snap, err := m.source.Snapshot(ctx, m.collectiveID)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{snap}
	}
}

func (m *Monitor) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.filter.Width = max(msg.Width/3, 10)

	case snapshotMsg:
		m.snap = msg.snap
		m.loaded = true
		m.err = nil
		return m, m.scheduleRefresh()

	case errMsg:
		m.err = msg.err
		return m, m.scheduleRefresh()

	case tickMsg:
		return m, m.fetch()

	case spinner.TickMsg:
		if m.loaded {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Monitor) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}

	if m.filtering {
		switch msg.String() {
		case "enter":
			m.filtering = false
			m.filter.Blur()
			return m, nil
		case "esc":
			m.filtering = false
			m.filter.Blur()
			m.filter.SetValue("")
			return m, nil
		}
		var cmd tea.Cmd
		m.filter, cmd = m.filter.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "tab":
		m.activeTab = (m.activeTab + 1) % tabCount
	case "shift+tab":
		m.activeTab = (m.activeTab + tabCount - 1) % tabCount
	case "1", "2", "3":
		m.activeTab = int(msg.String()[0] - '1')
	case "/":
		m.filtering = true
		return m, m.filter.Focus()
	case "esc":
		m.filter.SetValue("")
	case "r":
		return m, m.fetch()
	}
	return m, nil
}

// View implements tea.Model.
func (m *Monitor) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n\n")

	if !m.loaded {
		if m.err != nil {
			b.WriteString(m.styles.errText.Render("error: " + m.err.Error()))
		} else {
			b.WriteString(m.spinner.View() + " loading " + m.collectiveID)
		}
		b.WriteString("\n")
		return b.String()
	}

	var lines []string
	switch m.activeTab {
	case TabTasks:
		lines = m.taskLines()
	case TabAgents:
		lines = m.agentLines()
	case TabEvents:
		lines = m.eventLines()
	}
	if len(lines) == 0 {
		lines = []string{m.styles.dim.Render("nothing to show")}
	}
	if limit := m.height - 6; m.height > 0 && limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(m.styles.errText.Render("refresh failed: "+m.err.Error()) + "\n")
	}
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Monitor) renderHeader() string {
	c := m.snap.Collective
	if c == nil {
		return m.styles.title.Render("hivemind monitor")
	}
	counts := map[models.TaskState]int{}
	for _, t := range m.snap.Tasks {
		counts[t.State]++
	}
	summary := fmt.Sprintf("%d tasks: %d done, %d running, %d failed, %d blocked",
		len(m.snap.Tasks),
		counts[models.TaskCompleted],
		counts[models.TaskAssigned]+counts[models.TaskInProgress],
		counts[models.TaskFailed],
		counts[models.TaskBlocked])

	header := fmt.Sprintf("%s  [%s]  %s  %d pending messages",
		m.styles.title.Render(c.Name), c.Status, summary, m.snap.Pending)
	if n := len(m.snap.Cycles); n > 0 {
		header += "  " + m.styles.warn.Render(fmt.Sprintf("%d deadlocks", n))
	}
	return header
}

func (m *Monitor) renderTabs() string {
	tabs := make([]string, 0, tabCount)
	for i, name := range tabNames {
		if i == m.activeTab {
			tabs = append(tabs, m.styles.activeTab.Render(name))
		} else {
			tabs = append(tabs, m.styles.tab.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m *Monitor) renderFooter() string {
	if m.filtering {
		return m.filter.View()
	}
	help := "tab switch  / filter  r refresh  q quit"
	if v := m.filter.Value(); v != "" {
		help = fmt.Sprintf("filter: %q (esc clears)  ", v) + help
	}
	if !m.snap.Taken.IsZero() {
		help += "  updated " + m.snap.Taken.Format("15:04:05")
	}
	return m.styles.dim.Render(help)
}

func (m *Monitor) matches(fields ...string) bool {
	q := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	if q == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

func (m *Monitor) taskLines() []string {
	var lines []string
	for _, t := range m.snap.Tasks {
		if !m.matches(t.ID, t.Title, t.AssignedAgentID, string(t.State), t.Level.String()) {
			continue
		}
		style, ok := m.styles.stateStyle[t.State]
		if !ok {
			style = m.styles.dim
		}
		line := fmt.Sprintf("%-12s %-8s %-20s %s", style.Render(string(t.State)), t.Level, t.ID, t.Title)
		if t.AssignedAgentID != "" {
			line += m.styles.dim.Render(" @" + t.AssignedAgentID)
		}
		if t.State == models.TaskFailed && t.LastError != "" {
			line += m.styles.errText.Render("  " + t.LastError)
		}
		lines = append(lines, line)
	}
	return lines
}

func (m *Monitor) agentLines() []string {
	c := m.snap.Collective
	if c == nil {
		return nil
	}
	var lines []string
	for _, a := range c.Agents {
		if !m.matches(a.ID, a.Name, string(a.Status), a.CurrentTaskID) {
			continue
		}
		role := ""
		if a.ID == c.CoordinatorID {
			role = " (coordinator)"
		}
		line := fmt.Sprintf("%-16s %-8s%s", a.ID, a.Status, role)
		if a.CurrentTaskID != "" {
			line += "  on " + a.CurrentTaskID
		}
		if a.AwaitingResponse {
			line += m.styles.warn.Render("  awaiting response")
		}
		lines = append(lines, line)
	}
	return lines
}

func (m *Monitor) eventLines() []string {
	var lines []string
	for _, d := range m.snap.Cycles {
		if len(d.TaskIDs) == 0 {
			continue
		}
		cycle := strings.Join(slices.Concat(d.TaskIDs, d.TaskIDs[:1]), " -> ")
		if m.matches(cycle, "deadlock") {
			lines = append(lines, m.styles.warn.Render("deadlock: "+cycle))
		}
	}
	for _, e := range m.snap.Events {
		if !m.matches(e.Type, e.Description, e.ActorID) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s  %-28s %s",
			m.styles.dim.Render(e.Timestamp.Format("15:04:05")), e.Type, e.Description))
	}
	return lines
}
