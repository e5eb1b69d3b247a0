package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

type stubSource struct {
	snap  Snapshot
	err   error
	calls int
}

func (s *stubSource) Snapshot(_ context.Context, collectiveID string) (Snapshot, error) {
	s.calls++
	if s.err != nil {
		return Snapshot{}, s.err
	}
	return s.snap, nil
}

func sampleSnapshot() Snapshot {
	return Snapshot{
		Collective: &models.Collective{
			ID:            "c1",
			Name:          "Launch",
			CoordinatorID: "pm",
			Status:        models.CollectiveRunning,
			Agents: []models.Agent{
				{ID: "pm", Status: models.AgentIdle},
				{ID: "builder", Status: models.AgentWorking, CurrentTaskID: "api"},
			},
		},
		Tasks: []models.Task{
			{ID: "api", Title: "Build API", Level: models.LevelTask, State: models.TaskInProgress, AssignedAgentID: "builder"},
			{ID: "docs", Title: "Write docs", Level: models.LevelTask, State: models.TaskFailed, LastError: "timeout"},
		},
		Cycles: []models.DeadlockInfo{{TaskIDs: []string{"a", "b"}}},
		Events: []models.AuditEvent{
			{Type: "message_failed", Description: "message m1 failed", Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		},
		Pending: 4,
		Taken:   time.Date(2024, 1, 1, 12, 0, 1, 0, time.UTC),
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func loadedMonitor(t *testing.T) *Monitor {
	t.Helper()
	m := NewMonitor(context.Background(), &stubSource{}, "c1", time.Second)
	_, cmd := m.Update(snapshotMsg{sampleSnapshot()})
	require.NotNil(t, cmd, "a snapshot schedules the next refresh")
	return m
}

func TestMonitor_FetchUsesSource(t *testing.T) {
	src := &stubSource{snap: sampleSnapshot()}
	m := NewMonitor(context.Background(), src, "c1", time.Second)

	msg := m.fetch()()
	got, ok := msg.(snapshotMsg)
	require.True(t, ok)
	assert.Equal(t, "Launch", got.snap.Collective.Name)
	assert.Equal(t, 1, src.calls)

	src.err = errors.New("db locked")
	_, ok = m.fetch()().(errMsg)
	assert.True(t, ok)
}

func TestMonitor_LoadingAndErrors(t *testing.T) {
	m := NewMonitor(context.Background(), &stubSource{}, "c1", 0)
	assert.Contains(t, m.View(), "loading c1")

	m.Update(errMsg{errors.New("no such collective")})
	assert.Contains(t, m.View(), "no such collective")

	m.Update(snapshotMsg{sampleSnapshot()})
	view := m.View()
	assert.NotContains(t, view, "no such collective")
	assert.Contains(t, view, "Launch")

	m.Update(errMsg{errors.New("db locked")})
	assert.Contains(t, m.View(), "refresh failed: db locked", "stale data stays visible")
	assert.Contains(t, m.View(), "Build API")
}

func TestMonitor_HeaderAndTasks(t *testing.T) {
	m := loadedMonitor(t)
	view := m.View()

	assert.Contains(t, view, "2 tasks: 0 done, 1 running, 1 failed, 0 blocked")
	assert.Contains(t, view, "4 pending messages")
	assert.Contains(t, view, "1 deadlocks")
	assert.Contains(t, view, "Build API")
	assert.Contains(t, view, "@builder")
	assert.Contains(t, view, "timeout")
}

func TestMonitor_Tabs(t *testing.T) {
	m := loadedMonitor(t)

	m.Update(key("tab"))
	view := m.View()
	assert.Contains(t, view, "(coordinator)")
	assert.Contains(t, view, "on api")
	assert.NotContains(t, view, "Build API")

	m.Update(key("tab"))
	view = m.View()
	assert.Contains(t, view, "deadlock: a -> b -> a")
	assert.Contains(t, view, "message m1 failed")

	m.Update(key("tab"))
	assert.Equal(t, TabTasks, m.activeTab, "tab wraps around")

	m.Update(key("3"))
	assert.Equal(t, TabEvents, m.activeTab)
}

func TestMonitor_Filter(t *testing.T) {
	m := loadedMonitor(t)

	m.Update(key("/"))
	require.True(t, m.filtering)
	m.Update(key("docs"))
	m.Update(key("enter"))
	assert.False(t, m.filtering)

	view := m.View()
	assert.Contains(t, view, "Write docs")
	assert.NotContains(t, view, "Build API")
	assert.Contains(t, view, `filter: "docs"`)

	m.Update(key("esc"))
	assert.Contains(t, m.View(), "Build API")

	m.Update(key("/"))
	m.Update(key("nomatch"))
	m.Update(key("esc"))
	assert.False(t, m.filtering)
	assert.Empty(t, m.filter.Value())
}

func TestMonitor_Quit(t *testing.T) {
	for _, k := range []string{"q", "ctrl+c"} {
		t.Run(k, func(t *testing.T) {
			m := loadedMonitor(t)
			_, cmd := m.Update(key(k))
			require.NotNil(t, cmd)
			_, ok := cmd().(tea.QuitMsg)
			assert.True(t, ok)
			assert.Empty(t, m.View())
		})
	}

	m := loadedMonitor(t)
	m.Update(key("/"))
	m.Update(key("q"))
	assert.False(t, m.quitting, "q is text while filtering")
	assert.True(t, strings.HasSuffix(m.filter.Value(), "q"))
}

func TestMonitor_TickRefetches(t *testing.T) {
	src := &stubSource{snap: sampleSnapshot()}
	m := NewMonitor(context.Background(), src, "c1", time.Second)
	_, cmd := m.Update(tickMsg(time.Now()))
	require.NotNil(t, cmd)
	_, ok := cmd().(snapshotMsg)
	assert.True(t, ok)
	assert.Equal(t, 1, src.calls)
}
