package collective

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/hivemind/internal/audit"
	"github.com/ShayCichocki/hivemind/internal/clock"
	"github.com/ShayCichocki/hivemind/internal/state"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

func newManager(t *testing.T) (*Manager, *state.DB, *clock.Manual) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	clk := clock.NewManual(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	rec := audit.NewRecorder(clk, audit.NewStoreSink(db))
	return NewManager(db, rec, clk, nil), db, clk
}

func TestCreate(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	c := &models.Collective{
		Name:   "payments",
		Agents: []models.Agent{{ID: "a1"}, {ID: "a2", Status: models.AgentWorking}},
	}
	require.NoError(t, m.Create(ctx, c))
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, models.CollectiveInitializing, c.Status)
	assert.Equal(t, models.SenderPM, c.CoordinatorID)

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Agents, 3, "coordinator joins the roster")
	assert.NotNil(t, got.Agent("pm"))
	assert.Equal(t, models.AgentIdle, got.Agent("a1").Status)
}

func TestCreate_Validation(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		c    *models.Collective
	}{
		{"no name", &models.Collective{}},
		{"duplicate agent", &models.Collective{Name: "x", Agents: []models.Agent{{ID: "a"}, {ID: "a"}}}},
		{"reserved agent id", &models.Collective{Name: "x", Agents: []models.Agent{{ID: "user"}}}},
		{"empty agent id", &models.Collective{Name: "x", Agents: []models.Agent{{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, m.Create(ctx, tt.c), ErrInvalidCollective)
		})
	}
}

func TestLifecycle(t *testing.T) {
	m, db, _ := newManager(t)
	ctx := context.Background()
	c := &models.Collective{ID: "c1", Name: "alpha"}
	require.NoError(t, m.Create(ctx, c))

	require.NoError(t, m.Start(ctx, "c1"))
	require.NoError(t, m.Pause(ctx, "c1", "deadlock"))
	require.NoError(t, m.Pause(ctx, "c1", "again"), "pausing twice is a no-op")
	require.NoError(t, m.Resume(ctx, "c1"))
	require.NoError(t, m.Complete(ctx, "c1"))

	assert.ErrorIs(t, m.Resume(ctx, "c1"), ErrInvalidTransition)
	assert.ErrorIs(t, m.Pause(ctx, "c1", "late"), ErrInvalidTransition)
	assert.ErrorIs(t, m.Start(ctx, "missing"), ErrNotFound)

	events, err := db.ListAuditEvents(ctx, "c1", state.AuditQuery{Type: audit.TypeCollectiveStatusChanged})
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "deadlock", events[1].Metadata["reason"])
}

func TestRoster(t *testing.T) {
	m, _, clk := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, &models.Collective{
		ID: "c1", Name: "alpha", Agents: []models.Agent{{ID: "a1"}, {ID: "a2"}},
	}))

	require.NoError(t, m.AddAgent(ctx, "c1", models.Agent{ID: "a3"}))
	require.NoError(t, m.SetAgentStatus(ctx, "c1", "a1", models.AgentWorking, "t1"))
	assert.Error(t, m.SetAgentStatus(ctx, "c1", "a1", "sleeping", ""))

	idle, err := m.IdleAgents(ctx, "c1", "a2")
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "a3", idle[0].ID)

	clk.Advance(time.Hour)
	stale, err := m.StaleAgents(ctx, "c1", 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a1", stale[0].ID)
}
