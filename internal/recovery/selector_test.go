package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/hivemind/internal/audit"
	"github.com/ShayCichocki/hivemind/internal/clock"
	"github.com/ShayCichocki/hivemind/internal/messaging"
	"github.com/ShayCichocki/hivemind/internal/state"
	"github.com/ShayCichocki/hivemind/internal/taskgraph"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

type fixture struct {
	db       *state.DB
	tasks    *taskgraph.Store
	channel  *messaging.Channel
	selector *Selector
	clock    *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	clk := clock.NewManual(time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC))
	now := clk.Now()
	require.NoError(t, db.CreateCollective(context.Background(), &models.Collective{
		ID: "c1", Name: "test", CoordinatorID: "pm", Status: models.CollectiveRunning,
		Agents: []models.Agent{
			{ID: "pm", Status: models.AgentIdle, UpdatedAt: now},
			{ID: "a1", Status: models.AgentWorking, UpdatedAt: now},
			{ID: "a2", Status: models.AgentIdle, UpdatedAt: now},
		},
		CreatedAt: now, UpdatedAt: now,
	}))

	rec := audit.NewRecorder(clk, audit.NewStoreSink(db))
	tasks := taskgraph.NewStore(db, clk, nil)
	ch := messaging.NewChannel(db, messaging.WithClock(clk), messaging.WithRecorder(rec))
	return &fixture{
		db:       db,
		tasks:    tasks,
		channel:  ch,
		selector: NewSelector(tasks, db, ch, rec, clk, nil),
		clock:    clk,
	}
}

// running creates a task that a1 has claimed and started. Its dependencies
// are created already COMPLETED.
func (f *fixture) running(t *testing.T, task *models.Task) {
	t.Helper()
	ctx := context.Background()
	for _, dep := range task.DependencyIDs {
		require.NoError(t, f.tasks.Create(ctx, &models.Task{
			ID: dep, CollectiveID: "c1", Title: "task " + dep,
			Level: models.LevelTask, State: models.TaskCompleted,
		}))
	}
	task.CollectiveID = "c1"
	if task.Title == "" {
		task.Title = "task " + task.ID
	}
	require.NoError(t, f.tasks.Create(ctx, task))
	claimed, err := f.tasks.Assign(ctx, task.ID, "a1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = f.tasks.Start(ctx, task.ID)
	require.NoError(t, err)
}

func (f *fixture) inbox(t *testing.T, agentID string) []models.Message {
	t.Helper()
	msgs, err := f.channel.Inbox(context.Background(), "c1", agentID, 0)
	require.NoError(t, err)
	return msgs
}

func TestHandle_SimpleRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.running(t, &models.Task{ID: "t1", Level: models.LevelTask})

	d, err := f.selector.Handle(ctx, "c1", "t1", TaskError{Type: "network", Message: "connection reset"})
	require.NoError(t, err)
	assert.Equal(t, StrategySimpleRetry, d.Strategy)
	assert.Equal(t, 5*time.Second, d.Delay)
	assert.Len(t, d.Scores, len(Strategies))

	task, err := f.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskUnassigned, task.State)
	assert.Empty(t, task.AssignedAgentID)
	assert.NotNil(t, task.FailedAt, "the failure is recorded before recovery")
	assert.Equal(t, "connection reset", task.LastError)
	at, ok := RetryAfter(task)
	require.True(t, ok)
	assert.True(t, at.Equal(f.clock.Now().Add(5*time.Second)))

	for _, agent := range []string{"pm", "a1", "a2"} {
		msgs := f.inbox(t, agent)
		require.Len(t, msgs, 1, agent)
		assert.Equal(t, models.MessageBroadcast, msgs[0].Type)
		assert.Contains(t, msgs[0].Content, "simple_retry")
	}

	events, err := f.db.ListAuditEvents(ctx, "c1", state.AuditQuery{Type: audit.TypeRetryStrategySelected})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "simple_retry", events[0].Metadata["strategy"])
}

func TestBackoff_CappedAtLastEntry(t *testing.T) {
	s := NewSelector(nil, nil, nil, nil, nil, nil)
	assert.Equal(t, 5*time.Second, s.Backoff(0))
	assert.Equal(t, 15*time.Second, s.Backoff(1))
	assert.Equal(t, 120*time.Second, s.Backoff(4))
	assert.Equal(t, 120*time.Second, s.Backoff(40))
	assert.Equal(t, 5*time.Second, s.Backoff(-1))

	s.SetBackoff([]time.Duration{time.Millisecond})
	assert.Equal(t, time.Millisecond, s.Backoff(3))
}

func TestHandle_AdjustParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.running(t, &models.Task{ID: "t1", Level: models.LevelTask})

	d, err := f.selector.Handle(ctx, "c1", "t1", TaskError{Type: "timeout", Message: "deadline exceeded", AttemptCount: 1})
	require.NoError(t, err)
	assert.Equal(t, StrategyAdjustParameters, d.Strategy)

	task, err := f.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskUnassigned, task.State)
	assert.EqualValues(t, 2, task.Metadata[MetaTimeoutMultiplier])
	assert.Equal(t, "adjust_parameters", task.Metadata[MetaRecoveryStrategy])
}

func TestHandle_ChangeAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.running(t, &models.Task{ID: "t1", Level: models.LevelTask})

	d, err := f.selector.Handle(ctx, "c1", "t1", TaskError{Type: "agent_crash", Message: "worker exited"})
	require.NoError(t, err)
	assert.Equal(t, StrategyChangeAgent, d.Strategy)
	assert.Equal(t, "a2", d.AgentID, "first idle agent other than the assignee and coordinator")

	task, err := f.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, task.State)
	assert.Equal(t, "a2", task.AssignedAgentID)
}

func TestHandle_AddContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.running(t, &models.Task{ID: "t1", Level: models.LevelTask, DependencyIDs: []string{"t0"}})

	d, err := f.selector.Handle(ctx, "c1", "t1", TaskError{
		Type: "validation_error", Message: "output failed schema check", AttemptCount: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyAddContext, d.Strategy)
	assert.NotEmpty(t, d.Hints)

	var directive *models.Message
	for _, m := range f.inbox(t, "a1") {
		if m.Type == models.MessageDirective {
			directive = &m
		}
	}
	require.NotNil(t, directive, "hints go to the assignee")
	assert.Equal(t, "pm", directive.FromID)
	assert.Contains(t, directive.Content, "Hints:")

	task, err := f.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskUnassigned, task.State)
}

func TestHandle_DecomposeAsksCoordinator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.running(t, &models.Task{ID: "e1", Level: models.LevelEpic})

	d, err := f.selector.Handle(ctx, "c1", "e1", TaskError{Type: "unknown", Message: "too big", AttemptCount: 2})
	require.NoError(t, err)
	assert.Equal(t, StrategyDecompose, d.Strategy)

	var ask *models.Message
	for _, m := range f.inbox(t, "pm") {
		if m.Type == models.MessageCoordination {
			ask = &m
		}
	}
	require.NotNil(t, ask)
	assert.Equal(t, "e1", ask.TaskID)
	assert.Contains(t, ask.Content, "Decompose")

	task, err := f.tasks.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.State, "the coordinator restructures failed work")
	assert.Equal(t, true, task.Metadata[MetaAwaitingRestructure])
}

func TestHandle_SimplifyAfterManyFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.running(t, &models.Task{ID: "t1", Level: models.LevelStory})

	d, err := f.selector.Handle(ctx, "c1", "t1", TaskError{Type: "unknown", AttemptCount: 3})
	require.NoError(t, err)
	// story: decompose 8+5=13, simplify 4+10=14
	assert.Equal(t, StrategySimplify, d.Strategy)
}

func TestHandle_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.running(t, &models.Task{ID: "t1", Level: models.LevelTask})
	_, err := f.tasks.Complete(ctx, "t1")
	require.NoError(t, err)

	_, err = f.selector.Handle(ctx, "c1", "t1", TaskError{Type: "timeout"})
	assert.ErrorIs(t, err, ErrNotRecoverable)

	_, err = f.selector.Handle(ctx, "other", "t1", TaskError{Type: "timeout"})
	assert.Error(t, err)

	_, err = f.selector.Handle(ctx, "c1", "missing", TaskError{Type: "timeout"})
	assert.ErrorIs(t, err, state.ErrNotFound)
}
