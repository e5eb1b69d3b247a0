package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func seedCollective(t *testing.T, db *DB) *models.Collective {
	t.Helper()
	c := &models.Collective{
		ID:            "c1",
		Name:          "alpha",
		CoordinatorID: "pm",
		Status:        models.CollectiveRunning,
		Agents: []models.Agent{
			{ID: "pm", Status: models.AgentIdle, UpdatedAt: t0},
			{ID: "a1", Status: models.AgentIdle, Capabilities: []string{"go"}, UpdatedAt: t0},
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, db.CreateCollective(context.Background(), c))
	return c
}

func TestCollectiveRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedCollective(t, db)

	got, err := db.GetCollective(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, models.CollectiveRunning, got.Status)
	require.Len(t, got.Agents, 2)
	assert.Equal(t, "a1", got.Agents[0].ID)
	assert.Equal(t, []string{"go"}, got.Agents[0].Capabilities)

	require.NoError(t, db.UpdateCollectiveStatus(ctx, "c1", models.CollectivePaused, t0.Add(time.Minute)))
	got, err = db.GetCollective(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CollectivePaused, got.Status)

	_, err = db.GetCollective(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.ErrorIs(t, db.UpdateCollectiveStatus(ctx, "missing", models.CollectivePaused, t0), ErrNotFound)
}

func TestAgentStatusAndAwaiting(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedCollective(t, db)

	require.NoError(t, db.UpdateAgentStatus(ctx, "c1", "a1", models.AgentWorking, "t1", t0))
	require.NoError(t, db.SetAgentAwaiting(ctx, "c1", "a1", true, t0))

	a, err := db.GetAgent(ctx, "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentWorking, a.Status)
	assert.Equal(t, "t1", a.CurrentTaskID)
	assert.True(t, a.AwaitingResponse)

	assert.ErrorIs(t, db.SetAgentAwaiting(ctx, "c1", "ghost", true, t0), ErrNotFound)
}

func newTask(id string, deps ...string) *models.Task {
	return &models.Task{
		ID:            id,
		CollectiveID:  "c1",
		Level:         models.LevelTask,
		Title:         "task " + id,
		State:         models.TaskUnassigned,
		DependencyIDs: deps,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedCollective(t, db)

	task := newTask("t1", "t0")
	task.Metadata = map[string]any{"timeout_multiplier": 2.0}
	require.NoError(t, db.CreateTask(ctx, task))

	got, err := db.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t0"}, got.DependencyIDs)
	assert.Equal(t, models.LevelTask, got.Level)
	assert.Equal(t, 2.0, got.Metadata["timeout_multiplier"])
	assert.Nil(t, got.StartedAt)

	_, err = db.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimTask_ExactlyOneWinner(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedCollective(t, db)
	require.NoError(t, db.CreateTask(ctx, newTask("t1")))

	const claimers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := db.ClaimTask(ctx, "t1", fmt.Sprintf("agent-%d", i), t0)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	got, err := db.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, got.State)
	assert.NotEmpty(t, got.AssignedAgentID)
}

func TestClaimTask_RefusesUnclaimable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedCollective(t, db)
	require.NoError(t, db.CreateTask(ctx, newTask("dep")))
	gated := newTask("t1", "dep")
	gated.AllowedAgentIDs = []string{"a1"}
	require.NoError(t, db.CreateTask(ctx, gated))

	ok, err := db.ClaimTask(ctx, "t1", "a9", t0)
	assert.ErrorIs(t, err, ErrNotClaimable, "agent outside the allowed set")
	assert.False(t, ok)

	ok, err = db.ClaimTask(ctx, "t1", "a1", t0)
	assert.ErrorIs(t, err, ErrNotClaimable, "dependency not completed")
	assert.False(t, ok)

	got, err := db.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskUnassigned, got.State)
	assert.Empty(t, got.AssignedAgentID)

	_, err = db.MutateTask(ctx, "dep", func(task *models.Task) error {
		task.State = models.TaskCompleted
		return nil
	})
	require.NoError(t, err)
	ok, err = db.ClaimTask(ctx, "t1", "a1", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = db.ClaimTask(ctx, "missing", "a1", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMutateTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedCollective(t, db)
	require.NoError(t, db.CreateTask(ctx, newTask("t1")))

	updated, err := db.MutateTask(ctx, "t1", func(task *models.Task) error {
		task.BlockerIDs = append(task.BlockerIDs, "b1")
		task.State = models.TaskBlocked
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskBlocked, updated.State)

	sentinel := errors.New("refuse")
	_, err = db.MutateTask(ctx, "t1", func(task *models.Task) error {
		task.State = models.TaskCompleted
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := db.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskBlocked, got.State, "failed mutation must not be written")
	assert.Equal(t, []string{"b1"}, got.BlockerIDs)
}

func TestListTasksByState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedCollective(t, db)
	require.NoError(t, db.CreateTask(ctx, newTask("t1")))
	done := newTask("t2")
	done.State = models.TaskCompleted
	require.NoError(t, db.CreateTask(ctx, done))

	got, err := db.ListTasksByState(ctx, "c1", models.TaskCompleted)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t2", got[0].ID)

	all, err := db.ListTasksByState(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func newMessage(id, to string, p models.Priority, created time.Time, content string) *models.Message {
	return &models.Message{
		ID:            id,
		CollectiveID:  "c1",
		FromID:        "a1",
		ToID:          to,
		Priority:      p,
		Type:          models.MessageInfoRequest,
		Status:        models.MessagePending,
		Content:       content,
		ThreadID:      id,
		NextAttemptAt: created,
		CreatedAt:     created,
	}
}

func TestListInbox_PriorityThenAge(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedCollective(t, db)

	msgs := []*models.Message{
		newMessage("m1", "pm", models.PriorityLow, t0, "low old"),
		newMessage("m2", "pm", models.PriorityCritical, t0.Add(2*time.Second), "critical new"),
		newMessage("m3", "pm", models.PriorityCritical, t0.Add(time.Second), "critical old"),
		newMessage("m4", "pm", models.PriorityNormal, t0, "normal"),
		newMessage("m5", "a1", models.PriorityCritical, t0, "someone else"),
	}
	for _, m := range msgs {
		require.NoError(t, db.InsertMessage(ctx, m))
	}

	inbox, err := db.ListInbox(ctx, "c1", "pm", t0.Add(time.Hour), 0)
	require.NoError(t, err)
	var ids []string
	for _, m := range inbox {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m3", "m2", "m4", "m1"}, ids)

	limited, err := db.ListInbox(ctx, "c1", "pm", t0.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "m3", limited[0].ID)
}

func TestSearchMessages(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedCollective(t, db)

	require.NoError(t, db.InsertMessage(ctx, newMessage("m1", "pm", models.PriorityHigh, t0, "database migration stalled")))
	require.NoError(t, db.InsertMessage(ctx, newMessage("m2", "pm", models.PriorityLow, t0.Add(time.Second), "lunch plans")))
	esc := newMessage("m3", "user", models.PriorityCritical, t0.Add(2*time.Second), "migration deadlock needs a human")
	esc.Type = models.MessageEscalation
	require.NoError(t, db.InsertMessage(ctx, esc))

	got, err := db.SearchMessages(ctx, "c1", MessageQuery{Text: "migration"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].ID, "newest first")

	got, err = db.SearchMessages(ctx, "c1", MessageQuery{Text: "migration", Types: []models.MessageType{models.MessageEscalation}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m3", got[0].ID)

	got, err = db.SearchMessages(ctx, "c1", MessageQuery{Priorities: []models.Priority{models.PriorityLow}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].ID)
}

func TestArchiveAndPurge(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedCollective(t, db)

	require.NoError(t, db.InsertMessage(ctx, newMessage("old", "pm", models.PriorityNormal, t0, "old news")))
	require.NoError(t, db.InsertMessage(ctx, newMessage("new", "pm", models.PriorityNormal, t0.Add(40*24*time.Hour), "fresh")))

	n, err := db.ArchiveMessages(ctx, "c1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := db.SearchMessages(ctx, "c1", MessageQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)

	got, err = db.SearchMessages(ctx, "c1", MessageQuery{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	n, err = db.PurgeArchivedMessages(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = db.GetMessage(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err = db.SearchMessages(ctx, "c1", MessageQuery{Text: "old", IncludeArchived: true})
	require.NoError(t, err)
	assert.Empty(t, got, "purged messages must leave the search index")
}

func TestAuditEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i, typ := range []string{"message_failed", "deadlock_resolution_attempt", "message_failed"} {
		require.NoError(t, db.InsertAuditEvent(ctx, &models.AuditEvent{
			ID:           fmt.Sprintf("e%d", i),
			CollectiveID: "c1",
			Type:         typ,
			ActorID:      "system",
			ActorType:    models.ActorSystem,
			Timestamp:    t0.Add(time.Duration(i) * time.Second),
			Description:  typ,
			Metadata:     map[string]any{"n": i},
		}))
	}

	all, err := db.ListAuditEvents(ctx, "c1", AuditQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e0", all[0].ID)

	failed, err := db.ListAuditEvents(ctx, "c1", AuditQuery{Type: "message_failed"})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	latest, err := db.ListAuditEvents(ctx, "c1", AuditQuery{Limit: 2, Newest: true})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "e2", latest[0].ID)
	assert.Equal(t, "e1", latest[1].ID)
}
