package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

const taskColumns = `id, collective_id, parent_id, child_ids, level, title, description, category, state,
	assigned_agent_id, allowed_agent_ids, dependency_ids, blocker_ids, conversation_id, last_error,
	metadata, created_at, updated_at, started_at, completed_at, failed_at, cancelled_at`

// Task CRUD operations

// CreateTask creates a new task.
func (db *DB) CreateTask(ctx context.Context, t *models.Task) error {
	meta, err := encodeMap(t.Metadata)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.CollectiveID, t.ParentID, encodeList(t.ChildIDs), int(t.Level), t.Title, t.Description,
		t.Category, string(t.State), t.AssignedAgentID, encodeList(t.AllowedAgentIDs),
		encodeList(t.DependencyIDs), encodeList(t.BlockerIDs), t.ConversationID, t.LastError, meta,
		unixNano(t.CreatedAt), unixNano(t.UpdatedAt), nullableTime(t.StartedAt),
		nullableTime(t.CompletedAt), nullableTime(t.FailedAt), nullableTime(t.CancelledAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks lists every task in a collective ordered by level, then creation.
func (db *DB) ListTasks(ctx context.Context, collectiveID string) ([]models.Task, error) {
	rows, err := db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE collective_id = ?
		ORDER BY level, created_at, id
	`, collectiveID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByState lists a collective's tasks that are in any of the given states.
func (db *DB) ListTasksByState(ctx context.Context, collectiveID string, states ...models.TaskState) ([]models.Task, error) {
	if len(states) == 0 {
		return db.ListTasks(ctx, collectiveID)
	}
	args := []any{collectiveID}
	for _, s := range states {
		args = append(args, string(s))
	}
	rows, err := db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE collective_id = ? AND state IN (`+placeholders(len(states))+`)
		ORDER BY level, created_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks by state: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListChildren lists all tasks with a given parent.
func (db *DB) ListChildren(ctx context.Context, parentID string) ([]models.Task, error) {
	rows, err := db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at, id
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ClaimTask atomically moves an unassigned task to assigned.
// It returns false when the task was not unassigned at the time of the update,
// which is how a losing writer in a claim race finds out. A task the agent is
// not allowed on, or one with a dependency that has not COMPLETED, is refused
// with ErrNotClaimable.
func (db *DB) ClaimTask(ctx context.Context, id, agentID string, now time.Time) (bool, error) {
	claimed := false
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		if t.State != models.TaskUnassigned {
			return nil
		}
		if !t.AllowsAny([]string{agentID}) {
			return fmt.Errorf("%w: agent %s is not allowed on %s", ErrNotClaimable, agentID, id)
		}
		pending, err := incompleteDependencies(ctx, tx, t.DependencyIDs)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return fmt.Errorf("%w: %s waits on %s", ErrNotClaimable, id, strings.Join(pending, ", "))
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, assigned_agent_id = ?, updated_at = ?
			WHERE id = ? AND state = ?
		`, string(models.TaskAssigned), agentID, unixNano(now), id, string(models.TaskUnassigned))
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim task rows affected: %w", err)
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// incompleteDependencies returns the dependency ids that are missing or not
// COMPLETED, in the order given.
func incompleteDependencies(ctx context.Context, tx *sql.Tx, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, state FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	defer rows.Close()
	done := make(map[string]bool, len(ids))
	for rows.Next() {
		var depID, st string
		if err := rows.Scan(&depID, &st); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		done[depID] = models.TaskState(st) == models.TaskCompleted
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var pending []string
	for _, id := range ids {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// MutateTask applies fn to the current task row and writes the result back
// inside one transaction. If fn returns an error nothing is written.
func (db *DB) MutateTask(ctx context.Context, id string, fn func(t *models.Task) error) (*models.Task, error) {
	var out *models.Task
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		if err := fn(t); err != nil {
			return err
		}
		if err := updateTask(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func updateTask(ctx context.Context, tx *sql.Tx, t *models.Task) error {
	meta, err := encodeMap(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET parent_id = ?, child_ids = ?, level = ?, title = ?, description = ?, category = ?,
			state = ?, assigned_agent_id = ?, allowed_agent_ids = ?, dependency_ids = ?, blocker_ids = ?,
			conversation_id = ?, last_error = ?, metadata = ?, updated_at = ?, started_at = ?,
			completed_at = ?, failed_at = ?, cancelled_at = ?
		WHERE id = ?
	`, t.ParentID, encodeList(t.ChildIDs), int(t.Level), t.Title, t.Description, t.Category,
		string(t.State), t.AssignedAgentID, encodeList(t.AllowedAgentIDs), encodeList(t.DependencyIDs),
		encodeList(t.BlockerIDs), t.ConversationID, t.LastError, meta, unixNano(t.UpdatedAt),
		nullableTime(t.StartedAt), nullableTime(t.CompletedAt), nullableTime(t.FailedAt),
		nullableTime(t.CancelledAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// scanTasks scans task rows into a slice.
func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(s rowScanner) (*models.Task, error) {
	var t models.Task
	var level int
	var state, childIDs, allowed, deps, blockers, meta string
	var createdAt, updatedAt int64
	var startedAt, completedAt, failedAt, cancelledAt sql.NullInt64
	err := s.Scan(&t.ID, &t.CollectiveID, &t.ParentID, &childIDs, &level, &t.Title, &t.Description,
		&t.Category, &state, &t.AssignedAgentID, &allowed, &deps, &blockers, &t.ConversationID,
		&t.LastError, &meta, &createdAt, &updatedAt, &startedAt, &completedAt, &failedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	t.Level = models.TaskLevel(level)
	t.State = models.TaskState(state)
	t.ChildIDs = decodeList(childIDs)
	t.AllowedAgentIDs = decodeList(allowed)
	t.DependencyIDs = decodeList(deps)
	t.BlockerIDs = decodeList(blockers)
	t.Metadata = decodeMap(meta)
	t.CreatedAt = fromUnixNano(createdAt)
	t.UpdatedAt = fromUnixNano(updatedAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	t.FailedAt = parseNullableTime(failedAt)
	t.CancelledAt = parseNullableTime(cancelledAt)
	return &t, nil
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
