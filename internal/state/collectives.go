package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Collective CRUD operations

// CreateCollective inserts a collective together with its roster.
func (db *DB) CreateCollective(ctx context.Context, c *models.Collective) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO collectives (id, name, vision, coordinator_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.Name, c.Vision, c.CoordinatorID, string(c.Status), unixNano(c.CreatedAt), unixNano(c.UpdatedAt))
		if err != nil {
			return fmt.Errorf("create collective: %w", err)
		}
		for i := range c.Agents {
			a := &c.Agents[i]
			a.CollectiveID = c.ID
			if err := upsertAgent(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCollective retrieves a collective by ID, including its roster.
func (db *DB) GetCollective(ctx context.Context, id string) (*models.Collective, error) {
	row := db.QueryRow(ctx, `
		SELECT id, name, vision, coordinator_id, status, created_at, updated_at
		FROM collectives WHERE id = ?
	`, id)

	c, err := scanCollective(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collective %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get collective: %w", err)
	}

	agents, err := db.ListAgents(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Agents = agents
	return c, nil
}

// ListCollectives lists all collectives without their rosters.
func (db *DB) ListCollectives(ctx context.Context) ([]models.Collective, error) {
	rows, err := db.Query(ctx, `
		SELECT id, name, vision, coordinator_id, status, created_at, updated_at
		FROM collectives ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list collectives: %w", err)
	}
	defer rows.Close()

	var out []models.Collective
	for rows.Next() {
		c, err := scanCollective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collective: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCollectiveStatus sets the collective's status. Last writer wins.
func (db *DB) UpdateCollectiveStatus(ctx context.Context, id string, status models.CollectiveStatus, now time.Time) error {
	res, err := db.Exec(ctx, `
		UPDATE collectives SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), unixNano(now), id)
	if err != nil {
		return fmt.Errorf("update collective status: %w", err)
	}
	return requireAffected(res, "collective", id)
}

// Agent roster operations

// UpsertAgent inserts or replaces a roster entry.
func (db *DB) UpsertAgent(ctx context.Context, a *models.Agent) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		return upsertAgent(ctx, tx, a)
	})
}

func upsertAgent(ctx context.Context, tx *sql.Tx, a *models.Agent) error {
	status := a.Status
	if status == "" {
		status = models.AgentIdle
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, collective_id, name, capabilities, status, current_task_id, awaiting_response, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collective_id, id) DO UPDATE SET
			name = excluded.name,
			capabilities = excluded.capabilities,
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			awaiting_response = excluded.awaiting_response,
			updated_at = excluded.updated_at
	`, a.ID, a.CollectiveID, a.Name, encodeList(a.Capabilities), string(status),
		a.CurrentTaskID, boolInt(a.AwaitingResponse), unixNano(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent retrieves one roster entry.
func (db *DB) GetAgent(ctx context.Context, collectiveID, agentID string) (*models.Agent, error) {
	row := db.QueryRow(ctx, `
		SELECT id, collective_id, name, capabilities, status, current_task_id, awaiting_response, updated_at
		FROM agents WHERE collective_id = ? AND id = ?
	`, collectiveID, agentID)

	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents lists a collective's roster ordered by agent ID.
func (db *DB) ListAgents(ctx context.Context, collectiveID string) ([]models.Agent, error) {
	rows, err := db.Query(ctx, `
		SELECT id, collective_id, name, capabilities, status, current_task_id, awaiting_response, updated_at
		FROM agents WHERE collective_id = ? ORDER BY id
	`, collectiveID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus sets an agent's status and current task.
func (db *DB) UpdateAgentStatus(ctx context.Context, collectiveID, agentID string, status models.AgentStatus, currentTaskID string, now time.Time) error {
	res, err := db.Exec(ctx, `
		UPDATE agents SET status = ?, current_task_id = ?, updated_at = ?
		WHERE collective_id = ? AND id = ?
	`, string(status), currentTaskID, unixNano(now), collectiveID, agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return requireAffected(res, "agent", agentID)
}

// SetAgentAwaiting flags or clears the paused-awaiting-response condition.
func (db *DB) SetAgentAwaiting(ctx context.Context, collectiveID, agentID string, awaiting bool, now time.Time) error {
	res, err := db.Exec(ctx, `
		UPDATE agents SET awaiting_response = ?, updated_at = ?
		WHERE collective_id = ? AND id = ?
	`, boolInt(awaiting), unixNano(now), collectiveID, agentID)
	if err != nil {
		return fmt.Errorf("set agent awaiting: %w", err)
	}
	return requireAffected(res, "agent", agentID)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollective(s rowScanner) (*models.Collective, error) {
	var c models.Collective
	var status string
	var createdAt, updatedAt int64
	if err := s.Scan(&c.ID, &c.Name, &c.Vision, &c.CoordinatorID, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = models.CollectiveStatus(status)
	c.CreatedAt = fromUnixNano(createdAt)
	c.UpdatedAt = fromUnixNano(updatedAt)
	return &c, nil
}

func scanAgent(s rowScanner) (*models.Agent, error) {
	var a models.Agent
	var capabilities, status string
	var awaiting int
	var updatedAt int64
	if err := s.Scan(&a.ID, &a.CollectiveID, &a.Name, &capabilities, &status, &a.CurrentTaskID, &awaiting, &updatedAt); err != nil {
		return nil, err
	}
	a.Capabilities = decodeList(capabilities)
	a.Status = models.AgentStatus(status)
	a.AwaitingResponse = awaiting != 0
	a.UpdatedAt = fromUnixNano(updatedAt)
	return &a, nil
}

// requireAffected turns a zero-row update into ErrNotFound.
func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
