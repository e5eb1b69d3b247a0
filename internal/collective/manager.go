// Package collective manages collective lifecycle and the agent roster.
//
// Collective status and agent status are single-field, last-writer-wins
// values. Status flips are rare and idempotent, so they are not locked.
package collective

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hivemind/internal/audit"
	"github.com/ShayCichocki/hivemind/internal/clock"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/internal/state"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

var (
	// ErrNotFound is returned when a collective or agent does not exist.
	ErrNotFound = state.ErrNotFound
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid collective status transition")
	// ErrInvalidCollective is returned when a collective fails validation.
	ErrInvalidCollective = errors.New("invalid collective")
)

var transitions = map[models.CollectiveStatus][]models.CollectiveStatus{
	models.CollectiveInitializing: {models.CollectiveRunning, models.CollectivePaused, models.CollectiveFailed},
	models.CollectiveRunning:      {models.CollectivePaused, models.CollectiveCompleted, models.CollectiveFailed},
	models.CollectivePaused:       {models.CollectiveRunning, models.CollectiveCompleted, models.CollectiveFailed},
}

// Store is the persistence the manager needs.
type Store interface {
	state.CollectiveStore
	state.AgentStore
}

// Manager owns collective lifecycle and roster writes.
type Manager struct {
	store    Store
	recorder *audit.Recorder
	clock    clock.Clock
	logger   *slog.Logger
}

// NewManager creates a manager. A nil clock uses the real clock.
func NewManager(store Store, recorder *audit.Recorder, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		store:    store,
		recorder: recorder,
		clock:    clk,
		logger:   logging.OrNop(logger).With("component", "collective"),
	}
}

// Create validates and stores a collective and its roster. The
// coordinator is added to the roster when missing.
func (m *Manager) Create(ctx context.Context, c *models.Collective) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidCollective)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.CollectiveInitializing
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCollective, c.Status)
	}
	if c.CoordinatorID == "" {
		c.CoordinatorID = models.SenderPM
	}

	now := m.clock.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	if c.Agent(c.CoordinatorID) == nil {
		c.Agents = append([]models.Agent{{ID: c.CoordinatorID, Name: "coordinator"}}, c.Agents...)
	}
	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.ID == "" {
			return fmt.Errorf("%w: agent id required", ErrInvalidCollective)
		}
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate agent %s", ErrInvalidCollective, a.ID)
		}
		if a.ID == models.SenderSystem || a.ID == models.SenderUser {
			return fmt.Errorf("%w: agent id %q is reserved", ErrInvalidCollective, a.ID)
		}
		seen[a.ID] = true
		a.CollectiveID = c.ID
		if a.Status == "" {
			a.Status = models.AgentIdle
		}
		if !a.Status.Valid() {
			return fmt.Errorf("%w: agent %s has unknown status %q", ErrInvalidCollective, a.ID, a.Status)
		}
		a.UpdatedAt = now
	}

	if err := m.store.CreateCollective(ctx, c); err != nil {
		return err
	}
	m.logger.Info("collective created", "collective", c.ID, "name", c.Name, "agents", len(c.Agents))
	return nil
}

// Get returns a collective with its roster.
func (m *Manager) Get(ctx context.Context, id string) (*models.Collective, error) {
	return m.store.GetCollective(ctx, id)
}

// List returns every collective.
func (m *Manager) List(ctx context.Context) ([]models.Collective, error) {
	return m.store.ListCollectives(ctx)
}

// Start moves a collective to RUNNING.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, models.CollectiveRunning, "started")
}

// Pause moves a collective to PAUSED. Pausing a paused collective is a no-op.
func (m *Manager) Pause(ctx context.Context, id, reason string) error {
	return m.setStatus(ctx, id, models.CollectivePaused, reason)
}

// Resume moves a paused collective back to RUNNING.
func (m *Manager) Resume(ctx context.Context, id string) error {
	c, err := m.store.GetCollective(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.CollectivePaused && c.Status != models.CollectiveRunning {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.Status)
	}
	return m.setStatus(ctx, id, models.CollectiveRunning, "resumed")
}

// Complete marks a collective COMPLETED.
func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, models.CollectiveCompleted, "completed")
}

// Fail marks a collective FAILED.
func (m *Manager) Fail(ctx context.Context, id, reason string) error {
	return m.setStatus(ctx, id, models.CollectiveFailed, reason)
}

func (m *Manager) setStatus(ctx context.Context, id string, to models.CollectiveStatus, reason string) error {
	c, err := m.store.GetCollective(ctx, id)
	if err != nil {
		return err
	}
	from := c.Status
	if from == to {
		return nil
	}
	if !slices.Contains(transitions[from], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if err := m.store.UpdateCollectiveStatus(ctx, id, to, m.clock.Now()); err != nil {
		return err
	}
	m.logger.Info("collective status changed", "collective", id, "from", string(from), "to", string(to), "reason", reason)

	if m.recorder == nil {
		return nil
	}
	_, err = m.recorder.Record(ctx, models.AuditEvent{
		CollectiveID: id,
		Type:         audit.TypeCollectiveStatusChanged,
		Description:  fmt.Sprintf("collective %s: %s -> %s", id, from, to),
		Metadata:     map[string]any{"from": string(from), "to": string(to), "reason": reason},
	})
	return err
}

// AddAgent adds or replaces a roster entry.
func (m *Manager) AddAgent(ctx context.Context, collectiveID string, a models.Agent) error {
	if a.ID == "" {
		return fmt.Errorf("%w: agent id required", ErrInvalidCollective)
	}
	if _, err := m.store.GetCollective(ctx, collectiveID); err != nil {
		return err
	}
	a.CollectiveID = collectiveID
	if a.Status == "" {
		a.Status = models.AgentIdle
	}
	a.UpdatedAt = m.clock.Now()
	return m.store.UpsertAgent(ctx, &a)
}

// SetAgentStatus records an agent's self-reported status. Only the owning
// executor and the resolver/selector write it.
func (m *Manager) SetAgentStatus(ctx context.Context, collectiveID, agentID string, status models.AgentStatus, currentTaskID string) error {
	if !status.Valid() {
		return fmt.Errorf("unknown agent status %q", status)
	}
	return m.store.UpdateAgentStatus(ctx, collectiveID, agentID, status, currentTaskID, m.clock.Now())
}

// IdleAgents returns idle roster agents other than the coordinator and the
// excluded ids.
func (m *Manager) IdleAgents(ctx context.Context, collectiveID string, exclude ...string) ([]models.Agent, error) {
	c, err := m.store.GetCollective(ctx, collectiveID)
	if err != nil {
		return nil, err
	}
	return c.IdleAgents(append(exclude, c.CoordinatorID)...), nil
}

// StaleAgents returns working agents whose roster entry has not changed
// for longer than maxAge.
func (m *Manager) StaleAgents(ctx context.Context, collectiveID string, maxAge time.Duration) ([]models.Agent, error) {
	agents, err := m.store.ListAgents(ctx, collectiveID)
	if err != nil {
		return nil, err
	}
	cutoff := m.clock.Now().Add(-maxAge)
	var stale []models.Agent
	for _, a := range agents {
		if a.Status == models.AgentWorking && a.UpdatedAt.Before(cutoff) {
			stale = append(stale, a)
		}
	}
	return stale, nil
}
