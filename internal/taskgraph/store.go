// Package taskgraph is the task graph store: the persistent hierarchy and
// dependency graph of a collective's work, with race-free claiming and
// blocker tracking layered over the state store.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hivemind/internal/clock"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/internal/state"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = state.ErrNotFound
	// ErrNotClaimable is returned when a claim names an agent the task does
	// not allow, or the task still waits on a dependency.
	ErrNotClaimable = state.ErrNotClaimable
	// ErrNotAssignee is returned when an agent starts a task it no longer holds.
	ErrNotAssignee = errors.New("task is assigned to another agent")
	// ErrInvalidTask is returned when a task fails validation on create.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidTransition is returned when a state change is not allowed.
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrTaskInProgress is returned when an operation would preempt running work.
	ErrTaskInProgress = errors.New("task is in progress")
	// ErrTreeViolation is returned when a parent/child edit would break the tree.
	ErrTreeViolation = errors.New("task hierarchy must remain a tree")
)

// transitions lists the states each state may move to through Transition.
// Claiming, blocking, unblocking and cancellation have dedicated operations.
var transitions = map[models.TaskState][]models.TaskState{
	models.TaskAssigned:   {models.TaskInProgress, models.TaskCompleted, models.TaskFailed},
	models.TaskInProgress: {models.TaskInProgress, models.TaskCompleted, models.TaskFailed},
	models.TaskCompleted:  {models.TaskCompleted},
	models.TaskFailed:     {models.TaskFailed},
}

// Store is the task graph store.
type Store struct {
	db     state.TaskStore
	clock  clock.Clock
	logger *slog.Logger
}

// NewStore creates a task graph store over db.
func NewStore(db state.TaskStore, clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		db:     db,
		clock:  clk,
		logger: logging.OrNop(logger).With("component", "taskgraph"),
	}
}

// Create validates and stores a new task. An empty ID is generated; an empty
// state becomes UNASSIGNED. When ParentID is set the parent gains the child.
func (s *Store) Create(ctx context.Context, t *models.Task) error {
	if t.CollectiveID == "" {
		return fmt.Errorf("%w: collective id required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: title required", ErrInvalidTask)
	}
	if !t.Level.Valid() {
		return fmt.Errorf("%w: level %d out of range", ErrInvalidTask, int(t.Level))
	}
	if t.State == "" {
		t.State = models.TaskUnassigned
	}
	if !t.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTask, t.State)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if slices.Contains(t.DependencyIDs, t.ID) {
		return fmt.Errorf("%w: task cannot depend on itself", ErrInvalidTask)
	}

	if t.ParentID != "" {
		parent, err := s.db.GetTask(ctx, t.ParentID)
		if err != nil {
			return fmt.Errorf("load parent: %w", err)
		}
		if parent.CollectiveID != t.CollectiveID {
			return fmt.Errorf("%w: parent %s belongs to another collective", ErrTreeViolation, parent.ID)
		}
	}

	now := s.clock.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if err := s.db.CreateTask(ctx, t); err != nil {
		return err
	}
	s.logger.Debug("task created", "task", t.ID, "level", t.Level.String(), "parent", t.ParentID)

	if t.ParentID != "" {
		if _, err := s.mutate(ctx, t.ParentID, func(p *models.Task) error {
			p.ChildIDs = addToSet(p.ChildIDs, t.ID)
			return nil
		}); err != nil {
			return fmt.Errorf("link child to parent: %w", err)
		}
	}
	return nil
}

// Get returns a task by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Task, error) {
	return s.db.GetTask(ctx, id)
}

// Update applies fn to the task inside one transaction and stamps UpdatedAt.
// fn must not change the task's identity or collective.
func (s *Store) Update(ctx context.Context, id string, fn func(t *models.Task) error) (*models.Task, error) {
	return s.mutate(ctx, id, func(t *models.Task) error {
		origID, origCollective := t.ID, t.CollectiveID
		if err := fn(t); err != nil {
			return err
		}
		if t.ID != origID || t.CollectiveID != origCollective {
			return fmt.Errorf("%w: id and collective are immutable", ErrInvalidTask)
		}
		return nil
	})
}

// List returns every task in a collective.
func (s *Store) List(ctx context.Context, collectiveID string) ([]models.Task, error) {
	return s.db.ListTasks(ctx, collectiveID)
}

// Children returns the direct children of a task.
func (s *Store) Children(ctx context.Context, taskID string) ([]models.Task, error) {
	return s.db.ListChildren(ctx, taskID)
}

// FindAvailable returns UNASSIGNED tasks that one of allowedAgentIDs may
// claim and whose dependencies are all COMPLETED. A dependency that does not
// exist counts as incomplete.
func (s *Store) FindAvailable(ctx context.Context, collectiveID string, allowedAgentIDs []string) ([]models.Task, error) {
	tasks, err := s.db.ListTasks(ctx, collectiveID)
	if err != nil {
		return nil, err
	}

	states := make(map[string]models.TaskState, len(tasks))
	for _, t := range tasks {
		states[t.ID] = t.State
	}

	var available []models.Task
	for _, t := range tasks {
		if t.State != models.TaskUnassigned || !t.AllowsAny(allowedAgentIDs) {
			continue
		}
		ready := true
		for _, dep := range t.DependencyIDs {
			if states[dep] != models.TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			available = append(available, t)
		}
	}
	return available, nil
}

// Assign claims an UNASSIGNED task for agentID with a compare-and-set.
// It returns (nil, nil) when another writer already claimed the task; the
// caller should move on to the next available task. The claim is refused
// with ErrNotClaimable when agentID is not allowed on the task or a
// dependency has not COMPLETED.
func (s *Store) Assign(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	ok, err := s.db.ClaimTask(ctx, taskID, agentID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Debug("claim lost", "task", taskID, "agent", agentID)
		return nil, nil
	}
	s.logger.Debug("task claimed", "task", taskID, "agent", agentID)
	return s.db.GetTask(ctx, taskID)
}

// AddDependency records that taskID waits on dependsOnID. Idempotent.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOnID string) (*models.Task, error) {
	if taskID == dependsOnID {
		return nil, fmt.Errorf("%w: task cannot depend on itself", ErrInvalidTask)
	}
	return s.mutate(ctx, taskID, func(t *models.Task) error {
		t.DependencyIDs = addToSet(t.DependencyIDs, dependsOnID)
		return nil
	})
}

// RemoveDependency drops a single dependency edge. Idempotent.
func (s *Store) RemoveDependency(ctx context.Context, taskID, dependsOnID string) (*models.Task, error) {
	return s.mutate(ctx, taskID, func(t *models.Task) error {
		t.DependencyIDs = removeFromSet(t.DependencyIDs, dependsOnID)
		return nil
	})
}

// AddBlocker records a blocker and moves a non-terminal task to BLOCKED.
// Idempotent. The assignee is kept so contention stays visible.
func (s *Store) AddBlocker(ctx context.Context, taskID, blockerID string) (*models.Task, error) {
	return s.mutate(ctx, taskID, func(t *models.Task) error {
		t.BlockerIDs = addToSet(t.BlockerIDs, blockerID)
		if !t.State.Terminal() {
			t.State = models.TaskBlocked
		}
		return nil
	})
}

// RemoveBlocker drops a blocker. When the last blocker of a BLOCKED task
// clears, the task returns to UNASSIGNED and must be claimed again.
func (s *Store) RemoveBlocker(ctx context.Context, taskID, blockerID string) (*models.Task, error) {
	return s.mutate(ctx, taskID, func(t *models.Task) error {
		t.BlockerIDs = removeFromSet(t.BlockerIDs, blockerID)
		if t.State == models.TaskBlocked && len(t.BlockerIDs) == 0 {
			t.State = models.TaskUnassigned
			t.AssignedAgentID = ""
		}
		return nil
	})
}

// AddChild links childID under parentID. Idempotent. Rejects a child that
// already has a different parent, or a parent that descends from the child.
func (s *Store) AddChild(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		return fmt.Errorf("%w: task cannot parent itself", ErrTreeViolation)
	}
	parent, err := s.db.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	child, err := s.db.GetTask(ctx, childID)
	if err != nil {
		return err
	}
	if parent.CollectiveID != child.CollectiveID {
		return fmt.Errorf("%w: tasks belong to different collectives", ErrTreeViolation)
	}
	if child.ParentID != "" && child.ParentID != parentID {
		return fmt.Errorf("%w: %s already has parent %s", ErrTreeViolation, childID, child.ParentID)
	}

	// Walk up from the parent; meeting the child means a cycle.
	seen := map[string]bool{}
	for cur := parent; cur.ParentID != ""; {
		if cur.ParentID == childID {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrTreeViolation, childID, parentID)
		}
		if seen[cur.ParentID] {
			break
		}
		seen[cur.ParentID] = true
		next, err := s.db.GetTask(ctx, cur.ParentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			return err
		}
		cur = next
	}

	if _, err := s.mutate(ctx, childID, func(t *models.Task) error {
		t.ParentID = parentID
		return nil
	}); err != nil {
		return err
	}
	_, err = s.mutate(ctx, parentID, func(t *models.Task) error {
		t.ChildIDs = addToSet(t.ChildIDs, childID)
		return nil
	})
	return err
}

// Transition moves a task along its lifecycle. Entering IN_PROGRESS stamps
// StartedAt if unset; COMPLETED and FAILED stamp their timestamp only if
// unset, so the first writer wins.
func (s *Store) Transition(ctx context.Context, taskID string, to models.TaskState) (*models.Task, error) {
	return s.transition(ctx, taskID, to, "")
}

// Start moves an ASSIGNED task to IN_PROGRESS.
func (s *Store) Start(ctx context.Context, taskID string) (*models.Task, error) {
	return s.transition(ctx, taskID, models.TaskInProgress, "")
}

// StartAs moves an ASSIGNED task to IN_PROGRESS only while agentID still
// holds it. A task reassigned in the meantime returns ErrNotAssignee.
func (s *Store) StartAs(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	return s.mutate(ctx, taskID, func(t *models.Task) error {
		if t.AssignedAgentID != agentID {
			return fmt.Errorf("start %s as %s: %w", taskID, agentID, ErrNotAssignee)
		}
		return s.apply(t, models.TaskInProgress, "")
	})
}

// Complete marks a task COMPLETED.
func (s *Store) Complete(ctx context.Context, taskID string) (*models.Task, error) {
	return s.transition(ctx, taskID, models.TaskCompleted, "")
}

// Fail marks a task FAILED and records the error message.
func (s *Store) Fail(ctx context.Context, taskID, errMsg string) (*models.Task, error) {
	return s.transition(ctx, taskID, models.TaskFailed, errMsg)
}

func (s *Store) transition(ctx context.Context, taskID string, to models.TaskState, errMsg string) (*models.Task, error) {
	return s.mutate(ctx, taskID, func(t *models.Task) error {
		return s.apply(t, to, errMsg)
	})
}

func (s *Store) apply(t *models.Task, to models.TaskState, errMsg string) error {
	if !slices.Contains(transitions[t.State], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}
	now := s.clock.Now()
	switch to {
	case models.TaskInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case models.TaskCompleted:
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
	case models.TaskFailed:
		if t.FailedAt == nil {
			t.FailedAt = &now
		}
		if errMsg != "" {
			t.LastError = errMsg
		}
	}
	t.State = to
	return nil
}

// ForceUnblock overrides a BLOCKED task straight to UNASSIGNED, discarding
// its blockers.
func (s *Store) ForceUnblock(ctx context.Context, taskID string) (*models.Task, error) {
	return s.mutate(ctx, taskID, func(t *models.Task) error {
		if t.State != models.TaskBlocked {
			return fmt.Errorf("%w: force unblock from %s", ErrInvalidTransition, t.State)
		}
		t.BlockerIDs = nil
		t.State = models.TaskUnassigned
		t.AssignedAgentID = ""
		return nil
	})
}

// Cancel withdraws a task from the graph. Cancellation is cooperative: it
// refuses IN_PROGRESS work rather than preempting it. Cancelling a cancelled
// task is a no-op. Dependents drop their edge onto the cancelled task, since
// it will never complete.
func (s *Store) Cancel(ctx context.Context, taskID, reason string) (*models.Task, error) {
	cancelled, err := s.mutate(ctx, taskID, func(t *models.Task) error {
		switch t.State {
		case models.TaskCancelled:
			return nil
		case models.TaskInProgress:
			return fmt.Errorf("cancel %s: %w", taskID, ErrTaskInProgress)
		case models.TaskCompleted:
			return fmt.Errorf("%w: cancel completed task", ErrInvalidTransition)
		}
		now := s.clock.Now()
		t.State = models.TaskCancelled
		t.CancelledAt = &now
		t.AssignedAgentID = ""
		if reason != "" {
			if t.Metadata == nil {
				t.Metadata = map[string]any{}
			}
			t.Metadata["cancel_reason"] = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.releaseDependents(ctx, cancelled); err != nil {
		return cancelled, err
	}
	return cancelled, nil
}

// releaseDependents removes the edges other tasks in the collective hold
// onto t.
func (s *Store) releaseDependents(ctx context.Context, t *models.Task) error {
	tasks, err := s.db.ListTasks(ctx, t.CollectiveID)
	if err != nil {
		return fmt.Errorf("list dependents of %s: %w", t.ID, err)
	}
	for _, dep := range tasks {
		if !dep.DependsOn(t.ID) {
			continue
		}
		if _, err := s.RemoveDependency(ctx, dep.ID, t.ID); err != nil {
			return fmt.Errorf("release %s from %s: %w", dep.ID, t.ID, err)
		}
		s.logger.Debug("dependency on cancelled task dropped", "task", dep.ID, "cancelled", t.ID)
	}
	return nil
}

// Reassign hands a task to agentID. The task becomes ASSIGNED, or stays
// BLOCKED if it still has blockers. Running and finished work is refused.
func (s *Store) Reassign(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	return s.mutate(ctx, taskID, func(t *models.Task) error {
		switch t.State {
		case models.TaskInProgress:
			return fmt.Errorf("reassign %s: %w", taskID, ErrTaskInProgress)
		case models.TaskCompleted, models.TaskCancelled:
			return fmt.Errorf("%w: reassign %s task", ErrInvalidTransition, t.State)
		}
		t.AssignedAgentID = agentID
		if len(t.BlockerIDs) > 0 {
			t.State = models.TaskBlocked
		} else {
			t.State = models.TaskAssigned
		}
		return nil
	})
}

// Reset returns a task to UNASSIGNED and clears its assignee so any allowed
// agent can claim it again. A task with blockers goes to BLOCKED instead.
func (s *Store) Reset(ctx context.Context, taskID string) (*models.Task, error) {
	return s.mutate(ctx, taskID, func(t *models.Task) error {
		if t.State == models.TaskCompleted || t.State == models.TaskCancelled {
			return fmt.Errorf("%w: reset %s task", ErrInvalidTransition, t.State)
		}
		t.AssignedAgentID = ""
		if len(t.BlockerIDs) > 0 {
			t.State = models.TaskBlocked
		} else {
			t.State = models.TaskUnassigned
		}
		return nil
	})
}

// mutate runs fn in a transaction and stamps UpdatedAt.
func (s *Store) mutate(ctx context.Context, id string, fn func(t *models.Task) error) (*models.Task, error) {
	return s.db.MutateTask(ctx, id, func(t *models.Task) error {
		if err := fn(t); err != nil {
			return err
		}
		t.UpdatedAt = s.clock.Now()
		return nil
	})
}

func addToSet(set []string, v string) []string {
	if slices.Contains(set, v) {
		return set
	}
	return append(set, v)
}

func removeFromSet(set []string, v string) []string {
	return slices.DeleteFunc(set, func(x string) bool { return x == v })
}
