// Package recovery decides how to recover from a failed task attempt. Six
// strategies are scored from an ordered modifier table and the winner's
// actions run against the task graph and the message channel.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ShayCichocki/hivemind/internal/audit"
	"github.com/ShayCichocki/hivemind/internal/clock"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/internal/messaging"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Task metadata keys written by recovery actions.
const (
	MetaRetryAfter          = "retry_after"
	MetaTimeoutMultiplier   = "timeout_multiplier"
	MetaResourceHint        = "resource_hint"
	MetaAwaitingRestructure = "awaiting_restructure"
	MetaRecoveryStrategy    = "recovery_strategy"
)

const maxTimeoutMultiplier = 8.0

// DefaultBackoff is the simple_retry delay table indexed by attempt count.
var DefaultBackoff = []time.Duration{
	5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second,
}

// ErrNotRecoverable is returned for tasks that are already finished.
var ErrNotRecoverable = errors.New("task is not recoverable")

// TaskOps is the task graph access the selector needs.
type TaskOps interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	Fail(ctx context.Context, taskID, errMsg string) (*models.Task, error)
	Reset(ctx context.Context, taskID string) (*models.Task, error)
	Reassign(ctx context.Context, taskID, agentID string) (*models.Task, error)
	Update(ctx context.Context, id string, fn func(t *models.Task) error) (*models.Task, error)
}

// Roster lists a collective's agents.
type Roster interface {
	ListAgents(ctx context.Context, collectiveID string) ([]models.Agent, error)
}

// Notifier sends coordination messages.
type Notifier interface {
	Coordinator(ctx context.Context, collectiveID string) (string, error)
	Send(ctx context.Context, collectiveID, from, to, content string, opts messaging.SendOptions) (string, error)
	Directive(ctx context.Context, collectiveID, to, content string, opts messaging.SendOptions) (string, error)
	BroadcastUpdate(ctx context.Context, collectiveID, from, content string, metadata map[string]any) ([]string, error)
}

// Decision is the outcome of handling one failure.
type Decision struct {
	TaskID   string   `json:"task_id"`
	Strategy Strategy `json:"strategy"`
	Scores   []Score  `json:"scores"`
	// Delay is how long to wait before the task is retried.
	Delay time.Duration `json:"delay,omitempty"`
	// AgentID is the new assignee for change_agent.
	AgentID string `json:"agent_id,omitempty"`
	// Hints are the add_context hints that were forwarded.
	Hints     []string `json:"hints,omitempty"`
	Rationale string   `json:"rationale"`
}

// Selector picks and executes a recovery strategy for failed tasks.
type Selector struct {
	tasks    TaskOps
	roster   Roster
	notifier Notifier
	recorder *audit.Recorder
	clock    clock.Clock
	backoff  []time.Duration
	logger   *slog.Logger
}

// NewSelector creates a selector. A nil clock uses the real clock.
func NewSelector(tasks TaskOps, roster Roster, notifier Notifier, recorder *audit.Recorder, clk clock.Clock, logger *slog.Logger) *Selector {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Selector{
		tasks:    tasks,
		roster:   roster,
		notifier: notifier,
		recorder: recorder,
		clock:    clk,
		backoff:  DefaultBackoff,
		logger:   logging.OrNop(logger).With("component", "recovery"),
	}
}

// SetBackoff replaces the simple_retry delay table. An empty table is ignored.
func (s *Selector) SetBackoff(b []time.Duration) {
	if len(b) > 0 {
		s.backoff = b
	}
}

// Backoff returns the simple_retry delay for an attempt count, capped at the
// last entry.
func (s *Selector) Backoff(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	if attemptCount >= len(s.backoff) {
		attemptCount = len(s.backoff) - 1
	}
	return s.backoff[attemptCount]
}

// Handle records the failure, scores the strategies, executes the winner
// and informs the collective.
func (s *Selector) Handle(ctx context.Context, collectiveID, taskID string, taskErr TaskError) (Decision, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return Decision{}, err
	}
	if task.CollectiveID != collectiveID {
		return Decision{}, fmt.Errorf("task %s does not belong to collective %s", taskID, collectiveID)
	}
	switch task.State {
	case models.TaskCompleted, models.TaskCancelled:
		return Decision{}, fmt.Errorf("%w: %s is %s", ErrNotRecoverable, taskID, task.State)
	case models.TaskAssigned, models.TaskInProgress:
		if task, err = s.tasks.Fail(ctx, taskID, taskErr.Message); err != nil {
			return Decision{}, fmt.Errorf("record failure: %w", err)
		}
	}

	coordinator, err := s.notifier.Coordinator(ctx, collectiveID)
	if err != nil {
		return Decision{}, err
	}
	idle, err := s.idleAgents(ctx, collectiveID, coordinator, task.AssignedAgentID)
	if err != nil {
		return Decision{}, err
	}

	dc := DecisionContext{Task: *task.Clone(), Error: taskErr, HasIdleAgent: len(idle) > 0}
	scores := ScoreAll(dc)
	best := Best(scores)
	d := Decision{TaskID: taskID, Strategy: best.Strategy, Scores: scores, Rationale: rationale(best, taskErr)}
	s.logger.Info("recovery strategy selected", "collective", collectiveID, "task", taskID,
		"strategy", string(best.Strategy), "score", best.Score, "attempts", taskErr.AttemptCount)

	if err := s.execute(ctx, collectiveID, coordinator, task, taskErr, idle, &d); err != nil {
		return d, fmt.Errorf("%s: %w", d.Strategy, err)
	}

	if _, err := s.notifier.BroadcastUpdate(ctx, collectiveID, models.SenderSystem,
		fmt.Sprintf("Recovery for task %s: %s. %s", taskID, d.Strategy, d.Rationale),
		map[string]any{"task_id": taskID, "strategy": string(d.Strategy)}); err != nil {
		return d, fmt.Errorf("broadcast decision: %w", err)
	}

	scoreMeta := make(map[string]any, len(scores))
	for _, sc := range scores {
		scoreMeta[string(sc.Strategy)] = sc.Score
	}
	if _, err := s.recorder.Record(ctx, models.AuditEvent{
		CollectiveID: collectiveID,
		Type:         audit.TypeRetryStrategySelected,
		Description:  fmt.Sprintf("task %s: %s", taskID, d.Rationale),
		Metadata: map[string]any{
			"task_id":       taskID,
			"strategy":      string(d.Strategy),
			"scores":        scoreMeta,
			"error_type":    taskErr.Type,
			"attempt_count": taskErr.AttemptCount,
			"delay_ms":      d.Delay.Milliseconds(),
			"agent_id":      d.AgentID,
		},
	}); err != nil {
		return d, fmt.Errorf("audit decision: %w", err)
	}
	return d, nil
}

func (s *Selector) execute(ctx context.Context, collectiveID, coordinator string, task *models.Task, taskErr TaskError, idle []string, d *Decision) error {
	switch d.Strategy {
	case StrategySimpleRetry:
		d.Delay = s.Backoff(taskErr.AttemptCount)
		retryAt := s.clock.Now().Add(d.Delay)
		if err := s.annotate(ctx, task.ID, d.Strategy, func(m map[string]any) {
			m[MetaRetryAfter] = retryAt.Format(time.RFC3339Nano)
		}); err != nil {
			return err
		}
		return s.reset(ctx, task.ID)

	case StrategyDecompose, StrategySimplify:
		ask := "Decompose task %s (%q) into smaller tasks; it failed after %d attempts: %s"
		if d.Strategy == StrategySimplify {
			ask = "Reduce the scope of task %s (%q); it failed after %d attempts: %s"
		}
		if err := s.annotate(ctx, task.ID, d.Strategy, func(m map[string]any) {
			m[MetaAwaitingRestructure] = true
		}); err != nil {
			return err
		}
		_, err := s.notifier.Send(ctx, collectiveID, models.SenderSystem, coordinator,
			fmt.Sprintf(ask, task.ID, task.Title, taskErr.AttemptCount+1, taskErr.Message),
			messaging.SendOptions{
				Type:     models.MessageCoordination,
				Priority: models.PriorityHigh,
				TaskID:   task.ID,
				Metadata: map[string]any{"action": string(d.Strategy)},
			})
		return err

	case StrategyAdjustParameters:
		if err := s.annotate(ctx, task.ID, d.Strategy, func(m map[string]any) {
			if strings.Contains(strings.ToLower(taskErr.Type), "timeout") {
				mult := 1.0
				if v, ok := m[MetaTimeoutMultiplier].(float64); ok && v > 0 {
					mult = v
				}
				m[MetaTimeoutMultiplier] = min(mult*2, maxTimeoutMultiplier)
			}
			t := strings.ToLower(taskErr.Type)
			if strings.Contains(t, "resource") || strings.Contains(t, "memory") {
				m[MetaResourceHint] = "increase"
			}
		}); err != nil {
			return err
		}
		return s.reset(ctx, task.ID)

	case StrategyChangeAgent:
		if len(idle) == 0 {
			return s.reset(ctx, task.ID)
		}
		d.AgentID = idle[0]
		if err := s.annotate(ctx, task.ID, d.Strategy, nil); err != nil {
			return err
		}
		_, err := s.tasks.Reassign(ctx, task.ID, d.AgentID)
		return err

	case StrategyAddContext:
		d.Hints = BuildHints(taskErr)
		content := fmt.Sprintf("Task %s failed: %s\nHints:\n- %s", task.ID, taskErr.Message, strings.Join(d.Hints, "\n- "))
		opts := messaging.SendOptions{TaskID: task.ID, Metadata: map[string]any{"hints": d.Hints}}
		var err error
		if task.AssignedAgentID != "" && task.AssignedAgentID != coordinator {
			_, err = s.notifier.Directive(ctx, collectiveID, task.AssignedAgentID, content, opts)
		} else {
			opts.Type = models.MessageDirective
			opts.Priority = models.PriorityHigh
			_, err = s.notifier.Send(ctx, collectiveID, models.SenderSystem, coordinator, content, opts)
		}
		if err != nil {
			return err
		}
		if err := s.annotate(ctx, task.ID, d.Strategy, nil); err != nil {
			return err
		}
		return s.reset(ctx, task.ID)
	}
	return fmt.Errorf("unknown strategy %q", d.Strategy)
}

func (s *Selector) annotate(ctx context.Context, taskID string, strategy Strategy, fn func(m map[string]any)) error {
	_, err := s.tasks.Update(ctx, taskID, func(t *models.Task) error {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata[MetaRecoveryStrategy] = string(strategy)
		if fn != nil {
			fn(t.Metadata)
		}
		return nil
	})
	return err
}

func (s *Selector) reset(ctx context.Context, taskID string) error {
	_, err := s.tasks.Reset(ctx, taskID)
	return err
}

func (s *Selector) idleAgents(ctx context.Context, collectiveID, coordinator, current string) ([]string, error) {
	agents, err := s.roster.ListAgents(ctx, collectiveID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	var idle []string
	for _, a := range agents {
		if a.Status == models.AgentIdle && a.ID != coordinator && a.ID != current {
			idle = append(idle, a.ID)
		}
	}
	return idle, nil
}

// RetryAfter returns the earliest time a simple_retry allows the task to be
// claimed again.
func RetryAfter(t *models.Task) (time.Time, bool) {
	v, ok := t.Metadata[MetaRetryAfter].(string)
	if !ok {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

func rationale(best Score, e TaskError) string {
	why := "base weight"
	if len(best.Reasons) > 0 {
		why = strings.Join(best.Reasons, ", ")
	}
	return fmt.Sprintf("%s scored %d (%s) for %q after %d attempts", best.Strategy, best.Score, why, e.Type, e.AttemptCount)
}
