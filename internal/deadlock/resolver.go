package deadlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ShayCichocki/hivemind/internal/audit"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/internal/messaging"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Strategy names a corrective action.
type Strategy string

const (
	StrategyCancelTask       Strategy = "cancel_task"
	StrategyRemoveDependency Strategy = "remove_dependency"
	StrategyReassignTask     Strategy = "reassign_task"
	StrategyForceUnblock     Strategy = "force_unblock"
	StrategyEscalate         Strategy = "escalate"
)

// Resolver defaults.
const (
	DefaultMaxAttempts         = 3
	DefaultMaxChildrenToCancel = 5
)

// CycleDetector finds cycles. *Detector implements it.
type CycleDetector interface {
	Detect(ctx context.Context, collectiveID string) ([]models.DeadlockInfo, error)
}

// TaskMutator is the task graph access the resolver needs.
type TaskMutator interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	Cancel(ctx context.Context, taskID, reason string) (*models.Task, error)
	RemoveDependency(ctx context.Context, taskID, dependsOnID string) (*models.Task, error)
	Reassign(ctx context.Context, taskID, agentID string) (*models.Task, error)
	ForceUnblock(ctx context.Context, taskID string) (*models.Task, error)
}

// Roster lists a collective's agents.
type Roster interface {
	ListAgents(ctx context.Context, collectiveID string) ([]models.Agent, error)
}

// Notifier sends coordination messages.
type Notifier interface {
	Coordinator(ctx context.Context, collectiveID string) (string, error)
	Send(ctx context.Context, collectiveID, from, to, content string, opts messaging.SendOptions) (string, error)
	Escalate(ctx context.Context, collectiveID, from, to, content, taskID string, metadata map[string]any) (string, error)
}

// Pauser pauses a collective.
type Pauser interface {
	Pause(ctx context.Context, collectiveID, reason string) error
}

// RequiredConfig holds the collaborators a Resolver cannot run without.
type RequiredConfig struct {
	Detector CycleDetector
	Tasks    TaskMutator
	Roster   Roster
	Notifier Notifier
	Pauser   Pauser
	Recorder *audit.Recorder
}

// Option configures a Resolver.
type Option func(*resolverOptions)

type resolverOptions struct {
	counters            CounterStore
	maxAttempts         int
	maxChildrenToCancel int
	logger              *slog.Logger
}

// WithCounterStore sets where attempt counters live.
func WithCounterStore(s CounterStore) Option {
	return func(o *resolverOptions) { o.counters = s }
}

// WithMaxAttempts sets how many automatic attempts a cycle gets before
// escalation.
func WithMaxAttempts(n int) Option {
	return func(o *resolverOptions) { o.maxAttempts = n }
}

// WithMaxChildrenToCancel sets the child count above which cancel_task is
// not applied.
func WithMaxChildrenToCancel(n int) Option {
	return func(o *resolverOptions) { o.maxChildrenToCancel = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *resolverOptions) { o.logger = l }
}

// Resolution reports one resolution attempt.
type Resolution struct {
	Deadlock models.DeadlockInfo `json:"deadlock"`
	Strategy Strategy            `json:"strategy"`
	// Attempt is the cycle's attempt counter after this attempt.
	Attempt int `json:"attempt"`
	// TaskID is the task the strategy acted on, if any.
	TaskID string `json:"task_id,omitempty"`
	// Resolved is true when the cycle was gone on re-detection.
	Resolved bool `json:"resolved"`
	// Escalated is true when a human was asked to intervene.
	Escalated bool   `json:"escalated"`
	Detail    string `json:"detail,omitempty"`
}

// Resolver breaks deadlocks with a fixed-order policy.
type Resolver struct {
	detector CycleDetector
	tasks    TaskMutator
	roster   Roster
	notifier Notifier
	pauser   Pauser
	recorder *audit.Recorder
	counters CounterStore
	rules    []rule

	maxAttempts         int
	maxChildrenToCancel int
	logger              *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg RequiredConfig, opts ...Option) (*Resolver, error) {
	switch {
	case cfg.Detector == nil:
		return nil, errors.New("detector is required")
	case cfg.Tasks == nil:
		return nil, errors.New("task mutator is required")
	case cfg.Roster == nil:
		return nil, errors.New("roster is required")
	case cfg.Notifier == nil:
		return nil, errors.New("notifier is required")
	case cfg.Pauser == nil:
		return nil, errors.New("pauser is required")
	case cfg.Recorder == nil:
		return nil, errors.New("audit recorder is required")
	}

	o := resolverOptions{
		maxAttempts:         DefaultMaxAttempts,
		maxChildrenToCancel: DefaultMaxChildrenToCancel,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.counters == nil {
		o.counters = NewMemoryCounterStore()
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = DefaultMaxAttempts
	}
	if o.maxChildrenToCancel < 0 {
		o.maxChildrenToCancel = DefaultMaxChildrenToCancel
	}

	return &Resolver{
		detector:            cfg.Detector,
		tasks:               cfg.Tasks,
		roster:              cfg.Roster,
		notifier:            cfg.Notifier,
		pauser:              cfg.Pauser,
		recorder:            cfg.Recorder,
		counters:            o.counters,
		rules:               defaultRules(),
		maxAttempts:         o.maxAttempts,
		maxChildrenToCancel: o.maxChildrenToCancel,
		logger:              logging.OrNop(o.logger).With("component", "resolver"),
	}, nil
}

// ResolveAll detects the collective's cycles and attempts to resolve each
// one that is still present. It stops after an escalation, since the
// collective is paused.
func (r *Resolver) ResolveAll(ctx context.Context, collectiveID string) ([]Resolution, error) {
	cycles, err := r.detector.Detect(ctx, collectiveID)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if len(cycles) == 0 {
		return nil, nil
	}

	for _, d := range cycles {
		if _, err := r.recorder.Record(ctx, models.AuditEvent{
			CollectiveID: collectiveID,
			Type:         audit.TypeDeadlockDetected,
			Description:  "deadlock detected: " + strings.Join(d.TaskIDs, " -> "),
			Metadata:     cycleMetadata(d),
		}); err != nil {
			return nil, fmt.Errorf("audit detection: %w", err)
		}
	}

	current := cycles
	var results []Resolution
	for _, d := range cycles {
		if !containsCycle(current, d.Identity()) {
			continue
		}
		res, after, err := r.resolve(ctx, collectiveID, d)
		results = append(results, res)
		if err != nil {
			return results, err
		}
		if res.Escalated {
			break
		}
		current = after
	}
	return results, nil
}

// Resolve makes one resolution attempt on a single cycle.
func (r *Resolver) Resolve(ctx context.Context, collectiveID string, d models.DeadlockInfo) (Resolution, error) {
	res, _, err := r.resolve(ctx, collectiveID, d)
	return res, err
}

// Attempts returns the attempt counter of a cycle.
func (r *Resolver) Attempts(ctx context.Context, collectiveID string, d models.DeadlockInfo) (int, error) {
	return r.counters.Get(ctx, counterKey(collectiveID, d))
}

func (r *Resolver) resolve(ctx context.Context, collectiveID string, d models.DeadlockInfo) (Resolution, []models.DeadlockInfo, error) {
	key := counterKey(collectiveID, d)
	attempt, err := r.counters.Increment(ctx, key)
	if err != nil {
		return Resolution{Deadlock: d}, nil, fmt.Errorf("count attempt: %w", err)
	}
	res := Resolution{Deadlock: d, Attempt: attempt}
	logger := r.logger.With("collective", collectiveID, "cycle", d.Identity(), "attempt", attempt)

	var p plan
	if attempt > r.maxAttempts {
		p = plan{strategy: StrategyEscalate, detail: fmt.Sprintf("cycle unresolved after %d attempts", r.maxAttempts)}
	} else {
		cc, err := r.buildContext(ctx, collectiveID, d)
		if err != nil {
			return res, nil, err
		}
		p = r.choose(cc)
	}
	res.Strategy = p.strategy
	res.TaskID = p.taskID
	res.Detail = p.detail
	logger.Info("resolving deadlock", "strategy", string(p.strategy), "task", p.taskID)

	execErr := r.execute(ctx, collectiveID, d, p)
	if p.strategy == StrategyEscalate && execErr == nil {
		res.Escalated = true
	}

	var after []models.DeadlockInfo
	if execErr == nil {
		after, err = r.detector.Detect(ctx, collectiveID)
		if err != nil {
			execErr = fmt.Errorf("re-detect: %w", err)
		} else if !containsCycle(after, d.Identity()) {
			res.Resolved = true
			if err := r.counters.Reset(ctx, key); err != nil {
				execErr = fmt.Errorf("reset counter: %w", err)
			}
		}
	}

	outcome := "unresolved"
	switch {
	case execErr != nil:
		outcome = "error"
	case res.Resolved:
		outcome = "resolved"
	case res.Escalated:
		outcome = "escalated"
	}
	meta := cycleMetadata(d)
	meta["strategy"] = string(p.strategy)
	meta["attempt"] = attempt
	meta["outcome"] = outcome
	if p.taskID != "" {
		meta["task_id"] = p.taskID
	}
	if execErr != nil {
		meta["error"] = execErr.Error()
	}
	if _, err := r.recorder.Record(ctx, models.AuditEvent{
		CollectiveID: collectiveID,
		Type:         audit.TypeDeadlockResolutionAttempt,
		Description:  fmt.Sprintf("%s on cycle %s: %s", p.strategy, d.Identity(), outcome),
		Metadata:     meta,
	}); err != nil {
		execErr = errors.Join(execErr, fmt.Errorf("audit attempt: %w", err))
	}

	if execErr != nil {
		logger.Error("deadlock resolution failed", "strategy", string(p.strategy), "error", execErr)
		return res, after, execErr
	}
	logger.Info("deadlock resolution attempt finished", "strategy", string(p.strategy), "outcome", outcome)
	return res, after, nil
}

func (r *Resolver) buildContext(ctx context.Context, collectiveID string, d models.DeadlockInfo) (cycleContext, error) {
	cc := cycleContext{info: d, maxChildren: r.maxChildrenToCancel}
	for _, id := range d.TaskIDs {
		t, err := r.tasks.Get(ctx, id)
		if err != nil {
			return cc, fmt.Errorf("load cycle task %s: %w", id, err)
		}
		cc.tasks = append(cc.tasks, t)
	}

	agents, err := r.roster.ListAgents(ctx, collectiveID)
	if err != nil {
		return cc, fmt.Errorf("load roster: %w", err)
	}
	coordinator, err := r.notifier.Coordinator(ctx, collectiveID)
	if err != nil {
		return cc, err
	}
	for _, a := range agents {
		if a.Status == models.AgentIdle && a.ID != coordinator && !slices.Contains(d.AgentIDs, a.ID) {
			cc.idle = append(cc.idle, a.ID)
		}
	}
	return cc, nil
}

func (r *Resolver) choose(cc cycleContext) plan {
	for _, rl := range r.rules {
		if p, ok := rl.plan(cc); ok {
			p.strategy = rl.strategy
			return p
		}
	}
	return plan{strategy: StrategyEscalate, detail: "no automatic strategy applies"}
}

func (r *Resolver) execute(ctx context.Context, collectiveID string, d models.DeadlockInfo, p plan) error {
	reason := fmt.Sprintf("deadlock resolution (%s) for cycle %s", p.strategy, strings.Join(d.TaskIDs, " -> "))

	var err error
	switch p.strategy {
	case StrategyCancelTask:
		_, err = r.tasks.Cancel(ctx, p.taskID, reason)
	case StrategyRemoveDependency:
		_, err = r.tasks.RemoveDependency(ctx, p.taskID, p.targetID)
	case StrategyReassignTask:
		_, err = r.tasks.Reassign(ctx, p.taskID, p.agentID)
	case StrategyForceUnblock:
		_, err = r.tasks.ForceUnblock(ctx, p.taskID)
	case StrategyEscalate:
		return r.escalate(ctx, collectiveID, d, p)
	default:
		return fmt.Errorf("unknown strategy %q", p.strategy)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", p.strategy, p.taskID, err)
	}

	if p.strategy == StrategyForceUnblock {
		return nil
	}
	coordinator, err := r.notifier.Coordinator(ctx, collectiveID)
	if err != nil {
		return err
	}
	_, err = r.notifier.Send(ctx, collectiveID, models.SenderSystem, coordinator,
		fmt.Sprintf("%s: %s", reason, p.detail), messaging.SendOptions{
			Type:     models.MessageStatusUpdate,
			Priority: models.PriorityHigh,
			TaskID:   p.taskID,
			Metadata: map[string]any{"strategy": string(p.strategy), "cycle": d.Identity()},
		})
	if err != nil {
		return fmt.Errorf("notify coordinator: %w", err)
	}
	return nil
}

func (r *Resolver) escalate(ctx context.Context, collectiveID string, d models.DeadlockInfo, p plan) error {
	content := fmt.Sprintf("Deadlock needs human attention: %s (%s). Agents: %s.",
		strings.Join(d.TaskIDs, " -> "), p.detail, strings.Join(d.AgentIDs, ", "))
	if _, err := r.notifier.Escalate(ctx, collectiveID, models.SenderSystem, models.SenderUser,
		content, "", cycleMetadata(d)); err != nil {
		return fmt.Errorf("escalate: %w", err)
	}
	if err := r.pauser.Pause(ctx, collectiveID, "unresolved deadlock "+d.Identity()); err != nil {
		return fmt.Errorf("pause collective: %w", err)
	}
	if _, err := r.recorder.Record(ctx, models.AuditEvent{
		CollectiveID: collectiveID,
		Type:         audit.TypeDeadlockEscalated,
		Description:  "deadlock escalated to a human and collective paused",
		Metadata:     cycleMetadata(d),
	}); err != nil {
		return fmt.Errorf("audit escalation: %w", err)
	}
	r.logger.Warn("deadlock escalated", "collective", collectiveID, "cycle", d.Identity())
	return nil
}

func counterKey(collectiveID string, d models.DeadlockInfo) string {
	return collectiveID + "|" + d.Identity()
}

func containsCycle(cycles []models.DeadlockInfo, identity string) bool {
	for _, c := range cycles {
		if c.Identity() == identity {
			return true
		}
	}
	return false
}

func cycleMetadata(d models.DeadlockInfo) map[string]any {
	return map[string]any{
		"task_ids":  slices.Clone(d.TaskIDs),
		"agent_ids": slices.Clone(d.AgentIDs),
		"identity":  d.Identity(),
	}
}
