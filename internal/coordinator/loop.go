// Package coordinator is the reference coordinating loop of a collective. It
// sweeps message timeouts, runs deadlock resolution passes, feeds failed task
// attempts to the recovery selector and, given a TaskExecutor, dispatches
// available tasks to idle agents.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ShayCichocki/hivemind/internal/audit"
	"github.com/ShayCichocki/hivemind/internal/clock"
	"github.com/ShayCichocki/hivemind/internal/deadlock"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/internal/recovery"
	"github.com/ShayCichocki/hivemind/internal/taskgraph"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// TaskExecutor runs a claimed task on behalf of an agent. A nil error means
// the task is complete.
type TaskExecutor interface {
	Execute(ctx context.Context, task *models.Task, agentID string) error
}

// ExecutionError lets an executor classify a failure for the recovery
// selector.
type ExecutionError struct {
	Type string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Failure is a failed task attempt waiting for recovery.
type Failure struct {
	TaskID string
	Error  recovery.TaskError
}

// Sweeper is the message channel maintenance the loop drives.
type Sweeper interface {
	SweepTimeouts(ctx context.Context, collectiveID string) (int, error)
	ExpireStale(ctx context.Context, collectiveID string) (int, error)
	Archive(ctx context.Context, collectiveID string, olderThan time.Duration) (int64, error)
}

// DeadlockResolver runs one detection and resolution pass.
type DeadlockResolver interface {
	ResolveAll(ctx context.Context, collectiveID string) ([]deadlock.Resolution, error)
}

// FailureHandler chooses and applies a recovery strategy.
type FailureHandler interface {
	Handle(ctx context.Context, collectiveID, taskID string, taskErr recovery.TaskError) (recovery.Decision, error)
}

// TaskDispatcher is the task graph access used for dispatch.
type TaskDispatcher interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	FindAvailable(ctx context.Context, collectiveID string, allowedAgentIDs []string) ([]models.Task, error)
	Assign(ctx context.Context, taskID, agentID string) (*models.Task, error)
	StartAs(ctx context.Context, taskID, agentID string) (*models.Task, error)
	Complete(ctx context.Context, taskID string) (*models.Task, error)
	Reset(ctx context.Context, taskID string) (*models.Task, error)
}

// Roster is the collective state the loop reads and writes.
type Roster interface {
	Get(ctx context.Context, id string) (*models.Collective, error)
	Pause(ctx context.Context, id, reason string) error
	Resume(ctx context.Context, id string) error
	IdleAgents(ctx context.Context, collectiveID string, exclude ...string) ([]models.Agent, error)
	SetAgentStatus(ctx context.Context, collectiveID, agentID string, status models.AgentStatus, currentTaskID string) error
	StaleAgents(ctx context.Context, collectiveID string, maxAge time.Duration) ([]models.Agent, error)
}

// Deps are the collaborators a Loop requires.
type Deps struct {
	Channel  Sweeper
	Resolver DeadlockResolver
	Selector FailureHandler
	Tasks    TaskDispatcher
	Roster   Roster
	Recorder *audit.Recorder
}

// Config holds the loop intervals.
type Config struct {
	SweepInterval    time.Duration
	ResolveInterval  time.Duration
	DispatchInterval time.Duration
	ArchiveInterval  time.Duration
	// ClaimTimeout is how long a working agent may go without a roster
	// update before its claim is treated as interrupted.
	ClaimTimeout time.Duration
}

// DefaultConfig returns the default intervals.
func DefaultConfig() Config {
	return Config{
		SweepInterval:    10 * time.Second,
		ResolveInterval:  30 * time.Second,
		DispatchInterval: 2 * time.Second,
		ArchiveInterval:  time.Hour,
		ClaimTimeout:     30 * time.Minute,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ResolveInterval <= 0 {
		c.ResolveInterval = d.ResolveInterval
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = d.DispatchInterval
	}
	if c.ArchiveInterval <= 0 {
		c.ArchiveInterval = d.ArchiveInterval
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = d.ClaimTimeout
	}
}

// Option configures a Loop.
type Option func(*Loop)

// WithExecutor enables dispatch through exec.
func WithExecutor(exec TaskExecutor) Option {
	return func(l *Loop) { l.executor = exec }
}

// WithSignals makes the loop apply operator signals from ch.
func WithSignals(ch <-chan Signal) Option {
	return func(l *Loop) { l.signals = ch }
}

// WithPauseController shares a pause controller with the caller.
func WithPauseController(p *PauseController) Option {
	return func(l *Loop) { l.pause = p }
}

// WithClock sets the clock used for retry-after checks and attempt timing.
func WithClock(clk clock.Clock) Option {
	return func(l *Loop) { l.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// Loop coordinates one collective.
type Loop struct {
	collectiveID string
	deps         Deps
	cfg          Config

	executor TaskExecutor
	signals  <-chan Signal
	pause    *PauseController
	clock    clock.Clock
	logger   *slog.Logger

	failures chan Failure

	mu       sync.Mutex
	inflight map[string]string // task id -> agent id
	attempts map[string]int
	wg       sync.WaitGroup
}

// NewLoop creates a loop for collectiveID.
func NewLoop(collectiveID string, deps Deps, cfg Config, opts ...Option) (*Loop, error) {
	switch {
	case collectiveID == "":
		return nil, errors.New("collective id is required")
	case deps.Channel == nil:
		return nil, errors.New("message channel is required")
	case deps.Resolver == nil:
		return nil, errors.New("deadlock resolver is required")
	case deps.Selector == nil:
		return nil, errors.New("recovery selector is required")
	case deps.Tasks == nil:
		return nil, errors.New("task store is required")
	case deps.Roster == nil:
		return nil, errors.New("roster is required")
	case deps.Recorder == nil:
		return nil, errors.New("audit recorder is required")
	}
	cfg.fill()

	l := &Loop{
		collectiveID: collectiveID,
		deps:         deps,
		cfg:          cfg,
		failures:     make(chan Failure, 64),
		inflight:     make(map[string]string),
		attempts:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrNop(l.logger).With("component", "coordinator", "collective", collectiveID)
	if l.pause == nil {
		l.pause = NewPauseController(l.logger)
	}
	if l.clock == nil {
		l.clock = clock.Real{}
	}
	return l, nil
}

// Pause returns the loop's pause controller.
func (l *Loop) Pause() *PauseController {
	return l.pause
}

// ReportFailure queues a failed task attempt for recovery.
func (l *Loop) ReportFailure(ctx context.Context, f Failure) error {
	select {
	case l.failures <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the collective until ctx ends or a stop signal arrives. Errors
// inside an iteration are logged and the loop continues.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.wg.Wait()
	}()

	l.logger.Info("coordinator started",
		"sweep", l.cfg.SweepInterval, "resolve", l.cfg.ResolveInterval, "dispatch", l.executor != nil)
	if _, err := l.RecoverInterrupted(ctx); err != nil {
		l.logger.Error("recover interrupted claims", "error", err)
	}

	sweep := time.NewTicker(l.cfg.SweepInterval)
	defer sweep.Stop()
	resolve := time.NewTicker(l.cfg.ResolveInterval)
	defer resolve.Stop()
	dispatch := time.NewTicker(l.cfg.DispatchInterval)
	defer dispatch.Stop()
	archive := time.NewTicker(l.cfg.ArchiveInterval)
	defer archive.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("coordinator stopping", "reason", ctx.Err())
			return ctx.Err()

		case s, ok := <-l.signals:
			if !ok {
				l.signals = nil
				continue
			}
			l.applySignal(ctx, s)

		case f := <-l.failures:
			if _, err := l.HandleFailure(ctx, f); err != nil {
				l.logger.Error("recovery failed", "task", f.TaskID, "error", err)
			}

		case <-sweep.C:
			if err := l.Sweep(ctx); err != nil {
				l.logger.Error("message sweep", "error", err)
			}

		case <-resolve.C:
			if _, err := l.Resolve(ctx); err != nil {
				l.logger.Error("deadlock pass", "error", err)
			}
			if _, err := l.RecoverInterrupted(ctx); err != nil {
				l.logger.Error("recover interrupted claims", "error", err)
			}

		case <-dispatch.C:
			if _, err := l.Dispatch(ctx); err != nil {
				l.logger.Error("dispatch", "error", err)
			}

		case <-archive.C:
			if n, err := l.deps.Channel.Archive(ctx, l.collectiveID, 0); err != nil {
				l.logger.Error("archive messages", "error", err)
			} else if n > 0 {
				l.logger.Info("archived messages", "count", n)
			}
		}

		if l.pause.IsStopped() {
			l.logger.Info("coordinator stopped by signal")
			return nil
		}
	}
}

// Sweep retries timed-out messages and expires stale ones.
func (l *Loop) Sweep(ctx context.Context) error {
	retried, err := l.deps.Channel.SweepTimeouts(ctx, l.collectiveID)
	if err != nil {
		return fmt.Errorf("sweep timeouts: %w", err)
	}
	expired, err := l.deps.Channel.ExpireStale(ctx, l.collectiveID)
	if err != nil {
		return fmt.Errorf("expire stale: %w", err)
	}
	if retried > 0 || expired > 0 {
		l.logger.Info("message sweep", "retried", retried, "expired", expired)
	}
	return nil
}

// Resolve runs one deadlock pass unless the collective is paused.
func (l *Loop) Resolve(ctx context.Context) ([]deadlock.Resolution, error) {
	if !l.active(ctx) {
		return nil, nil
	}
	res, err := l.deps.Resolver.ResolveAll(ctx, l.collectiveID)
	for _, r := range res {
		switch {
		case r.Escalated:
			l.logger.Warn("deadlock escalated; collective paused", "cycle", r.Deadlock.Identity(), "attempt", r.Attempt)
		case r.Resolved:
			l.logger.Info("deadlock resolved", "cycle", r.Deadlock.Identity(), "strategy", string(r.Strategy))
		default:
			l.logger.Info("deadlock persists", "cycle", r.Deadlock.Identity(), "strategy", string(r.Strategy), "attempt", r.Attempt)
		}
	}
	return res, err
}

// HandleFailure passes a failure to the recovery selector.
func (l *Loop) HandleFailure(ctx context.Context, f Failure) (recovery.Decision, error) {
	d, err := l.deps.Selector.Handle(ctx, l.collectiveID, f.TaskID, f.Error)
	if err != nil {
		return d, err
	}
	l.logger.Info("recovery applied", "task", f.TaskID, "strategy", string(d.Strategy), "delay", d.Delay)
	return d, nil
}

// Dispatch claims available tasks for idle agents and runs them through the
// executor. It returns the number of tasks started. Without an executor, or
// while paused, it does nothing.
func (l *Loop) Dispatch(ctx context.Context) (int, error) {
	if l.executor == nil || l.pause.IsPaused() || !l.active(ctx) {
		return 0, nil
	}
	idle, err := l.deps.Roster.IdleAgents(ctx, l.collectiveID, l.busyAgents()...)
	if err != nil {
		return 0, fmt.Errorf("idle agents: %w", err)
	}
	if len(idle) == 0 {
		return 0, nil
	}
	ids := make([]string, len(idle))
	for i, a := range idle {
		ids[i] = a.ID
	}
	available, err := l.deps.Tasks.FindAvailable(ctx, l.collectiveID, ids)
	if err != nil {
		return 0, fmt.Errorf("find available: %w", err)
	}

	now := l.clock.Now()
	used := make(map[string]bool)
	started := 0
	for i := range available {
		t := &available[i]
		if at, ok := recovery.RetryAfter(t); ok && now.Before(at) {
			continue
		}
		if restructure, _ := t.Metadata[recovery.MetaAwaitingRestructure].(bool); restructure {
			continue
		}
		agentID := ""
		for _, id := range ids {
			if !used[id] && t.AllowsAny([]string{id}) {
				agentID = id
				break
			}
		}
		if agentID == "" {
			continue
		}

		claimed, err := l.deps.Tasks.Assign(ctx, t.ID, agentID)
		if errors.Is(err, taskgraph.ErrNotClaimable) {
			l.logger.Debug("claim refused", "task", t.ID, "agent", agentID, "error", err)
			continue
		}
		if err != nil {
			return started, fmt.Errorf("assign %s: %w", t.ID, err)
		}
		if claimed == nil {
			continue
		}
		used[agentID] = true
		if err := l.deps.Roster.SetAgentStatus(ctx, l.collectiveID, agentID, models.AgentWorking, t.ID); err != nil {
			l.logger.Warn("set agent working", "agent", agentID, "error", err)
		}

		l.mu.Lock()
		l.inflight[t.ID] = agentID
		l.mu.Unlock()
		l.wg.Add(1)
		go l.execute(ctx, claimed, agentID)
		started++
	}
	return started, nil
}

func (l *Loop) execute(ctx context.Context, task *models.Task, agentID string) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.inflight, task.ID)
		l.mu.Unlock()
		if err := l.deps.Roster.SetAgentStatus(context.WithoutCancel(ctx), l.collectiveID, agentID, models.AgentIdle, ""); err != nil {
			l.logger.Warn("set agent idle", "agent", agentID, "error", err)
		}
	}()

	// Claimed work waits out a pause before it starts.
	if err := l.pause.WaitIfPaused(ctx); err != nil {
		l.releaseClaim(context.WithoutCancel(ctx), task.ID, agentID)
		return
	}

	if _, err := l.deps.Tasks.StartAs(ctx, task.ID, agentID); err != nil {
		if errors.Is(err, taskgraph.ErrNotAssignee) {
			l.logger.Info("claim moved before start", "task", task.ID, "agent", agentID)
			return
		}
		l.logger.Error("start task", "task", task.ID, "error", err)
		l.releaseClaim(context.WithoutCancel(ctx), task.ID, agentID)
		return
	}
	begin := l.clock.Now()
	l.logger.Info("task started", "task", task.ID, "agent", agentID)

	err := l.executor.Execute(ctx, task, agentID)
	if err == nil {
		if _, err := l.deps.Tasks.Complete(ctx, task.ID); err != nil {
			l.logger.Error("complete task", "task", task.ID, "error", err)
			return
		}
		l.mu.Lock()
		delete(l.attempts, task.ID)
		l.mu.Unlock()
		l.logger.Info("task completed", "task", task.ID, "agent", agentID, "elapsed", l.clock.Now().Sub(begin))
		return
	}
	if ctx.Err() != nil {
		return
	}

	l.mu.Lock()
	attempt := l.attempts[task.ID]
	l.attempts[task.ID] = attempt + 1
	l.mu.Unlock()

	l.logger.Warn("task failed", "task", task.ID, "agent", agentID, "attempt", attempt+1, "error", err)
	f := Failure{TaskID: task.ID, Error: recovery.TaskError{
		Type:         classify(err),
		Message:      err.Error(),
		AttemptCount: attempt,
		TotalTime:    l.clock.Now().Sub(begin),
	}}
	if err := l.ReportFailure(ctx, f); err != nil {
		l.logger.Warn("queue failure", "task", task.ID, "error", err)
	}
}

// releaseClaim returns a task this loop claimed to UNASSIGNED, unless it has
// moved to another agent or state in the meantime.
func (l *Loop) releaseClaim(ctx context.Context, taskID, agentID string) {
	t, err := l.deps.Tasks.Get(ctx, taskID)
	if err != nil {
		l.logger.Warn("load claim", "task", taskID, "error", err)
		return
	}
	if t.AssignedAgentID != agentID || t.State != models.TaskAssigned {
		return
	}
	if _, err := l.deps.Tasks.Reset(ctx, taskID); err != nil {
		l.logger.Warn("release claim", "task", taskID, "error", err)
	}
}

// RecoverInterrupted treats the claims of working agents that stopped
// updating the roster as failed attempts. Tasks run by this loop are
// skipped. It returns the recovered task ids.
func (l *Loop) RecoverInterrupted(ctx context.Context) ([]string, error) {
	stale, err := l.deps.Roster.StaleAgents(ctx, l.collectiveID, l.cfg.ClaimTimeout)
	if err != nil {
		return nil, fmt.Errorf("stale agents: %w", err)
	}

	var recovered []string
	for _, a := range stale {
		if a.CurrentTaskID == "" || l.isInflight(a.CurrentTaskID) {
			continue
		}
		t, err := l.deps.Tasks.Get(ctx, a.CurrentTaskID)
		if err != nil {
			l.logger.Warn("load interrupted task", "task", a.CurrentTaskID, "error", err)
			continue
		}
		if t.AssignedAgentID != a.ID || (t.State != models.TaskAssigned && t.State != models.TaskInProgress) {
			continue
		}

		if err := l.deps.Roster.SetAgentStatus(ctx, l.collectiveID, a.ID, models.AgentError, ""); err != nil {
			return recovered, err
		}
		if _, err := l.deps.Recorder.Record(ctx, models.AuditEvent{
			CollectiveID: l.collectiveID,
			Type:         audit.TypeClaimRecovered,
			Description:  fmt.Sprintf("agent %s stopped reporting while holding %s", a.ID, t.ID),
			Metadata:     map[string]any{"task_id": t.ID, "agent_id": a.ID, "last_seen": a.UpdatedAt},
		}); err != nil {
			return recovered, err
		}
		if _, err := l.HandleFailure(ctx, Failure{TaskID: t.ID, Error: recovery.TaskError{
			Type:    "agent_unresponsive",
			Message: fmt.Sprintf("agent %s stopped reporting", a.ID),
		}}); err != nil {
			return recovered, fmt.Errorf("recover %s: %w", t.ID, err)
		}
		recovered = append(recovered, t.ID)
	}
	return recovered, nil
}

func (l *Loop) applySignal(ctx context.Context, s Signal) {
	switch s {
	case SignalPause:
		l.pause.Pause()
		if err := l.deps.Roster.Pause(ctx, l.collectiveID, "operator signal"); err != nil {
			l.logger.Warn("pause collective", "error", err)
		}
	case SignalResume:
		l.pause.Resume()
		if err := l.deps.Roster.Resume(ctx, l.collectiveID); err != nil {
			l.logger.Warn("resume collective", "error", err)
		}
	case SignalStop:
		l.pause.Stop()
	}
}

// active reports whether the collective is running. A paused collective
// still has its messages swept.
func (l *Loop) active(ctx context.Context) bool {
	c, err := l.deps.Roster.Get(ctx, l.collectiveID)
	if err != nil {
		l.logger.Warn("load collective", "error", err)
		return false
	}
	return c.Status == models.CollectiveRunning
}

func (l *Loop) busyAgents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	busy := make([]string, 0, len(l.inflight))
	for _, agentID := range l.inflight {
		busy = append(busy, agentID)
	}
	return busy
}

func (l *Loop) isInflight(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inflight[taskID]
	return ok
}

func classify(err error) string {
	var ee *ExecutionError
	switch {
	case errors.As(err, &ee) && ee.Type != "":
		return ee.Type
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "execution_error"
	}
}
