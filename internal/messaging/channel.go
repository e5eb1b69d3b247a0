// Package messaging implements the durable, priority-ordered mailbox agents
// coordinate through: bounded-retry delivery with timeout sweeps, reply
// threading, full-text search, and the fixed coordination patterns built on
// top of send and broadcast.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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
	// ErrMessageNotFound is returned when a message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidMessage is returned when a send request fails validation.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidStatus is returned when a delivery transition is not allowed.
	ErrInvalidStatus = errors.New("invalid message status transition")
)

// Store is the persistence the channel needs.
type Store interface {
	state.MessageStore
	state.AuditStore
	ListAgents(ctx context.Context, collectiveID string) ([]models.Agent, error)
	GetCollective(ctx context.Context, id string) (*models.Collective, error)
	SetAgentAwaiting(ctx context.Context, collectiveID, agentID string, awaiting bool, now time.Time) error
}

// TaskBlocker is the slice of the task graph store escalation needs.
type TaskBlocker interface {
	AddBlocker(ctx context.Context, taskID, blockerID string) (*models.Task, error)
	RemoveBlocker(ctx context.Context, taskID, blockerID string) (*models.Task, error)
}

// SendOptions qualifies a send.
type SendOptions struct {
	Type     models.MessageType
	Priority models.Priority
	Metadata map[string]any
	// ReplyTo threads the message under an earlier one.
	ReplyTo string
	// TaskID is the task the message concerns.
	TaskID string
	// TTL sets an expiry; zero means the message never expires.
	TTL time.Duration
}

// BroadcastOptions qualifies a broadcast.
type BroadcastOptions struct {
	Type       models.MessageType
	Priority   models.Priority
	Metadata   map[string]any
	TaskID     string
	ExcludeIDs []string
}

// SearchFilters narrows a search. Zero values match everything.
type SearchFilters struct {
	Types           []models.MessageType
	Priorities      []models.Priority
	Statuses        []models.MessageStatus
	FromID          string
	ToID            string
	TaskID          string
	Since           time.Time
	Until           time.Time
	IncludeArchived bool
	Limit           int
}

// RetryOutcome reports what a retry did.
type RetryOutcome struct {
	// Attempt is the retry count after the call.
	Attempt int
	// NextAttemptAt is when the message becomes deliverable again.
	NextAttemptAt time.Time
	// Failed is true when the retry bound was exceeded and the message failed.
	Failed bool
}

// Channel is the message channel.
type Channel struct {
	store    Store
	tasks    TaskBlocker
	recorder *audit.Recorder
	clock    clock.Clock
	policy   Policy
	logger   *slog.Logger
}

// Option configures a Channel.
type Option func(*Channel)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ch *Channel) { ch.logger = logging.OrNop(l).With("component", "messaging") }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r *audit.Recorder) Option {
	return func(ch *Channel) { ch.recorder = r }
}

// WithPolicy overrides the delivery policy.
func WithPolicy(p Policy) Option {
	return func(ch *Channel) { ch.policy = p }
}

// WithTaskBlocker lets escalations block the originating task.
func WithTaskBlocker(t TaskBlocker) Option {
	return func(ch *Channel) { ch.tasks = t }
}

// NewChannel creates a channel over store.
func NewChannel(store Store, opts ...Option) *Channel {
	ch := &Channel{
		store:  store,
		clock:  clock.Real{},
		policy: DefaultPolicy(),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	if ch.recorder == nil {
		ch.recorder = audit.NewRecorder(ch.clock, audit.NewStoreSink(store))
	}
	return ch
}

// Policy returns the channel's delivery policy.
func (c *Channel) Policy() Policy {
	return c.policy
}

// Send queues a message from one participant to another and returns its id.
func (c *Channel) Send(ctx context.Context, collectiveID, from, to, content string, opts SendOptions) (string, error) {
	if opts.Type == "" {
		opts.Type = models.MessageDirective
	}
	if opts.Priority == "" {
		opts.Priority = models.PriorityNormal
	}
	if err := validate(collectiveID, from, to, content, opts.Type, opts.Priority); err != nil {
		return "", err
	}

	now := c.clock.Now()
	m := &models.Message{
		ID:            uuid.NewString(),
		CollectiveID:  collectiveID,
		FromID:        from,
		ToID:          to,
		Priority:      opts.Priority,
		Type:          opts.Type,
		Status:        models.MessagePending,
		Content:       content,
		Metadata:      opts.Metadata,
		TaskID:        opts.TaskID,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	m.ThreadID = m.ID
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL)
		m.ExpiresAt = &exp
	}

	if opts.ReplyTo != "" {
		parent, err := c.get(ctx, opts.ReplyTo)
		if err != nil {
			return "", fmt.Errorf("reply target: %w", err)
		}
		if parent.CollectiveID != collectiveID {
			return "", fmt.Errorf("%w: reply crosses collectives", ErrInvalidMessage)
		}
		m.ReplyToID = parent.ID
		m.ThreadID = parent.ThreadID
		if m.ThreadID == "" {
			m.ThreadID = parent.ID
		}
		if m.TaskID == "" {
			m.TaskID = parent.TaskID
		}
	}

	if err := c.store.InsertMessage(ctx, m); err != nil {
		return "", err
	}
	c.logger.Debug("message sent", "id", m.ID, "from", from, "to", to,
		"type", string(m.Type), "priority", string(m.Priority))
	return m.ID, nil
}

// Broadcast sends one copy of a message to every roster member except the
// sender and the excluded ids. The copies share a broadcast_id in metadata.
func (c *Channel) Broadcast(ctx context.Context, collectiveID, from, content string, opts BroadcastOptions) ([]string, error) {
	if opts.Type == "" {
		opts.Type = models.MessageBroadcast
	}
	agents, err := c.store.ListAgents(ctx, collectiveID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}

	skip := map[string]bool{from: true}
	for _, id := range opts.ExcludeIDs {
		skip[id] = true
	}

	groupID := uuid.NewString()
	var ids []string
	for _, a := range agents {
		if skip[a.ID] {
			continue
		}
		meta := make(map[string]any, len(opts.Metadata)+1)
		for k, v := range opts.Metadata {
			meta[k] = v
		}
		meta["broadcast_id"] = groupID
		id, err := c.Send(ctx, collectiveID, from, a.ID, content, SendOptions{
			Type:     opts.Type,
			Priority: opts.Priority,
			Metadata: meta,
			TaskID:   opts.TaskID,
		})
		if err != nil {
			return ids, fmt.Errorf("broadcast to %s: %w", a.ID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get returns a message by id.
func (c *Channel) Get(ctx context.Context, id string) (*models.Message, error) {
	return c.get(ctx, id)
}

// Inbox returns the deliverable messages for a recipient, highest priority
// first and oldest first within a priority.
func (c *Channel) Inbox(ctx context.Context, collectiveID, agentID string, limit int) ([]models.Message, error) {
	return c.store.ListInbox(ctx, collectiveID, agentID, c.clock.Now(), limit)
}

// MarkProcessing records that the recipient picked the message up.
func (c *Channel) MarkProcessing(ctx context.Context, id string) error {
	return c.update(ctx, id, func(m *models.Message, _ time.Time) error {
		if m.Status != models.MessagePending {
			return fmt.Errorf("%w: %s -> processing", ErrInvalidStatus, m.Status)
		}
		m.Status = models.MessageProcessing
		return nil
	})
}

// MarkDelivered records delivery. Delivering twice is a no-op.
func (c *Channel) MarkDelivered(ctx context.Context, id string) error {
	return c.update(ctx, id, func(m *models.Message, now time.Time) error {
		switch m.Status {
		case models.MessageDelivered, models.MessageRead:
			return nil
		case models.MessagePending, models.MessageProcessing:
			m.Status = models.MessageDelivered
			m.DeliveredAt = &now
			return nil
		default:
			return fmt.Errorf("%w: %s -> delivered", ErrInvalidStatus, m.Status)
		}
	})
}

// MarkRead records that the recipient read the message.
func (c *Channel) MarkRead(ctx context.Context, id string) error {
	return c.update(ctx, id, func(m *models.Message, now time.Time) error {
		switch m.Status {
		case models.MessageRead:
			return nil
		case models.MessagePending, models.MessageProcessing, models.MessageDelivered:
			if m.DeliveredAt == nil {
				m.DeliveredAt = &now
			}
			m.Status = models.MessageRead
			m.ReadAt = &now
			return nil
		default:
			return fmt.Errorf("%w: %s -> read", ErrInvalidStatus, m.Status)
		}
	})
}

// Retry schedules another delivery attempt with bounded backoff. Once the
// bound is exceeded the message is FAILED and an audit event is recorded.
func (c *Channel) Retry(ctx context.Context, id string) (RetryOutcome, error) {
	m, err := c.get(ctx, id)
	if err != nil {
		return RetryOutcome{}, err
	}
	return c.retry(ctx, m)
}

func (c *Channel) retry(ctx context.Context, m *models.Message) (RetryOutcome, error) {
	if m.Status != models.MessagePending && m.Status != models.MessageProcessing {
		return RetryOutcome{}, fmt.Errorf("%w: retry %s message", ErrInvalidStatus, m.Status)
	}
	now := c.clock.Now()

	if m.RetryCount >= c.policy.MaxRetries() {
		m.Status = models.MessageFailed
		m.LastError = fmt.Sprintf("undelivered after %d retries", m.RetryCount)
		if err := c.store.UpdateMessage(ctx, m); err != nil {
			return RetryOutcome{}, err
		}
		c.logger.Warn("message failed", "id", m.ID, "to", m.ToID, "retries", m.RetryCount)
		_, err := c.recorder.Record(ctx, models.AuditEvent{
			CollectiveID: m.CollectiveID,
			Type:         audit.TypeMessageFailed,
			ActorID:      models.SenderSystem,
			ActorType:    models.ActorSystem,
			Description:  fmt.Sprintf("message %s to %s failed after %d retries", m.ID, m.ToID, m.RetryCount),
			Metadata: map[string]any{
				"message_id":  m.ID,
				"from_id":     m.FromID,
				"to_id":       m.ToID,
				"priority":    string(m.Priority),
				"type":        string(m.Type),
				"retry_count": m.RetryCount,
			},
		})
		if err != nil {
			return RetryOutcome{}, fmt.Errorf("audit message failure: %w", err)
		}
		return RetryOutcome{Attempt: m.RetryCount, Failed: true}, nil
	}

	m.RetryCount++
	m.Status = models.MessagePending
	m.NextAttemptAt = now.Add(c.policy.Backoff[m.RetryCount-1])
	if err := c.store.UpdateMessage(ctx, m); err != nil {
		return RetryOutcome{}, err
	}
	c.logger.Debug("message retry scheduled", "id", m.ID, "attempt", m.RetryCount, "next", m.NextAttemptAt)
	return RetryOutcome{Attempt: m.RetryCount, NextAttemptAt: m.NextAttemptAt}, nil
}

// SweepTimeouts retries every PENDING message that has outlived its
// priority timeout and returns how many were retried or failed.
func (c *Channel) SweepTimeouts(ctx context.Context, collectiveID string) (int, error) {
	pending, err := c.store.ListPendingMessages(ctx, collectiveID)
	if err != nil {
		return 0, err
	}
	now := c.clock.Now()

	count := 0
	var errs []error
	for i := range pending {
		m := &pending[i]
		if m.ExpiresAt != nil && !now.Before(*m.ExpiresAt) {
			continue
		}
		if !c.policy.stale(m, now) {
			continue
		}
		if _, err := c.retry(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("retry %s: %w", m.ID, err))
			continue
		}
		count++
	}
	if count > 0 {
		c.logger.Info("timeout sweep", "collective", collectiveID, "retried", count)
	}
	return count, errors.Join(errs...)
}

// ExpireStale moves PENDING messages past their expiry to EXPIRED and
// records an audit event for each.
func (c *Channel) ExpireStale(ctx context.Context, collectiveID string) (int, error) {
	pending, err := c.store.ListPendingMessages(ctx, collectiveID)
	if err != nil {
		return 0, err
	}
	now := c.clock.Now()

	count := 0
	for i := range pending {
		m := &pending[i]
		if m.ExpiresAt == nil || now.Before(*m.ExpiresAt) {
			continue
		}
		m.Status = models.MessageExpired
		m.LastError = "expired before delivery"
		if err := c.store.UpdateMessage(ctx, m); err != nil {
			return count, err
		}
		if _, err := c.recorder.Record(ctx, models.AuditEvent{
			CollectiveID: m.CollectiveID,
			Type:         audit.TypeMessageExpired,
			Description:  fmt.Sprintf("message %s to %s expired", m.ID, m.ToID),
			Metadata:     map[string]any{"message_id": m.ID, "to_id": m.ToID},
		}); err != nil {
			return count, fmt.Errorf("audit message expiry: %w", err)
		}
		count++
	}
	return count, nil
}

// Thread resolves the reply chain that contains id and returns every
// message of it, oldest first.
func (c *Channel) Thread(ctx context.Context, id string) ([]models.Message, error) {
	m, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}

	root := m
	visited := map[string]bool{m.ID: true}
	for root.ReplyToID != "" && !visited[root.ReplyToID] {
		visited[root.ReplyToID] = true
		parent, err := c.get(ctx, root.ReplyToID)
		if errors.Is(err, ErrMessageNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		root = parent
	}

	threadID := root.ThreadID
	if threadID == "" {
		threadID = root.ID
	}
	return c.store.ListThread(ctx, threadID)
}

// Search runs a full-text query over a collective's messages, newest first.
// An empty query returns every message matching the filters.
func (c *Channel) Search(ctx context.Context, collectiveID, query string, f SearchFilters) ([]models.Message, error) {
	return c.store.SearchMessages(ctx, collectiveID, state.MessageQuery{
		Text:            strings.TrimSpace(query),
		Types:           f.Types,
		Priorities:      f.Priorities,
		Statuses:        f.Statuses,
		FromID:          f.FromID,
		ToID:            f.ToID,
		TaskID:          f.TaskID,
		Since:           f.Since,
		Until:           f.Until,
		IncludeArchived: f.IncludeArchived,
		Limit:           f.Limit,
	})
}

// Archive flags messages older than olderThan as archived. Zero uses the
// policy retention window. Archived messages are retained until Purge.
func (c *Channel) Archive(ctx context.Context, collectiveID string, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = c.policy.Retention
	}
	return c.store.ArchiveMessages(ctx, collectiveID, c.clock.Now().Add(-olderThan))
}

// Purge deletes archived messages. It only runs on explicit request.
func (c *Channel) Purge(ctx context.Context, collectiveID string) (int64, error) {
	n, err := c.store.PurgeArchivedMessages(ctx, collectiveID)
	if err == nil && n > 0 {
		c.logger.Info("purged archived messages", "collective", collectiveID, "count", n)
	}
	return n, err
}

func (c *Channel) get(ctx context.Context, id string) (*models.Message, error) {
	m, err := c.store.GetMessage(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return m, err
}

func (c *Channel) update(ctx context.Context, id string, fn func(m *models.Message, now time.Time) error) error {
	m, err := c.get(ctx, id)
	if err != nil {
		return err
	}
	before := m.Status
	if err := fn(m, c.clock.Now()); err != nil {
		return err
	}
	if m.Status == before {
		return nil
	}
	return c.store.UpdateMessage(ctx, m)
}

func validate(collectiveID, from, to, content string, t models.MessageType, p models.Priority) error {
	switch {
	case collectiveID == "":
		return fmt.Errorf("%w: collective id required", ErrInvalidMessage)
	case from == "":
		return fmt.Errorf("%w: sender required", ErrInvalidMessage)
	case to == "":
		return fmt.Errorf("%w: recipient required", ErrInvalidMessage)
	case strings.TrimSpace(content) == "":
		return fmt.Errorf("%w: content required", ErrInvalidMessage)
	case !t.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, t)
	case !p.Valid():
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidMessage, p)
	}
	return nil
}
