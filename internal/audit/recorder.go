// Package audit records the fixed-shape audit trail every coordination
// decision produces. A Recorder stamps events and fans them out to sinks:
// the state store, the structured log, live subscribers and optionally a
// Postgres mirror.
package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hivemind/internal/clock"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/internal/state"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Event types written by the orchestration core.
const (
	TypeMessageFailed             = "message_failed"
	TypeMessageExpired            = "message_expired"
	TypeDeadlockDetected          = "deadlock_detected"
	TypeDeadlockResolutionAttempt = "deadlock_resolution_attempt"
	TypeDeadlockEscalated         = "deadlock_escalated"
	TypeRetryStrategySelected     = "retry_strategy_selected"
	TypeCollectiveStatusChanged   = "collective_status_changed"
	TypeClaimRecovered            = "claim_recovered"
)

// Sink receives recorded events.
type Sink interface {
	Write(ctx context.Context, e models.AuditEvent) error
}

// Recorder stamps audit events and writes them to every sink.
type Recorder struct {
	clock clock.Clock
	sinks []Sink
}

// NewRecorder creates a recorder. A nil clock uses the real clock.
func NewRecorder(clk clock.Clock, sinks ...Sink) *Recorder {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Recorder{clock: clk, sinks: sinks}
}

// AddSink attaches another sink. Not safe to call concurrently with Record.
func (r *Recorder) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// Record fills in the ID and timestamp when missing and writes the event to
// every sink. Every sink is attempted; their errors are joined.
func (r *Recorder) Record(ctx context.Context, e models.AuditEvent) (models.AuditEvent, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock.Now()
	}
	if e.ActorType == "" {
		e.ActorType = models.ActorSystem
	}
	if e.ActorID == "" {
		e.ActorID = models.SenderSystem
	}

	var errs []error
	for _, s := range r.sinks {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return e, errors.Join(errs...)
}

// StoreSink persists events to the state store.
type StoreSink struct {
	store state.AuditStore
}

// NewStoreSink creates a sink backed by store.
func NewStoreSink(store state.AuditStore) *StoreSink {
	return &StoreSink{store: store}
}

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, e models.AuditEvent) error {
	return s.store.InsertAuditEvent(ctx, &e)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every event at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger).With("component", "audit")}
}

// Write implements Sink.
func (s *LogSink) Write(ctx context.Context, e models.AuditEvent) error {
	s.logger.InfoContext(ctx, e.Description,
		"type", e.Type,
		"collective", e.CollectiveID,
		"actor", e.ActorID,
		"actor_type", string(e.ActorType),
		"metadata", e.Metadata,
	)
	return nil
}
