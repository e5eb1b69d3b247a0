package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Emitter is a Sink that forwards events to a live subscriber channel,
// such as the run command's console feed.
type Emitter struct {
	events       chan models.AuditEvent
	droppedCount atomic.Uint64
	logger       *slog.Logger
	sendTimeout  time.Duration
}

// NewEmitter creates a new Emitter with the given buffer size.
func NewEmitter(bufferSize int, logger *slog.Logger) *Emitter {
	return &Emitter{
		events:      make(chan models.AuditEvent, bufferSize),
		logger:      logging.OrNop(logger),
		sendTimeout: 100 * time.Millisecond,
	}
}

// Write implements Sink.
// If the channel is full, it tries with a timeout before dropping the event.
// A dropped event is still persisted by the other sinks, so Write never fails.
func (e *Emitter) Write(ctx context.Context, ev models.AuditEvent) error {
	select {
	case e.events <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(e.sendTimeout)
	defer timer.Stop()
	select {
	case e.events <- ev:
	case <-ctx.Done():
		e.drop(ev)
	case <-timer.C:
		e.drop(ev)
	}
	return nil
}

func (e *Emitter) drop(ev models.AuditEvent) {
	count := e.droppedCount.Add(1)
	if count%10 == 1 {
		e.logger.Warn("audit feed full, dropped event", "type", ev.Type, "dropped_total", count)
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *Emitter) Events() <-chan models.AuditEvent {
	return e.events
}

// Close closes the events channel. No Write may follow.
func (e *Emitter) Close() {
	close(e.events)
}
