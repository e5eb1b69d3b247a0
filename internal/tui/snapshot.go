// Package tui provides the terminal monitor for a running collective.
package tui

import (
	"context"
	"time"

	"github.com/ShayCichocki/hivemind/internal/state"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Snapshot is everything the monitor renders for one refresh.
type Snapshot struct {
	Collective *models.Collective
	Tasks      []models.Task
	Cycles     []models.DeadlockInfo
	Events     []models.AuditEvent
	// Pending is the number of undelivered messages.
	Pending int
	Taken   time.Time
}

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context, collectiveID string) (Snapshot, error)
}

// CollectiveReader loads a collective with its roster.
type CollectiveReader interface {
	Get(ctx context.Context, id string) (*models.Collective, error)
}

// TaskLister lists a collective's tasks.
type TaskLister interface {
	List(ctx context.Context, collectiveID string) ([]models.Task, error)
}

// CycleDetector finds deadlocks without resolving them.
type CycleDetector interface {
	Detect(ctx context.Context, collectiveID string) ([]models.DeadlockInfo, error)
}

// EventReader reads the audit trail and pending messages.
type EventReader interface {
	ListAuditEvents(ctx context.Context, collectiveID string, q state.AuditQuery) ([]models.AuditEvent, error)
	ListPendingMessages(ctx context.Context, collectiveID string) ([]models.Message, error)
}

// StoreSource builds snapshots from the live stores.
type StoreSource struct {
	Collectives CollectiveReader
	Tasks       TaskLister
	Detector    CycleDetector
	Events      EventReader
	// EventLimit caps how many recent audit events are shown.
	EventLimit int
}

// Snapshot implements Source.
func (s StoreSource) Snapshot(ctx context.Context, collectiveID string) (Snapshot, error) {
	c, err := s.Collectives.Get(ctx, collectiveID)
	if err != nil {
		return Snapshot{}, err
	}
	tasks, err := s.Tasks.List(ctx, collectiveID)
	if err != nil {
		return Snapshot{}, err
	}
	cycles, err := s.Detector.Detect(ctx, collectiveID)
	if err != nil {
		return Snapshot{}, err
	}
	limit := s.EventLimit
	if limit <= 0 {
		limit = 20
	}
	events, err := s.Events.ListAuditEvents(ctx, collectiveID, state.AuditQuery{Limit: limit, Newest: true})
	if err != nil {
		return Snapshot{}, err
	}
	pending, err := s.Events.ListPendingMessages(ctx, collectiveID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Collective: c,
		Tasks:      tasks,
		Cycles:     cycles,
		Events:     events,
		Pending:    len(pending),
		Taken:      time.Now(),
	}, nil
}
