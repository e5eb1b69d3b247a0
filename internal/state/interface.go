package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// CollectiveStore handles collective and roster persistence operations.
type CollectiveStore interface {
	CreateCollective(ctx context.Context, c *models.Collective) error
	GetCollective(ctx context.Context, id string) (*models.Collective, error)
	ListCollectives(ctx context.Context) ([]models.Collective, error)
	UpdateCollectiveStatus(ctx context.Context, id string, status models.CollectiveStatus, now time.Time) error
}

// AgentStore handles agent roster persistence operations.
type AgentStore interface {
	UpsertAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, collectiveID, agentID string) (*models.Agent, error)
	ListAgents(ctx context.Context, collectiveID string) ([]models.Agent, error)
	UpdateAgentStatus(ctx context.Context, collectiveID, agentID string, status models.AgentStatus, currentTaskID string, now time.Time) error
	SetAgentAwaiting(ctx context.Context, collectiveID, agentID string, awaiting bool, now time.Time) error
}

// TaskStore handles task persistence operations.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, collectiveID string) ([]models.Task, error)
	ListTasksByState(ctx context.Context, collectiveID string, states ...models.TaskState) ([]models.Task, error)
	ListChildren(ctx context.Context, parentID string) ([]models.Task, error)
	ClaimTask(ctx context.Context, id, agentID string, now time.Time) (bool, error)
	MutateTask(ctx context.Context, id string, fn func(t *models.Task) error) (*models.Task, error)
}

// MessageStore handles mailbox persistence operations.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessage(ctx context.Context, m *models.Message) error
	ListInbox(ctx context.Context, collectiveID, agentID string, now time.Time, limit int) ([]models.Message, error)
	ListPendingMessages(ctx context.Context, collectiveID string) ([]models.Message, error)
	ListThread(ctx context.Context, threadID string) ([]models.Message, error)
	SearchMessages(ctx context.Context, collectiveID string, q MessageQuery) ([]models.Message, error)
	ArchiveMessages(ctx context.Context, collectiveID string, before time.Time) (int64, error)
	PurgeArchivedMessages(ctx context.Context, collectiveID string) (int64, error)
}

// AuditStore handles audit trail persistence operations.
type AuditStore interface {
	InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, collectiveID string, q AuditQuery) ([]models.AuditEvent, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the persistent record store the orchestration core runs on.
// It composes focused sub-interfaces so packages can depend only on the
// records they touch.
type Store interface {
	io.Closer
	Migrator
	CollectiveStore
	AgentStore
	TaskStore
	MessageStore
	AuditStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store           = (*DB)(nil)
	_ Migrator        = (*DB)(nil)
	_ CollectiveStore = (*DB)(nil)
	_ AgentStore      = (*DB)(nil)
	_ TaskStore       = (*DB)(nil)
	_ MessageStore    = (*DB)(nil)
	_ AuditStore      = (*DB)(nil)
)
