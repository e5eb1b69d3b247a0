package models

import (
	"slices"
	"time"
)

// TaskState represents the current state of a task.
type TaskState string

const (
	// TaskUnassigned indicates the task is waiting to be claimed.
	TaskUnassigned TaskState = "unassigned"
	// TaskAssigned indicates an agent has claimed the task but not started it.
	TaskAssigned TaskState = "assigned"
	// TaskInProgress indicates the assigned agent is working on the task.
	TaskInProgress TaskState = "in_progress"
	// TaskBlocked indicates the task has at least one outstanding blocker.
	TaskBlocked TaskState = "blocked"
	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskState = "completed"
	// TaskFailed indicates the last attempt at the task failed.
	TaskFailed TaskState = "failed"
	// TaskCancelled indicates the task was withdrawn from the graph.
	TaskCancelled TaskState = "cancelled"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskUnassigned, TaskAssigned, TaskInProgress, TaskBlocked,
		TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further work will happen on the task.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Task represents a unit of work in a collective's hierarchy.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id" yaml:"id"`
	// CollectiveID is the owning collective.
	CollectiveID string `json:"collective_id" yaml:"collective_id"`
	// ParentID is the parent task in the hierarchy, empty for roots.
	ParentID string `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	// ChildIDs lists direct children.
	ChildIDs []string `json:"child_ids,omitempty" yaml:"child_ids,omitempty"`
	// Level is the granularity of the task.
	Level TaskLevel `json:"level" yaml:"level"`
	// Title is the short description of the task.
	Title string `json:"title" yaml:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Category is a free-form grouping label.
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
	// State is the current state of the task.
	State TaskState `json:"state" yaml:"state"`
	// AssignedAgentID is the agent holding the task, if any.
	AssignedAgentID string `json:"assigned_agent_id,omitempty" yaml:"assigned_agent_id,omitempty"`
	// AllowedAgentIDs restricts which agents may claim the task. Empty means any.
	AllowedAgentIDs []string `json:"allowed_agent_ids,omitempty" yaml:"allowed_agent_ids,omitempty"`
	// DependencyIDs lists tasks that must be COMPLETED before this one is claimable.
	DependencyIDs []string `json:"dependency_ids,omitempty" yaml:"dependency_ids,omitempty"`
	// BlockerIDs lists outstanding blockers (task ids, "agent:<id>" or free-form refs).
	BlockerIDs []string `json:"blocker_ids,omitempty" yaml:"blocker_ids,omitempty"`
	// ConversationID links the task to a message thread or external context.
	ConversationID string `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	// LastError holds the most recent failure message.
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	// Metadata carries strategy hints such as timeout multipliers.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	// UpdatedAt is when the task row last changed.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	// StartedAt is set the first time the task enters IN_PROGRESS.
	StartedAt *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	// CompletedAt is set the first time the task completes.
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	// FailedAt is set the first time the task fails.
	FailedAt *time.Time `json:"failed_at,omitempty" yaml:"failed_at,omitempty"`
	// CancelledAt is set when the task is cancelled.
	CancelledAt *time.Time `json:"cancelled_at,omitempty" yaml:"cancelled_at,omitempty"`
}

// DependsOn reports whether the task lists id as a dependency.
func (t *Task) DependsOn(id string) bool {
	return slices.Contains(t.DependencyIDs, id)
}

// AllowsAny reports whether any of agentIDs may claim the task.
func (t *Task) AllowsAny(agentIDs []string) bool {
	if len(t.AllowedAgentIDs) == 0 {
		return true
	}
	for _, id := range agentIDs {
		if slices.Contains(t.AllowedAgentIDs, id) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.ChildIDs = slices.Clone(t.ChildIDs)
	c.AllowedAgentIDs = slices.Clone(t.AllowedAgentIDs)
	c.DependencyIDs = slices.Clone(t.DependencyIDs)
	c.BlockerIDs = slices.Clone(t.BlockerIDs)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
