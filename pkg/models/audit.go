package models

import (
	"slices"
	"strings"
	"time"
)

// ActorType identifies what kind of actor produced an audit event.
type ActorType string

const (
	ActorSystem      ActorType = "system"
	ActorAgent       ActorType = "agent"
	ActorCoordinator ActorType = "coordinator"
	ActorUser        ActorType = "user"
)

// AuditEvent is the fixed-shape record every coordination decision produces.
type AuditEvent struct {
	ID           string         `json:"id"`
	CollectiveID string         `json:"collective_id"`
	Type         string         `json:"type"`
	ActorID      string         `json:"actor_id"`
	ActorType    ActorType      `json:"actor_type"`
	Timestamp    time.Time      `json:"timestamp"`
	Description  string         `json:"description"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DeadlockInfo describes one elementary cycle found in a collective's task graph.
type DeadlockInfo struct {
	// TaskIDs is the cycle in edge order, rotated to start at its smallest id.
	TaskIDs []string `json:"task_ids"`
	// AgentIDs are the distinct agents assigned to tasks in the cycle, sorted.
	AgentIDs []string `json:"agent_ids"`
	// DetectedAt is when the cycle was observed.
	DetectedAt time.Time `json:"detected_at"`
}

// Identity returns the stable key of the cycle: its sorted task ids joined by commas.
func (d DeadlockInfo) Identity() string {
	return CycleIdentity(d.TaskIDs)
}

// Contains reports whether the cycle includes the task.
func (d DeadlockInfo) Contains(taskID string) bool {
	return slices.Contains(d.TaskIDs, taskID)
}

// CycleIdentity returns the sorted, comma-joined form of a set of task ids.
func CycleIdentity(taskIDs []string) string {
	ids := slices.Clone(taskIDs)
	slices.Sort(ids)
	return strings.Join(ids, ",")
}
