package models

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentIdle indicates the agent can take new work.
	AgentIdle AgentStatus = "idle"
	// AgentWorking indicates the agent is executing a task.
	AgentWorking AgentStatus = "working"
	// AgentBlocked indicates the agent is waiting on something outside its control.
	AgentBlocked AgentStatus = "blocked"
	// AgentError indicates the agent has crashed or become unresponsive.
	AgentError AgentStatus = "error"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentWorking, AgentBlocked, AgentError:
		return true
	default:
		return false
	}
}

// Agent is a roster entry in a collective.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id" yaml:"id"`
	// CollectiveID is the collective the agent belongs to.
	CollectiveID string `json:"collective_id" yaml:"collective_id"`
	// Name is a display name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Capabilities lists what the agent can do.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	// Status is the agent's self-reported state.
	Status AgentStatus `json:"status" yaml:"status"`
	// CurrentTaskID is the task the agent is working on, if any.
	CurrentTaskID string `json:"current_task_id,omitempty" yaml:"current_task_id,omitempty"`
	// AwaitingResponse is set while the agent is suspended on a help or escalation request.
	AwaitingResponse bool `json:"awaiting_response,omitempty" yaml:"awaiting_response,omitempty"`
	// UpdatedAt is when the roster entry last changed.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}
