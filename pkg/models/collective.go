package models

import "time"

// CollectiveStatus represents the lifecycle state of a collective.
type CollectiveStatus string

const (
	CollectiveInitializing CollectiveStatus = "initializing"
	CollectiveRunning      CollectiveStatus = "running"
	CollectivePaused       CollectiveStatus = "paused"
	CollectiveCompleted    CollectiveStatus = "completed"
	CollectiveFailed       CollectiveStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s CollectiveStatus) Valid() bool {
	switch s {
	case CollectiveInitializing, CollectiveRunning, CollectivePaused,
		CollectiveCompleted, CollectiveFailed:
		return true
	default:
		return false
	}
}

// Collective is a bounded multi-agent workspace pursuing one vision.
type Collective struct {
	ID            string           `json:"id" yaml:"id"`
	Name          string           `json:"name" yaml:"name"`
	Vision        string           `json:"vision,omitempty" yaml:"vision,omitempty"`
	CoordinatorID string           `json:"coordinator_id" yaml:"coordinator_id"`
	Status        CollectiveStatus `json:"status" yaml:"status"`
	Agents        []Agent          `json:"agents,omitempty" yaml:"agents,omitempty"`
	CreatedAt     time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" yaml:"updated_at"`
}

// Agent returns the roster entry with the given id, or nil.
func (c *Collective) Agent(id string) *Agent {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// IdleAgents returns roster entries with status idle, excluding the given ids.
func (c *Collective) IdleAgents(exclude ...string) []Agent {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var idle []Agent
	for _, a := range c.Agents {
		if a.Status == AgentIdle && !skip[a.ID] {
			idle = append(idle, a)
		}
	}
	return idle
}
