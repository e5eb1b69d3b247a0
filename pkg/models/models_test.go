package models

import (
	"testing"
)

func TestTaskState_Valid(t *testing.T) {
	tests := []struct {
		name  string
		state TaskState
		want  bool
	}{
		{"unassigned is valid", TaskUnassigned, true},
		{"assigned is valid", TaskAssigned, true},
		{"in_progress is valid", TaskInProgress, true},
		{"blocked is valid", TaskBlocked, true},
		{"completed is valid", TaskCompleted, true},
		{"failed is valid", TaskFailed, true},
		{"cancelled is valid", TaskCancelled, true},
		{"empty string is invalid", TaskState(""), false},
		{"old pending value is invalid", TaskState("pending"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Valid(); got != tt.want {
				t.Errorf("TaskState(%q).Valid() = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestTaskLevel(t *testing.T) {
	if !LevelVision.Valid() || !LevelSubtask.Valid() {
		t.Fatal("expected bounds to be valid")
	}
	if TaskLevel(8).Valid() || TaskLevel(-1).Valid() {
		t.Error("expected out-of-range levels to be invalid")
	}
	if got := LevelEpic.String(); got != "epic" {
		t.Errorf("LevelEpic.String() = %q, want epic", got)
	}
	if !LevelFeature.IsBroad() || LevelStory.IsBroad() {
		t.Error("IsBroad should only hold for epic and feature")
	}
	if !LevelSubtask.IsLeafWork() || LevelStory.IsLeafWork() {
		t.Error("IsLeafWork should only hold for task and subtask")
	}

	for l := LevelVision; l <= LevelSubtask; l++ {
		parsed, err := ParseTaskLevel(l.String())
		if err != nil {
			t.Fatalf("ParseTaskLevel(%q): %v", l.String(), err)
		}
		if parsed != l {
			t.Errorf("ParseTaskLevel(%q) = %d, want %d", l.String(), parsed, l)
		}
	}
	if _, err := ParseTaskLevel("galaxy"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestPriority_Rank(t *testing.T) {
	tests := []struct {
		p    Priority
		want int
	}{
		{PriorityCritical, 0},
		{PriorityHigh, 1},
		{PriorityNormal, 2},
		{PriorityLow, 3},
		{PriorityBackground, 4},
		{Priority("urgent"), -1},
	}
	for _, tt := range tests {
		t.Run(string(tt.p), func(t *testing.T) {
			if got := tt.p.Rank(); got != tt.want {
				t.Errorf("Rank() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTask_AllowsAny(t *testing.T) {
	open := &Task{}
	if !open.AllowsAny([]string{"a"}) {
		t.Error("task with no allowed set should accept any agent")
	}

	restricted := &Task{AllowedAgentIDs: []string{"a", "b"}}
	if !restricted.AllowsAny([]string{"x", "b"}) {
		t.Error("expected intersection on b")
	}
	if restricted.AllowsAny([]string{"x", "y"}) {
		t.Error("expected no intersection")
	}
	if restricted.AllowsAny(nil) {
		t.Error("empty caller set should not match a restricted task")
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:            "t1",
		DependencyIDs: []string{"a"},
		Metadata:      map[string]any{"k": "v"},
	}
	c := orig.Clone()
	c.DependencyIDs[0] = "b"
	c.Metadata["k"] = "changed"

	if orig.DependencyIDs[0] != "a" {
		t.Error("clone shares dependency slice")
	}
	if orig.Metadata["k"] != "v" {
		t.Error("clone shares metadata map")
	}
}

func TestCycleIdentity(t *testing.T) {
	a := DeadlockInfo{TaskIDs: []string{"c", "a", "b"}}
	b := DeadlockInfo{TaskIDs: []string{"b", "c", "a"}}
	if a.Identity() != b.Identity() {
		t.Errorf("rotations should share identity: %q vs %q", a.Identity(), b.Identity())
	}
	if got := a.Identity(); got != "a,b,c" {
		t.Errorf("Identity() = %q, want a,b,c", got)
	}
	if !a.Contains("b") || a.Contains("z") {
		t.Error("Contains mismatch")
	}
}

func TestCollective_IdleAgents(t *testing.T) {
	c := &Collective{
		CoordinatorID: "pm",
		Agents: []Agent{
			{ID: "pm", Status: AgentIdle},
			{ID: "a1", Status: AgentWorking},
			{ID: "a2", Status: AgentIdle},
			{ID: "a3", Status: AgentIdle},
		},
	}
	idle := c.IdleAgents("pm", "a3")
	if len(idle) != 1 || idle[0].ID != "a2" {
		t.Errorf("IdleAgents = %+v, want only a2", idle)
	}
	if c.Agent("a1") == nil || c.Agent("zz") != nil {
		t.Error("Agent lookup mismatch")
	}
}
