package deadlock

import (
	"fmt"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// cycleContext is the immutable input the policy rules are evaluated on.
type cycleContext struct {
	info models.DeadlockInfo
	// tasks are the cycle members in cycle order.
	tasks []*models.Task
	// idle are idle agents outside the cycle, coordinator excluded.
	idle        []string
	maxChildren int
}

// plan is what a rule decided to do.
type plan struct {
	strategy Strategy
	taskID   string
	targetID string
	agentID  string
	detail   string
}

// rule proposes a plan when it applies to the cycle.
type rule struct {
	strategy Strategy
	plan     func(cc cycleContext) (plan, bool)
}

// defaultRules is the fixed resolution order. The first applicable rule
// wins; escalate is the fallback when none applies.
func defaultRules() []rule {
	return []rule{
		{StrategyCancelTask, planCancel},
		{StrategyRemoveDependency, planRemoveDependency},
		{StrategyReassignTask, planReassign},
		{StrategyForceUnblock, planForceUnblock},
	}
}

// planCancel targets the least important member, the one with the highest
// level. Ties go to the earliest member in cycle order.
func planCancel(cc cycleContext) (plan, bool) {
	var victim *models.Task
	for _, t := range cc.tasks {
		if victim == nil || t.Level > victim.Level {
			victim = t
		}
	}
	if victim == nil || victim.Level == models.LevelVision ||
		len(victim.ChildIDs) > cc.maxChildren || victim.State == models.TaskInProgress {
		return plan{}, false
	}
	return plan{
		taskID: victim.ID,
		detail: fmt.Sprintf("cancelled %s task %s", victim.Level, victim.ID),
	}, true
}

// planRemoveDependency drops one dependency edge an UNASSIGNED member holds
// onto another member. The edge onto the member's successor in the cycle is
// preferred; otherwise the first dependency onto any member is taken.
func planRemoveDependency(cc cycleContext) (plan, bool) {
	members := make(map[string]bool, len(cc.tasks))
	for _, t := range cc.tasks {
		members[t.ID] = true
	}
	edge := func(from, to string) plan {
		return plan{
			taskID:   from,
			targetID: to,
			detail:   fmt.Sprintf("removed dependency %s -> %s", from, to),
		}
	}

	n := len(cc.tasks)
	for i, t := range cc.tasks {
		next := cc.tasks[(i+1)%n]
		if t.State == models.TaskUnassigned && next.ID != t.ID && t.DependsOn(next.ID) {
			return edge(t.ID, next.ID), true
		}
	}
	for _, t := range cc.tasks {
		if t.State != models.TaskUnassigned {
			continue
		}
		for _, dep := range t.DependencyIDs {
			if dep != t.ID && members[dep] {
				return edge(t.ID, dep), true
			}
		}
	}
	return plan{}, false
}

// planReassign moves a contended task to an idle agent outside the cycle.
func planReassign(cc cycleContext) (plan, bool) {
	if len(cc.info.AgentIDs) < 2 || len(cc.idle) == 0 {
		return plan{}, false
	}
	for _, t := range cc.tasks {
		if t.AssignedAgentID == "" {
			continue
		}
		switch t.State {
		case models.TaskAssigned, models.TaskBlocked, models.TaskFailed:
			return plan{
				taskID:  t.ID,
				agentID: cc.idle[0],
				detail:  fmt.Sprintf("reassigned %s from %s to %s", t.ID, t.AssignedAgentID, cc.idle[0]),
			}, true
		}
	}
	return plan{}, false
}

// planForceUnblock overrides the first BLOCKED member.
func planForceUnblock(cc cycleContext) (plan, bool) {
	for _, t := range cc.tasks {
		if t.State == models.TaskBlocked {
			return plan{
				taskID: t.ID,
				detail: fmt.Sprintf("force-unblocked %s, discarding %d blockers", t.ID, len(t.BlockerIDs)),
			}, true
		}
	}
	return plan{}, false
}
