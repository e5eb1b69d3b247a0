package recovery

import (
	"slices"
	"strings"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Strategy names a recovery approach for a failed task.
type Strategy string

const (
	StrategySimpleRetry      Strategy = "simple_retry"
	StrategyDecompose        Strategy = "decompose"
	StrategyAdjustParameters Strategy = "adjust_parameters"
	StrategyChangeAgent      Strategy = "change_agent"
	StrategyAddContext       Strategy = "add_context"
	StrategySimplify         Strategy = "simplify"
)

// Strategies lists every strategy in tie-break order.
var Strategies = []Strategy{
	StrategySimpleRetry,
	StrategyDecompose,
	StrategyAdjustParameters,
	StrategyChangeAgent,
	StrategyAddContext,
	StrategySimplify,
}

// baseWeights are the starting scores before modifiers.
var baseWeights = map[Strategy]int{
	StrategySimpleRetry:      10,
	StrategyDecompose:        8,
	StrategyAdjustParameters: 7,
	StrategyChangeAgent:      6,
	StrategyAddContext:       5,
	StrategySimplify:         4,
}

// TaskError describes a failed task attempt.
type TaskError struct {
	// Type is a short classifier such as "timeout" or "validation_error".
	Type string `json:"type"`
	// Message is the error text reported by the executor.
	Message string `json:"message"`
	// AttemptCount is the number of attempts made before this failure.
	AttemptCount int `json:"attempt_count"`
	// TotalTime is the time spent across all attempts.
	TotalTime time.Duration `json:"total_time"`
}

// DecisionContext is the immutable input the scoring rules read.
type DecisionContext struct {
	Task  models.Task
	Error TaskError
	// HasIdleAgent is true when an idle agent other than the current
	// assignee and the coordinator exists.
	HasIdleAgent bool
}

func (dc DecisionContext) typeHas(words ...string) bool {
	t := strings.ToLower(dc.Error.Type)
	for _, w := range words {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}

// Score is the evaluated score of one strategy.
type Score struct {
	Strategy Strategy `json:"strategy"`
	Score    int      `json:"score"`
	// Reasons lists the modifiers that fired.
	Reasons []string `json:"reasons,omitempty"`
}

// rule adds delta to a strategy's score when it applies.
type rule struct {
	strategy Strategy
	reason   string
	applies  func(DecisionContext) bool
	delta    int
}

var transientWords = []string{"timeout", "network", "connection", "temporary"}

// rules is the ordered modifier table.
var rules = []rule{
	{StrategySimpleRetry, "repeated failure", func(dc DecisionContext) bool { return dc.Error.AttemptCount >= 2 }, -20},
	{StrategySimpleRetry, "transient error", func(dc DecisionContext) bool { return dc.typeHas(transientWords...) }, 5},
	{StrategySimpleRetry, "leaf work", func(dc DecisionContext) bool { return dc.Task.Level.IsLeafWork() }, 3},
	{StrategySimpleRetry, "broad work", func(dc DecisionContext) bool { return !dc.Task.Level.IsLeafWork() }, -3},

	{StrategyDecompose, "epic or feature", func(dc DecisionContext) bool { return dc.Task.Level.IsBroad() }, 8},
	{StrategyDecompose, "repeated failure", func(dc DecisionContext) bool { return dc.Error.AttemptCount >= 2 }, 5},
	{StrategyDecompose, "already a subtask", func(dc DecisionContext) bool { return dc.Task.Level == models.LevelSubtask }, -15},
	{StrategyDecompose, "long description", func(dc DecisionContext) bool { return len(dc.Task.Description) > 200 }, 3},

	{StrategyAdjustParameters, "timeout", func(dc DecisionContext) bool { return dc.typeHas("timeout") }, 10},
	{StrategyAdjustParameters, "resource pressure", func(dc DecisionContext) bool { return dc.typeHas("resource", "memory") }, 8},
	{StrategyAdjustParameters, "failed before", func(dc DecisionContext) bool { return dc.Error.AttemptCount >= 1 }, 3},

	{StrategyChangeAgent, "agent crashed", func(dc DecisionContext) bool { return dc.typeHas("crash", "unresponsive") }, 15},
	{StrategyChangeAgent, "validation failure", func(dc DecisionContext) bool { return dc.typeHas("validation") }, 5},
	{StrategyChangeAgent, "no idle agent", func(dc DecisionContext) bool { return !dc.HasIdleAgent }, -20},

	{StrategyAddContext, "validation failure", func(dc DecisionContext) bool { return dc.typeHas("validation") }, 7},
	{StrategyAddContext, "repeated failure", func(dc DecisionContext) bool { return dc.Error.AttemptCount >= 2 }, 5},
	{StrategyAddContext, "has dependencies", func(dc DecisionContext) bool { return len(dc.Task.DependencyIDs) > 0 }, 3},

	{StrategySimplify, "many failures", func(dc DecisionContext) bool { return dc.Error.AttemptCount >= 3 }, 10},
	{StrategySimplify, "epic or feature", func(dc DecisionContext) bool { return dc.Task.Level.IsBroad() }, 5},
	{StrategySimplify, "already a subtask", func(dc DecisionContext) bool { return dc.Task.Level == models.LevelSubtask }, -10},
}

// ScoreAll evaluates every strategy against dc. The result is in
// Strategies order.
func ScoreAll(dc DecisionContext) []Score {
	scores := make([]Score, len(Strategies))
	for i, s := range Strategies {
		scores[i] = Score{Strategy: s, Score: baseWeights[s]}
	}
	for _, r := range rules {
		if !r.applies(dc) {
			continue
		}
		i := slices.Index(Strategies, r.strategy)
		scores[i].Score += r.delta
		scores[i].Reasons = append(scores[i].Reasons, r.reason)
	}
	return scores
}

// Best returns the highest score. Ties go to the earlier strategy.
func Best(scores []Score) Score {
	var best Score
	for i, s := range scores {
		if i == 0 || s.Score > best.Score {
			best = s
		}
	}
	return best
}

// ScoreOf returns the score of one strategy.
func ScoreOf(scores []Score, s Strategy) int {
	for _, sc := range scores {
		if sc.Strategy == s {
			return sc.Score
		}
	}
	return 0
}
