// Package deadlock finds circular waits in a collective's task graph and
// breaks them with a fixed-order policy, escalating to a human when
// automatic resolution keeps failing.
package deadlock

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ShayCichocki/hivemind/internal/clock"
	"github.com/ShayCichocki/hivemind/internal/graph"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Blocker id prefixes the detector understands. A bare blocker id that
// names a task is treated like task:<id>.
const (
	TaskBlockerPrefix  = "task:"
	AgentBlockerPrefix = "agent:"
)

// DefaultCycleLimit caps how many cycles one detection reports.
const DefaultCycleLimit = 1000

// TaskLister is the read access the detector needs.
type TaskLister interface {
	List(ctx context.Context, collectiveID string) ([]models.Task, error)
}

// Detector performs read-only cycle analysis over a collective's tasks.
type Detector struct {
	tasks  TaskLister
	clock  clock.Clock
	limit  int
	logger *slog.Logger
}

// NewDetector creates a detector. A nil clock uses the real clock.
func NewDetector(tasks TaskLister, clk clock.Clock, logger *slog.Logger) *Detector {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Detector{
		tasks:  tasks,
		clock:  clk,
		limit:  DefaultCycleLimit,
		logger: logging.OrNop(logger).With("component", "deadlock"),
	}
}

// SetCycleLimit changes the maximum number of cycles reported. Zero or
// negative means no limit.
func (d *Detector) SetCycleLimit(n int) {
	d.limit = n
}

// Detect returns every elementary cycle in the wait-for graph of the
// collective. An unchanged graph always yields the same cycles in the same
// order.
func (d *Detector) Detect(ctx context.Context, collectiveID string) ([]models.DeadlockInfo, error) {
	tasks, err := d.tasks.List(ctx, collectiveID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	g, byID := BuildWaitGraph(tasks)
	g.SetDebugLog(func(format string, args ...any) {
		d.logger.Debug(fmt.Sprintf(format, args...))
	})

	now := d.clock.Now()
	var found []models.DeadlockInfo
	for _, cycle := range g.ElementaryCycles(d.limit) {
		found = append(found, models.DeadlockInfo{
			TaskIDs:    cycle,
			AgentIDs:   agentsOf(cycle, byID),
			DetectedAt: now,
		})
	}
	if len(found) > 0 {
		d.logger.Info("deadlocks detected", "collective", collectiveID, "cycles", len(found))
	}
	return found, nil
}

// BuildWaitGraph builds the wait-for graph over the non-terminal tasks.
// An edge A→B means A cannot progress until B does:
//   - A depends on B and B is not COMPLETED;
//   - A lists B (or task:B) as a blocker;
//   - A lists agent:X as a blocker and X is assigned to B.
func BuildWaitGraph(tasks []models.Task) (*graph.Graph, map[string]*models.Task) {
	g := graph.New()
	byID := make(map[string]*models.Task, len(tasks))
	held := make(map[string][]string)
	for i := range tasks {
		t := &tasks[i]
		if t.State.Terminal() {
			continue
		}
		byID[t.ID] = t
		g.AddNode(t.ID)
		if t.AssignedAgentID != "" {
			held[t.AssignedAgentID] = append(held[t.AssignedAgentID], t.ID)
		}
	}

	for _, id := range g.Nodes() {
		t := byID[id]
		for _, dep := range t.DependencyIDs {
			if _, ok := byID[dep]; ok {
				g.AddEdge(t.ID, dep)
			}
		}
		for _, b := range t.BlockerIDs {
			switch {
			case strings.HasPrefix(b, AgentBlockerPrefix):
				for _, other := range held[strings.TrimPrefix(b, AgentBlockerPrefix)] {
					if other != t.ID {
						g.AddEdge(t.ID, other)
					}
				}
			default:
				target := strings.TrimPrefix(b, TaskBlockerPrefix)
				if _, ok := byID[target]; ok {
					g.AddEdge(t.ID, target)
				}
			}
		}
	}
	return g, byID
}

func agentsOf(cycle []string, byID map[string]*models.Task) []string {
	var agents []string
	for _, id := range cycle {
		if t := byID[id]; t != nil && t.AssignedAgentID != "" && !slices.Contains(agents, t.AssignedAgentID) {
			agents = append(agents, t.AssignedAgentID)
		}
	}
	slices.Sort(agents)
	return agents
}
