// Package seed imports collectives and task plans from YAML and exports
// snapshots in the same format.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/hivemind/internal/graph"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// ErrInvalidPlan is returned when a plan fails validation.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is the YAML document describing a collective and its work.
type Plan struct {
	Collective PlanCollective `yaml:"collective"`
	Agents     []PlanAgent    `yaml:"agents,omitempty"`
	Tasks      []PlanTask     `yaml:"tasks,omitempty"`
}

// PlanCollective describes the collective itself.
type PlanCollective struct {
	ID          string `yaml:"id,omitempty"`
	Name        string `yaml:"name"`
	Vision      string `yaml:"vision,omitempty"`
	Coordinator string `yaml:"coordinator,omitempty"`
	Status      string `yaml:"status,omitempty"`
}

// PlanAgent is one roster entry.
type PlanAgent struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Status       string   `yaml:"status,omitempty"`
}

// PlanTask is one task. Level is a level name such as "epic".
type PlanTask struct {
	ID            string         `yaml:"id"`
	Title         string         `yaml:"title"`
	Level         string         `yaml:"level"`
	Description   string         `yaml:"description,omitempty"`
	Category      string         `yaml:"category,omitempty"`
	Parent        string         `yaml:"parent,omitempty"`
	DependsOn     []string       `yaml:"depends_on,omitempty"`
	AllowedAgents []string       `yaml:"allowed_agents,omitempty"`
	Blockers      []string       `yaml:"blockers,omitempty"`
	State         string         `yaml:"state,omitempty"`
	Assignee      string         `yaml:"assignee,omitempty"`
	LastError     string         `yaml:"last_error,omitempty"`
	Metadata      map[string]any `yaml:"metadata,omitempty"`
}

// Parse decodes a plan. Unknown fields are rejected.
func Parse(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidPlan)
		}
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

// Encode writes p as YAML.
func Encode(w io.Writer, p *Plan) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return enc.Close()
}

// Validate checks references inside the plan. It returns warnings for
// conditions that are legal but suspicious, such as a dependency cycle,
// which the deadlock resolver will have to break.
func (p *Plan) Validate() (warnings []string, err error) {
	if p.Collective.Name == "" {
		return nil, fmt.Errorf("%w: collective name required", ErrInvalidPlan)
	}

	agents := make(map[string]bool, len(p.Agents))
	for _, a := range p.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("%w: agent id required", ErrInvalidPlan)
		}
		if agents[a.ID] {
			return nil, fmt.Errorf("%w: duplicate agent %s", ErrInvalidPlan, a.ID)
		}
		if a.Status != "" && !models.AgentStatus(a.Status).Valid() {
			return nil, fmt.Errorf("%w: agent %s has unknown status %q", ErrInvalidPlan, a.ID, a.Status)
		}
		agents[a.ID] = true
	}

	tasks := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: task id required", ErrInvalidPlan)
		}
		if tasks[t.ID] {
			return nil, fmt.Errorf("%w: duplicate task %s", ErrInvalidPlan, t.ID)
		}
		tasks[t.ID] = true
		if _, err := models.ParseTaskLevel(t.Level); err != nil {
			return nil, fmt.Errorf("%w: task %s: %v", ErrInvalidPlan, t.ID, err)
		}
		if t.State != "" && !models.TaskState(t.State).Valid() {
			return nil, fmt.Errorf("%w: task %s has unknown state %q", ErrInvalidPlan, t.ID, t.State)
		}
	}

	g := graph.New()
	for _, t := range p.Tasks {
		g.AddNode(t.ID)
		if t.Parent != "" && !tasks[t.Parent] {
			return nil, fmt.Errorf("%w: task %s has unknown parent %s", ErrInvalidPlan, t.ID, t.Parent)
		}
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, fmt.Errorf("%w: task %s depends on itself", ErrInvalidPlan, t.ID)
			}
			if !tasks[dep] {
				warnings = append(warnings, fmt.Sprintf("task %s depends on %s, which is not in the plan", t.ID, dep))
				continue
			}
			g.AddEdge(t.ID, dep)
		}
		for _, id := range t.AllowedAgents {
			if !agents[id] && id != p.Collective.Coordinator {
				warnings = append(warnings, fmt.Sprintf("task %s allows unknown agent %s", t.ID, id))
			}
		}
	}
	if err := checkTree(p.Tasks); err != nil {
		return nil, err
	}
	if g.HasCycle() {
		warnings = append(warnings, "task dependencies contain a cycle; the deadlock resolver will break it")
	}
	return warnings, nil
}

// checkTree rejects parent links that loop.
func checkTree(tasks []PlanTask) error {
	parent := make(map[string]string, len(tasks))
	for _, t := range tasks {
		parent[t.ID] = t.Parent
	}
	for _, t := range tasks {
		seen := map[string]bool{t.ID: true}
		for p := parent[t.ID]; p != ""; p = parent[p] {
			if seen[p] {
				return fmt.Errorf("%w: parent links of %s form a loop", ErrInvalidPlan, t.ID)
			}
			seen[p] = true
		}
	}
	return nil
}

// Collectives is the collective access Import needs.
type Collectives interface {
	Create(ctx context.Context, c *models.Collective) error
	Get(ctx context.Context, id string) (*models.Collective, error)
}

// Tasks is the task graph access Import and Export need.
type Tasks interface {
	Create(ctx context.Context, t *models.Task) error
	List(ctx context.Context, collectiveID string) ([]models.Task, error)
}

// Result summarises an import.
type Result struct {
	CollectiveID string
	Agents       int
	Tasks        int
	Warnings     []string
}

// Importer loads plans into the stores.
type Importer struct {
	collectives Collectives
	tasks       Tasks
	logger      *slog.Logger
}

// NewImporter creates an importer.
func NewImporter(collectives Collectives, tasks Tasks, logger *slog.Logger) *Importer {
	return &Importer{
		collectives: collectives,
		tasks:       tasks,
		logger:      logging.OrNop(logger).With("component", "seed"),
	}
}

// Import validates p and creates its collective, roster and tasks. Parents
// are created before their children.
func (im *Importer) Import(ctx context.Context, p *Plan) (Result, error) {
	warnings, err := p.Validate()
	if err != nil {
		return Result{}, err
	}
	for _, w := range warnings {
		im.logger.Warn("plan warning", "warning", w)
	}

	c := &models.Collective{
		ID:            p.Collective.ID,
		Name:          p.Collective.Name,
		Vision:        p.Collective.Vision,
		CoordinatorID: p.Collective.Coordinator,
		Status:        models.CollectiveStatus(p.Collective.Status),
	}
	for _, a := range p.Agents {
		c.Agents = append(c.Agents, models.Agent{
			ID:           a.ID,
			Name:         a.Name,
			Capabilities: a.Capabilities,
			Status:       models.AgentStatus(a.Status),
		})
	}
	if err := im.collectives.Create(ctx, c); err != nil {
		return Result{}, fmt.Errorf("create collective: %w", err)
	}

	ordered := parentsFirst(p.Tasks)
	for _, pt := range ordered {
		level, _ := models.ParseTaskLevel(pt.Level)
		t := &models.Task{
			ID:              pt.ID,
			CollectiveID:    c.ID,
			ParentID:        pt.Parent,
			Level:           level,
			Title:           pt.Title,
			Description:     pt.Description,
			Category:        pt.Category,
			State:           models.TaskState(pt.State),
			AssignedAgentID: pt.Assignee,
			AllowedAgentIDs: pt.AllowedAgents,
			DependencyIDs:   pt.DependsOn,
			BlockerIDs:      pt.Blockers,
			LastError:       pt.LastError,
			Metadata:        pt.Metadata,
		}
		if err := im.tasks.Create(ctx, t); err != nil {
			return Result{}, fmt.Errorf("create task %s: %w", pt.ID, err)
		}
	}

	im.logger.Info("plan imported", "collective", c.ID, "agents", len(c.Agents), "tasks", len(ordered))
	return Result{CollectiveID: c.ID, Agents: len(c.Agents), Tasks: len(ordered), Warnings: warnings}, nil
}

// Export snapshots a collective as a plan, including task state.
func (im *Importer) Export(ctx context.Context, collectiveID string) (*Plan, error) {
	c, err := im.collectives.Get(ctx, collectiveID)
	if err != nil {
		return nil, err
	}
	tasks, err := im.tasks.List(ctx, collectiveID)
	if err != nil {
		return nil, err
	}

	p := &Plan{Collective: PlanCollective{
		ID:          c.ID,
		Name:        c.Name,
		Vision:      c.Vision,
		Coordinator: c.CoordinatorID,
		Status:      string(c.Status),
	}}
	for _, a := range c.Agents {
		if a.ID == c.CoordinatorID && a.Name == "coordinator" && len(a.Capabilities) == 0 {
			continue
		}
		p.Agents = append(p.Agents, PlanAgent{
			ID:           a.ID,
			Name:         a.Name,
			Capabilities: a.Capabilities,
			Status:       string(a.Status),
		})
	}
	for _, t := range tasks {
		p.Tasks = append(p.Tasks, PlanTask{
			ID:            t.ID,
			Title:         t.Title,
			Level:         t.Level.String(),
			Description:   t.Description,
			Category:      t.Category,
			Parent:        t.ParentID,
			DependsOn:     t.DependencyIDs,
			AllowedAgents: t.AllowedAgentIDs,
			Blockers:      t.BlockerIDs,
			State:         string(t.State),
			Assignee:      t.AssignedAgentID,
			LastError:     t.LastError,
			Metadata:      t.Metadata,
		})
	}
	return p, nil
}

// parentsFirst orders tasks so that every parent precedes its children,
// keeping plan order otherwise.
func parentsFirst(tasks []PlanTask) []PlanTask {
	placed := make(map[string]bool, len(tasks))
	out := make([]PlanTask, 0, len(tasks))
	pending := slices.Clone(tasks)
	for len(pending) > 0 {
		var next []PlanTask
		for _, t := range pending {
			if t.Parent == "" || placed[t.Parent] {
				out = append(out, t)
				placed[t.ID] = true
			} else {
				next = append(next, t)
			}
		}
		if len(next) == len(pending) {
			// unreachable after Validate; keep the rest in order
			return append(out, next...)
		}
		pending = next
	}
	return out
}
