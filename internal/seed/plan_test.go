package seed

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/hivemind/internal/clock"
	"github.com/ShayCichocki/hivemind/internal/collective"
	"github.com/ShayCichocki/hivemind/internal/state"
	"github.com/ShayCichocki/hivemind/internal/taskgraph"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

const launchPlan = `
collective:
  id: launch
  name: Product launch
  vision: Ship v1
agents:
  - id: builder
    capabilities: [go, sql]
  - id: writer
tasks:
  - id: docs
    title: Write docs
    level: task
    parent: site
    depends_on: [api]
    allowed_agents: [writer]
  - id: site
    title: Launch site
    level: feature
  - id: api
    title: Build API
    level: story
    parent: site
    metadata:
      priority: high
`

func newImporter(t *testing.T) (*Importer, *taskgraph.Store) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	clk := clock.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	tasks := taskgraph.NewStore(db, clk, nil)
	return NewImporter(collective.NewManager(db, nil, clk, nil), tasks, nil), tasks
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("collective:\n  name: x\n  colour: red\n"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr bool
		warn    string
	}{
		{name: "missing name", plan: Plan{}, wantErr: true},
		{
			name: "bad level",
			plan: Plan{Collective: PlanCollective{Name: "x"}, Tasks: []PlanTask{{ID: "t", Title: "t", Level: "chore"}}},
			wantErr: true,
		},
		{
			name: "duplicate task",
			plan: Plan{Collective: PlanCollective{Name: "x"}, Tasks: []PlanTask{
				{ID: "t", Title: "t", Level: "task"}, {ID: "t", Title: "t", Level: "task"},
			}},
			wantErr: true,
		},
		{
			name: "unknown parent",
			plan: Plan{Collective: PlanCollective{Name: "x"}, Tasks: []PlanTask{
				{ID: "t", Title: "t", Level: "task", Parent: "nope"},
			}},
			wantErr: true,
		},
		{
			name: "parent loop",
			plan: Plan{Collective: PlanCollective{Name: "x"}, Tasks: []PlanTask{
				{ID: "a", Title: "a", Level: "task", Parent: "b"},
				{ID: "b", Title: "b", Level: "task", Parent: "a"},
			}},
			wantErr: true,
		},
		{
			name: "dependency cycle is a warning",
			plan: Plan{Collective: PlanCollective{Name: "x"}, Tasks: []PlanTask{
				{ID: "a", Title: "a", Level: "task", DependsOn: []string{"b"}},
				{ID: "b", Title: "b", Level: "task", DependsOn: []string{"a"}},
			}},
			warn: "cycle",
		},
		{
			name: "external dependency is a warning",
			plan: Plan{Collective: PlanCollective{Name: "x"}, Tasks: []PlanTask{
				{ID: "a", Title: "a", Level: "task", DependsOn: []string{"elsewhere"}},
			}},
			warn: "not in the plan",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warnings, err := tt.plan.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPlan)
				return
			}
			require.NoError(t, err)
			require.Len(t, warnings, 1)
			assert.Contains(t, warnings[0], tt.warn)
		})
	}
}

func TestImport_CreatesHierarchy(t *testing.T) {
	im, tasks := newImporter(t)
	ctx := context.Background()

	p, err := Parse(strings.NewReader(launchPlan))
	require.NoError(t, err)
	res, err := im.Import(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "launch", res.CollectiveID)
	assert.Equal(t, 3, res.Tasks)
	assert.Equal(t, 3, res.Agents, "coordinator is added to the roster")
	assert.Empty(t, res.Warnings)

	site, err := tasks.Get(ctx, "site")
	require.NoError(t, err)
	assert.Equal(t, models.LevelFeature, site.Level)
	assert.ElementsMatch(t, []string{"docs", "api"}, site.ChildIDs)

	docs, err := tasks.Get(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, models.TaskUnassigned, docs.State)
	assert.Equal(t, []string{"api"}, docs.DependencyIDs)
	assert.Equal(t, []string{"writer"}, docs.AllowedAgentIDs)

	available, err := tasks.FindAvailable(ctx, "launch", []string{"builder", "writer"})
	require.NoError(t, err)
	var ids []string
	for _, a := range available {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"site", "api"}, ids)
}

func TestExport_RoundTrip(t *testing.T) {
	im, tasks := newImporter(t)
	ctx := context.Background()

	p, err := Parse(strings.NewReader(launchPlan))
	require.NoError(t, err)
	_, err = im.Import(ctx, p)
	require.NoError(t, err)
	_, err = tasks.Assign(ctx, "api", "builder")
	require.NoError(t, err)

	exported, err := im.Export(ctx, "launch")
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, exported))
	assert.Contains(t, buf.String(), "level: story")

	again, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, "Product launch", again.Collective.Name)
	assert.Equal(t, "pm", again.Collective.Coordinator)
	assert.Len(t, again.Agents, 2)
	require.Len(t, again.Tasks, 3)

	byID := map[string]PlanTask{}
	for _, pt := range again.Tasks {
		byID[pt.ID] = pt
	}
	assert.Equal(t, "assigned", byID["api"].State)
	assert.Equal(t, "builder", byID["api"].Assignee)
	assert.Equal(t, "high", byID["api"].Metadata["priority"])
	assert.Equal(t, "site", byID["docs"].Parent)

	// A snapshot imports into a fresh store.
	again.Collective.ID = "launch-copy"
	im2, tasks2 := newImporter(t)
	_, err = im2.Import(ctx, again)
	require.NoError(t, err)
	api, err := tasks2.Get(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, api.State)
	assert.Equal(t, "builder", api.AssignedAgentID)
}
