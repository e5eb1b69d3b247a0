package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [collective]",
	Short: "Show collectives, or one collective in detail",
	Long: `Without arguments, list every collective and its status.

With a collective id, show:
  - the roster and each agent's status
  - task counts by state and the failed tasks with their last error
  - undelivered messages and detected deadlocks`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var detectCmd = &cobra.Command{
	Use:   "detect <collective>",
	Short: "Report deadlocked task cycles without resolving them",
	Args:  cobra.ExactArgs(1),
	RunE:  runDetect,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStack(ctx, stackOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 0 {
		collectives, err := s.collectives.List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(collectives)
		}
		if len(collectives) == 0 {
			fmt.Println("No collectives. Run 'hivemind seed <plan.yaml>' to create one.")
			return nil
		}
		for _, c := range collectives {
			fmt.Printf("%-24s %s  %s (%s ago)\n", c.ID, colorStatus(string(c.Status)), c.Name, formatDuration(time.Since(c.CreatedAt)))
		}
		return nil
	}

	c, err := s.collectives.Get(ctx, args[0])
	if err != nil {
		return err
	}
	tasks, err := s.tasks.List(ctx, c.ID)
	if err != nil {
		return err
	}
	pending, err := s.db.ListPendingMessages(ctx, c.ID)
	if err != nil {
		return err
	}
	cycles, err := s.detector.Detect(ctx, c.ID)
	if err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(map[string]any{
			"collective":       c,
			"tasks":            tasks,
			"pending_messages": len(pending),
			"deadlocks":        cycles,
		})
	}

	fmt.Printf("Collective: %s (%s)\n", c.Name, c.ID)
	fmt.Printf("  Status: %s\n", colorStatus(string(c.Status)))
	if c.Vision != "" {
		fmt.Printf("  Vision: %s\n", c.Vision)
	}
	fmt.Printf("  Coordinator: %s\n", c.CoordinatorID)
	fmt.Println()

	fmt.Printf("Agents (%d):\n", len(c.Agents))
	for _, a := range c.Agents {
		line := fmt.Sprintf("  %-16s %s", a.ID, colorStatus(string(a.Status)))
		if a.CurrentTaskID != "" {
			line += " on " + a.CurrentTaskID
		}
		if a.AwaitingResponse {
			line += color.YellowString(" (awaiting response)")
		}
		fmt.Println(line)
	}
	fmt.Println()

	counts := map[models.TaskState]int{}
	var failed []models.Task
	for _, t := range tasks {
		counts[t.State]++
		if t.State == models.TaskFailed {
			failed = append(failed, t)
		}
	}
	fmt.Printf("Tasks (%d):\n", len(tasks))
	for _, st := range []models.TaskState{
		models.TaskUnassigned, models.TaskAssigned, models.TaskInProgress, models.TaskBlocked,
		models.TaskCompleted, models.TaskFailed, models.TaskCancelled,
	} {
		if counts[st] > 0 {
			fmt.Printf("  %-22s %d\n", colorStatus(string(st)), counts[st])
		}
	}
	for _, t := range failed {
		fmt.Printf("  %s %s: %s\n", color.RedString("✗"), t.ID, t.LastError)
	}
	fmt.Println()

	fmt.Printf("Pending messages: %d\n", len(pending))
	if len(cycles) == 0 {
		fmt.Printf("Deadlocks: %s\n", color.GreenString("none"))
	} else {
		fmt.Printf("Deadlocks: %s\n", color.RedString("%d", len(cycles)))
		printCycles(cycles)
	}
	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStack(ctx, stackOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	cycles, err := s.detector.Detect(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cycles)
	}
	if len(cycles) == 0 {
		printStatus("✓", "No deadlocks", color.FgGreen)
		return nil
	}
	printStatus("✗", fmt.Sprintf("%d deadlocked cycles", len(cycles)), color.FgRed)
	printCycles(cycles)
	return nil
}

func printCycles(cycles []models.DeadlockInfo) {
	for _, d := range cycles {
		if len(d.TaskIDs) == 0 {
			continue
		}
		path := strings.Join(append(append([]string(nil), d.TaskIDs...), d.TaskIDs[0]), " -> ")
		line := "  " + path
		if len(d.AgentIDs) > 0 {
			line += color.New(color.Faint).Sprintf("  agents: %s", strings.Join(d.AgentIDs, ", "))
		}
		fmt.Println(line)
	}
}

// colorStatus colors a collective, agent or task status.
func colorStatus(s string) string {
	switch s {
	case "running", "working", "in_progress", "assigned":
		return color.CyanString(s)
	case "completed", "idle":
		return color.GreenString(s)
	case "failed", "error":
		return color.RedString(s)
	case "paused", "blocked":
		return color.YellowString(s)
	default:
		return s
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
