package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hivemind/internal/recovery"
)

var (
	sweepArchiveAge time.Duration
	sweepPurge      bool

	failType      string
	failMessage   string
	failAttempts  int
	failTotalTime time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <collective>",
	Short: "Run one deadlock detection and resolution pass",
	Long: `Detect the collective's deadlocked cycles and attempt to resolve each.

Strategies are tried in order: remove_dependency, cancel_task,
reassign_task, force_unblock. A cycle that survives the configured number
of attempts is escalated and the collective is paused.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep <collective>",
	Short: "Retry timed-out messages, expire stale ones and archive old ones",
	Args:  cobra.ExactArgs(1),
	RunE:  runSweep,
}

var failCmd = &cobra.Command{
	Use:   "fail <task>",
	Short: "Report a failed task attempt and apply a recovery strategy",
	Long: `Record a failure for the task and let the recovery selector choose
among simple_retry, adjust_parameters, change_agent, add_context, decompose
and simplify. The chosen strategy is applied immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runFail,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepArchiveAge, "archive-older-than", 0, "Archive messages older than this (default: messaging.retention)")
	sweepCmd.Flags().BoolVar(&sweepPurge, "purge", false, "Delete archived messages after archiving")

	failCmd.Flags().StringVar(&failType, "type", "execution_error", "Failure type, e.g. timeout, network, validation_error")
	failCmd.Flags().StringVar(&failMessage, "message", "", "Error text reported by the executor")
	failCmd.Flags().IntVar(&failAttempts, "attempts", 0, "Attempts made before this failure")
	failCmd.Flags().DurationVar(&failTotalTime, "total-time", 0, "Time spent across all attempts")
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStack(ctx, stackOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	resolutions, err := s.resolver.ResolveAll(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(resolutions)
	}
	if len(resolutions) == 0 {
		printStatus("✓", "No deadlocks", color.FgGreen)
		return nil
	}
	for _, r := range resolutions {
		switch {
		case r.Escalated:
			printStatus("⚠", fmt.Sprintf("%s escalated after %d attempts: %s", r.Deadlock.Identity(), r.Attempt, r.Detail), color.FgYellow)
		case r.Resolved:
			printStatus("✓", fmt.Sprintf("%s resolved by %s on %s", r.Deadlock.Identity(), r.Strategy, r.TaskID), color.FgGreen)
		default:
			printStatus("✗", fmt.Sprintf("%s still deadlocked after %s (attempt %d)", r.Deadlock.Identity(), r.Strategy, r.Attempt), color.FgRed)
		}
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStack(ctx, stackOptions{})
	if err != nil {
		return err
	}
	defer s.Close()
	id := args[0]

	retried, err := s.channel.SweepTimeouts(ctx, id)
	if err != nil {
		return err
	}
	expired, err := s.channel.ExpireStale(ctx, id)
	if err != nil {
		return err
	}
	archived, err := s.channel.Archive(ctx, id, sweepArchiveAge)
	if err != nil {
		return err
	}
	var purged int64
	if sweepPurge {
		if purged, err = s.channel.Purge(ctx, id); err != nil {
			return err
		}
	}

	if jsonOutput() {
		return printJSON(map[string]any{
			"retried": retried, "expired": expired, "archived": archived, "purged": purged,
		})
	}
	fmt.Printf("Retried: %d\nExpired: %d\nArchived: %d\n", retried, expired, archived)
	if sweepPurge {
		fmt.Printf("Purged: %d\n", purged)
	}
	return nil
}

func runFail(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStack(ctx, stackOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	task, err := s.tasks.Get(ctx, args[0])
	if err != nil {
		return err
	}
	msg := failMessage
	if msg == "" {
		msg = failType
	}
	d, err := s.selector.Handle(ctx, task.CollectiveID, task.ID, recovery.TaskError{
		Type:         failType,
		Message:      msg,
		AttemptCount: failAttempts,
		TotalTime:    failTotalTime,
	})
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(d)
	}

	printStatus("✓", fmt.Sprintf("%s: %s", task.ID, d.Strategy), color.FgGreen)
	fmt.Printf("  %s\n", d.Rationale)
	if d.Delay > 0 {
		fmt.Printf("  retry after %s\n", d.Delay)
	}
	if d.AgentID != "" {
		fmt.Printf("  reassigned to %s\n", d.AgentID)
	}
	for _, h := range d.Hints {
		fmt.Printf("  hint: %s\n", h)
	}
	fmt.Println("  scores:")
	for _, sc := range d.Scores {
		fmt.Printf("    %-18s %d\n", sc.Strategy, sc.Score)
	}
	return nil
}
