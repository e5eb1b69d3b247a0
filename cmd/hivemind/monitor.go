package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hivemind/internal/tui"
)

var (
	monitorRefresh time.Duration
	monitorEvents  int
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <collective>",
	Short: "Watch a collective in a terminal UI",
	Long: `Open a live view of a collective's tasks, agents and audit trail.

Keys:
  tab / 1-3   switch between Tasks, Agents and Events
  /           filter the current view (enter keeps it, esc clears it)
  r           refresh now
  q           quit`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorRefresh, "refresh", 0, "Refresh interval (default: tui.refresh_rate)")
	monitorCmd.Flags().IntVar(&monitorEvents, "events", 50, "Number of recent audit events to show")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := openStack(ctx, stackOptions{logToFile: true})
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.collectives.Get(ctx, args[0]); err != nil {
		return err
	}
	refresh := monitorRefresh
	if refresh <= 0 {
		refresh = s.cfg.TUI.RefreshRate
	}
	return tui.Run(ctx, tui.StoreSource{
		Collectives: s.collectives,
		Tasks:       s.tasks,
		Detector:    s.detector,
		Events:      s.db,
		EventLimit:  monitorEvents,
	}, args[0], refresh)
}
