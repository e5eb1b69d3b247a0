package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hivemind/internal/audit"
	"github.com/ShayCichocki/hivemind/internal/config"
	"github.com/ShayCichocki/hivemind/internal/coordinator"
	"github.com/ShayCichocki/hivemind/internal/exec"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

var (
	runExec        string
	runExecTimeout time.Duration
	runExecDir     string
	runQuiet       bool
)

var runCmd = &cobra.Command{
	Use:   "run <collective>",
	Short: "Coordinate a collective until interrupted",
	Long: `Run the coordinator loop for a collective:

  - sweep message timeouts and expire stale messages
  - detect and resolve deadlocks
  - dispatch ready tasks to idle agents (with --exec)
  - apply a recovery strategy to every failed attempt
  - recover claims held by agents that stopped reporting

With --exec, every claimed task runs the given shell command. The task is
described through HIVEMIND_TASK_ID, HIVEMIND_TASK_TITLE, HIVEMIND_AGENT_ID
and related variables. Exit codes 124 (timeout), 75 (temporary failure),
69 (unavailable) and 65 (invalid data) classify the failure.

While running, 'hivemind signal pause|resume|stop' controls the loop, and
edits to the log level in the config file apply without a restart.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var signalCmd = &cobra.Command{
	Use:       "signal <pause|resume|stop>",
	Short:     "Send a control signal to a running coordinator",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(coordinator.SignalPause), string(coordinator.SignalResume), string(coordinator.SignalStop)},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := coordinator.SendSignal(coordinator.SignalDir(config.ProjectRoot()), coordinator.Signal(args[0])); err != nil {
			return err
		}
		printStatus("✓", "Sent "+args[0], color.FgGreen)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runExec, "exec", "", "Shell command that performs one task attempt")
	runCmd.Flags().DurationVar(&runExecTimeout, "exec-timeout", 10*time.Minute, "Base time limit of one attempt (0 for none)")
	runCmd.Flags().StringVar(&runExecDir, "exec-dir", "", "Working directory of the command (default: project root)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not print the audit feed")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	levelVar := new(slog.LevelVar)
	emitter := audit.NewEmitter(256, nil)
	s, err := openStack(ctx, stackOptions{
		sinks:       []audit.Sink{emitter},
		levelVar:    levelVar,
		skipLogSink: !runQuiet,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	id := args[0]
	c, err := s.collectives.Get(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case models.CollectiveInitializing:
		if err := s.collectives.Start(ctx, id); err != nil {
			return err
		}
	case models.CollectiveCompleted, models.CollectiveFailed:
		return fmt.Errorf("collective %s is %s", id, c.Status)
	}

	root := config.ProjectRoot()
	opts := []coordinator.Option{coordinator.WithLogger(s.logger)}
	if runExec != "" {
		dir := runExecDir
		if dir == "" {
			dir = root
		}
		executor, err := exec.NewShellExecutor(runExec,
			exec.WithDir(dir),
			exec.WithTimeout(runExecTimeout),
			exec.WithLogger(s.logger),
		)
		if err != nil {
			return err
		}
		opts = append(opts, coordinator.WithExecutor(executor))
	} else {
		printStatus("⚠", "No --exec command; tasks will not be dispatched", color.FgYellow)
	}

	watcher, err := coordinator.NewSignalWatcher(coordinator.SignalDir(root), s.logger)
	if err != nil {
		return err
	}
	defer watcher.Close()
	opts = append(opts, coordinator.WithSignals(watcher.Signals()))

	if configPath == "" {
		watchConfig(s.logger, levelVar)
	}

	loop, err := coordinator.NewLoop(id, coordinator.Deps{
		Channel:  s.channel,
		Resolver: s.resolver,
		Selector: s.selector,
		Tasks:    s.tasks,
		Roster:   s.collectives,
		Recorder: s.recorder,
	}, s.cfg.LoopConfig(), opts...)
	if err != nil {
		return err
	}

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		for ev := range emitter.Events() {
			if !runQuiet {
				printEvent(ev)
			}
		}
	}()

	fmt.Printf("Coordinating %s (%s). Ctrl+C or 'hivemind signal stop' to finish.\n", c.Name, id)
	err = loop.Run(ctx)
	emitter.Close()
	<-feedDone

	if n := emitter.DroppedCount(); n > 0 {
		s.logger.Warn("audit feed dropped events", "count", n)
	}
	if errors.Is(err, context.Canceled) {
		fmt.Println("\nReceived interrupt, shutting down...")
		return nil
	}
	return err
}

// watchConfig applies log level edits from the config files while running.
func watchConfig(logger *slog.Logger, levelVar *slog.LevelVar) {
	v, err := config.NewViper()
	if err != nil || v.ConfigFileUsed() == "" {
		return
	}
	config.Watch(v, func(cfg *config.Config, err error) {
		if err != nil {
			logger.Warn("ignoring invalid config change", "error", err)
			return
		}
		if logLevel != "" {
			return
		}
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			logger.Warn("ignoring invalid log level", "error", err)
			return
		}
		if level != levelVar.Level() {
			levelVar.Set(level)
			logger.Info("log level changed", "level", level.String())
		}
	})
}

func printEvent(ev models.AuditEvent) {
	ts := color.New(color.Faint).Sprint(ev.Timestamp.Local().Format("15:04:05"))
	typ := ev.Type
	switch ev.Type {
	case audit.TypeMessageFailed, audit.TypeDeadlockEscalated:
		typ = color.RedString(typ)
	case audit.TypeDeadlockDetected, audit.TypeDeadlockResolutionAttempt, audit.TypeClaimRecovered:
		typ = color.YellowString(typ)
	case audit.TypeRetryStrategySelected, audit.TypeCollectiveStatusChanged:
		typ = color.CyanString(typ)
	}
	fmt.Printf("%s %-28s %s\n", ts, typ, ev.Description)
}
