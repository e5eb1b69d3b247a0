package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/ShayCichocki/hivemind/internal/audit"
	"github.com/ShayCichocki/hivemind/internal/clock"
	"github.com/ShayCichocki/hivemind/internal/collective"
	"github.com/ShayCichocki/hivemind/internal/config"
	"github.com/ShayCichocki/hivemind/internal/deadlock"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/internal/messaging"
	"github.com/ShayCichocki/hivemind/internal/recovery"
	"github.com/ShayCichocki/hivemind/internal/state"
	"github.com/ShayCichocki/hivemind/internal/taskgraph"
)

// stack is the wired set of stores and components one command works with.
type stack struct {
	cfg         *config.Config
	logger      *slog.Logger
	db          *state.DB
	clock       clock.Clock
	recorder    *audit.Recorder
	tasks       *taskgraph.Store
	channel     *messaging.Channel
	collectives *collective.Manager
	detector    *deadlock.Detector
	resolver    *deadlock.Resolver
	selector    *recovery.Selector

	closers []func() error
}

type stackOptions struct {
	sinks    []audit.Sink
	levelVar *slog.LevelVar
	// logToFile sends logs to the project log file when log.path is unset,
	// keeping stderr clear for full-screen output.
	logToFile bool
	// skipLogSink leaves audit events out of the log, for commands that
	// print them already.
	skipLogSink bool
}

// openStack loads configuration, opens the state database and wires every
// component the way the coordinator runs them.
func openStack(ctx context.Context, opts stackOptions) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg, clock: clock.Real{}}
	if err := s.build(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *stack) build(ctx context.Context, opts stackOptions) error {
	cfg := s.cfg
	logPath := cfg.Log.Path
	if logPath == "" && opts.logToFile {
		logPath = logging.ProjectLogPath(config.ProjectRoot())
	}
	logger, err := logging.New(logging.Options{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Path:     logPath,
		LevelVar: opts.levelVar,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	s.closers = append(s.closers, logger.Close)
	s.logger = logger.Logger

	dbPath := cfg.State.Path
	if dbPath == "" {
		dbPath = state.ProjectDBPath(config.ProjectRoot())
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, db.Close)
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	s.db = db

	sinks := []audit.Sink{audit.NewStoreSink(db)}
	if !opts.skipLogSink {
		sinks = append(sinks, audit.NewLogSink(s.logger))
	}
	if dsn := cfg.Audit.PostgresDSN; dsn != "" {
		pg, err := audit.ConnectPgSink(ctx, dsn)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() error { pg.Close(); return nil })
		sinks = append(sinks, pg)
	}
	sinks = append(sinks, opts.sinks...)
	s.recorder = audit.NewRecorder(s.clock, sinks...)

	policy, err := cfg.MessagingPolicy()
	if err != nil {
		return err
	}
	s.tasks = taskgraph.NewStore(db, s.clock, s.logger)
	s.channel = messaging.NewChannel(db,
		messaging.WithClock(s.clock),
		messaging.WithLogger(s.logger),
		messaging.WithRecorder(s.recorder),
		messaging.WithPolicy(policy),
		messaging.WithTaskBlocker(s.tasks),
	)
	s.collectives = collective.NewManager(db, s.recorder, s.clock, s.logger)
	s.detector = deadlock.NewDetector(s.tasks, s.clock, s.logger)

	counters, err := s.counterStore(ctx)
	if err != nil {
		return err
	}
	s.resolver, err = deadlock.NewResolver(deadlock.RequiredConfig{
		Detector: s.detector,
		Tasks:    s.tasks,
		Roster:   db,
		Notifier: s.channel,
		Pauser:   s.collectives,
		Recorder: s.recorder,
	},
		deadlock.WithCounterStore(counters),
		deadlock.WithMaxAttempts(cfg.Deadlock.MaxAttempts),
		deadlock.WithMaxChildrenToCancel(cfg.Deadlock.MaxChildrenForCancel),
		deadlock.WithLogger(s.logger),
	)
	if err != nil {
		return err
	}

	s.selector = recovery.NewSelector(s.tasks, db, s.channel, s.recorder, s.clock, s.logger)
	s.selector.SetBackoff(cfg.Recovery.Backoff)
	return nil
}

func (s *stack) counterStore(ctx context.Context) (deadlock.CounterStore, error) {
	if s.cfg.Deadlock.CounterStore != "redis" {
		return deadlock.NewMemoryCounterStore(), nil
	}
	rc := s.cfg.Redis
	store, err := deadlock.NewRedisCounterStore(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	}, rc.Namespace, rc.TTL)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, store.Close)
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
	}
	return store, nil
}

// Close releases everything the stack opened, newest first.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
