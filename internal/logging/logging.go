// Package logging builds the structured loggers used across hivemind.
// Every component takes a *slog.Logger; this package decides where the
// records go (stderr or an append-only file under .hivemind/logs) and in
// which format.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is text or json. Empty means text.
	Format string
	// Path is a log file to append to. Empty means Output.
	Path string
	// Output is used when Path is empty. Nil means stderr.
	Output io.Writer
	// LevelVar, when set, is seeded with Level and read on every record,
	// so the level can change while the logger is in use.
	LevelVar *slog.LevelVar
}

// Logger is a *slog.Logger plus the file it may own.
type Logger struct {
	*slog.Logger
	file *syncFile
}

// New creates a logger from opts.
// Creates parent directories of Path if they don't exist.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	if opts.Output != nil {
		out = opts.Output
	}

	var file *syncFile
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = &syncFile{f: f}
		out = file
	}

	var leveler slog.Leveler = level
	if opts.LevelVar != nil {
		opts.LevelVar.Set(level)
		leveler = opts.LevelVar
	}
	handlerOpts := &slog.HandlerOptions{Level: leveler}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		if file != nil {
			file.Close()
		}
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	return &Logger{Logger: slog.New(handler), file: file}, nil
}

// ProjectLogPath returns the default log file inside a project.
func ProjectLogPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".hivemind", "logs", "hivemind.log")
}

// Close closes the log file, if any.
// Safe to call on nil logger or logger without file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// ParseLevel converts a config string into a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// syncFile serialises writes and syncs after each record so a crash
// never loses the tail of the log.
type syncFile struct {
	mu sync.Mutex
	f  *os.File
}

func (s *syncFile) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.f.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.f.Sync()
}

func (s *syncFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
