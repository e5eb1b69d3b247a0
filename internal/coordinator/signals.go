package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/hivemind/internal/logging"
)

// Signal is an operator control request delivered through the signals
// directory.
type Signal string

const (
	SignalPause  Signal = "pause"
	SignalResume Signal = "resume"
	SignalStop   Signal = "stop"
)

func (s Signal) valid() bool {
	return s == SignalPause || s == SignalResume || s == SignalStop
}

// SignalDir returns the signals directory of a project.
func SignalDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".hivemind", "signals")
}

// SendSignal drops a signal file into dir for a running loop to pick up.
func SendSignal(dir string, s Signal) error {
	if !s.valid() {
		return fmt.Errorf("unknown signal %q", s)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, string(s)), []byte(time.Now().UTC().Format(time.RFC3339)), 0644)
}

// SignalWatcher turns files created in the signals directory into Signals.
// Each file is consumed (removed) once delivered.
type SignalWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	signals chan Signal
	done    chan struct{}
	logger  *slog.Logger
}

// NewSignalWatcher watches dir, creating it if needed. Signal files already
// present are delivered first.
func NewSignalWatcher(dir string, logger *slog.Logger) (*SignalWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &SignalWatcher{
		dir:     dir,
		watcher: watcher,
		signals: make(chan Signal, 8),
		done:    make(chan struct{}),
		logger:  logging.OrNop(logger).With("component", "signals"),
	}
	go w.watch(w.pending())
	return w, nil
}

// Signals returns the delivery channel. It is closed by Close.
func (w *SignalWatcher) Signals() <-chan Signal {
	return w.signals
}

// Close stops watching.
func (w *SignalWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *SignalWatcher) pending() []Signal {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil
	}
	var out []Signal
	for _, e := range entries {
		s := Signal(e.Name())
		if !e.IsDir() && s.valid() {
			out = append(out, s)
		}
	}
	// stop wins over anything queued alongside it
	sort.SliceStable(out, func(i, j int) bool { return out[j] == SignalStop && out[i] != SignalStop })
	return out
}

func (w *SignalWatcher) watch(initial []Signal) {
	defer close(w.signals)
	for _, s := range initial {
		if !w.deliver(s) {
			return
		}
	}
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			s := Signal(filepath.Base(event.Name))
			if !s.valid() {
				continue
			}
			if !w.deliver(s) {
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// deliver consumes the signal file and hands the signal to the reader. A
// file that is already gone was delivered by an earlier event.
func (w *SignalWatcher) deliver(s Signal) bool {
	if err := os.Remove(filepath.Join(w.dir, string(s))); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true
		}
		w.logger.Warn("remove signal file", "signal", string(s), "error", err)
	}
	w.logger.Info("signal received", "signal", string(s))
	select {
	case w.signals <- s:
		return true
	case <-w.done:
		return false
	}
}
