package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ShayCichocki/hivemind/internal/logging"
)

// ErrStopped is returned by WaitIfPaused once the controller is stopped.
var ErrStopped = errors.New("coordinator stopped")

// PauseController holds the process-local pause/stop state of a loop.
type PauseController struct {
	paused  bool
	stopped bool
	// mu protects all fields.
	mu sync.Mutex
	// cond is signalled when the controller is resumed or stopped.
	cond   *sync.Cond
	logger *slog.Logger
}

// NewPauseController creates a running controller.
func NewPauseController(logger *slog.Logger) *PauseController {
	p := &PauseController{logger: logging.OrNop(logger).With("component", "pause")}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Pause stops new work from being dispatched.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.logger.Info("paused; no new work will be dispatched")
	}
}

// Resume lifts a pause.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.logger.Info("resumed")
		p.cond.Broadcast()
	}
}

// Stop signals a stop and unblocks every WaitIfPaused call.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		p.logger.Info("stop requested")
		p.cond.Broadcast()
	}
}

// IsPaused reports whether the controller is paused.
func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// IsStopped reports whether Stop has been called.
func (p *PauseController) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// WaitIfPaused blocks while the controller is paused. It returns ctx.Err()
// if the context ends first and ErrStopped once stopped.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused && !p.stopped {
		// One goroutine wakes the waiter on cancellation.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()

		for p.paused && !p.stopped {
			p.cond.Wait()
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	if p.stopped {
		return ErrStopped
	}
	return nil
}
