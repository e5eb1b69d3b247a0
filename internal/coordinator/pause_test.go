package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPauseController_WaitReleasedByResume(t *testing.T) {
	p := NewPauseController(nil)
	require.NoError(t, p.WaitIfPaused(context.Background()))

	p.Pause()
	p.Pause()
	assert.True(t, p.IsPaused())

	done := make(chan error, 1)
	go func() { done <- p.WaitIfPaused(context.Background()) }()

	select {
	case <-done:
		t.Fatal("wait returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	p.Resume()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait not released by resume")
	}
}

func TestPauseController_StopAndCancel(t *testing.T) {
	p := NewPauseController(nil)
	p.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.WaitIfPaused(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("wait not released by cancel")
	}

	go func() { done <- p.WaitIfPaused(context.Background()) }()
	p.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("wait not released by stop")
	}
	assert.True(t, p.IsStopped())
	assert.ErrorIs(t, p.WaitIfPaused(context.Background()), ErrStopped)
}

func receive(t *testing.T, w *SignalWatcher) Signal {
	t.Helper()
	select {
	case s := <-w.Signals():
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no signal delivered")
		return ""
	}
}

func TestSignalWatcher_DeliversAndConsumes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	w, err := NewSignalWatcher(dir, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, SendSignal(dir, SignalPause))
	assert.Equal(t, SignalPause, receive(t, w))

	require.NoError(t, SendSignal(dir, SignalResume))
	assert.Equal(t, SignalResume, receive(t, w))

	_, err = os.Stat(filepath.Join(dir, "pause"))
	assert.True(t, os.IsNotExist(err), "signal file is consumed")

	assert.Error(t, SendSignal(dir, Signal("reboot")))
}

func TestSignalWatcher_PendingFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	require.NoError(t, SendSignal(dir, SignalStop))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	w, err := NewSignalWatcher(dir, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, SignalStop, receive(t, w))
}

func TestSignalDir(t *testing.T) {
	assert.Equal(t, filepath.Join("/p", ".hivemind", "signals"), SignalDir("/p"))
}
