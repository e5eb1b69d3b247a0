package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/hivemind/internal/coordinator"
	"github.com/ShayCichocki/hivemind/internal/recovery"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitError) ExitCode() int { return int(e) }

type fakeRunner struct {
	got    Command
	out    []byte
	err    error
	block  bool
	called int
}

func (f *fakeRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	f.called++
	f.got = c
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.out, f.err
}

func task() *models.Task {
	return &models.Task{
		ID:           "t1",
		CollectiveID: "c1",
		Title:        "Build API",
		Level:        models.LevelTask,
		Metadata:     map[string]any{},
	}
}

func TestNewShellExecutor_RequiresCommand(t *testing.T) {
	_, err := NewShellExecutor("")
	assert.Error(t, err)
}

func TestExecute_PassesTaskEnvironment(t *testing.T) {
	r := &fakeRunner{}
	e, err := NewShellExecutor("make task", WithRunner(r), WithDir("/work"))
	require.NoError(t, err)

	tk := task()
	tk.Metadata[recovery.MetaResourceHint] = "increase"
	require.NoError(t, e.Execute(context.Background(), tk, "a1"))

	assert.Equal(t, "sh", r.got.Name)
	assert.Equal(t, []string{"-c", "make task"}, r.got.Args)
	assert.Equal(t, "/work", r.got.Dir)
	assert.Contains(t, r.got.Env, "HIVEMIND_TASK_ID=t1")
	assert.Contains(t, r.got.Env, "HIVEMIND_AGENT_ID=a1")
	assert.Contains(t, r.got.Env, "HIVEMIND_TASK_LEVEL=task")
	assert.Contains(t, r.got.Env, "HIVEMIND_RESOURCE_HINT=increase")
}

func TestExecute_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{ExitTimeout, "timeout"},
		{ExitTempFail, "temporary_failure"},
		{ExitUnavail, "network_unavailable"},
		{ExitDataErr, "validation_error"},
		{1, "execution_error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			r := &fakeRunner{err: exitError(tt.code), out: []byte("line one\nconnection refused\n")}
			e, err := NewShellExecutor("true", WithRunner(r))
			require.NoError(t, err)

			err = e.Execute(context.Background(), task(), "a1")
			var execErr *coordinator.ExecutionError
			require.ErrorAs(t, err, &execErr)
			assert.Equal(t, tt.want, execErr.Type)
			assert.True(t, strings.HasSuffix(err.Error(), "connection refused"))
		})
	}

	assert.Equal(t, "execution_error", Classify(errors.New("not started")))
}

func TestExecute_TimeoutScalesWithMultiplier(t *testing.T) {
	e, err := NewShellExecutor("sleep 10", WithRunner(&fakeRunner{}), WithTimeout(time.Second))
	require.NoError(t, err)

	tk := task()
	assert.Equal(t, time.Second, e.Timeout(tk))
	tk.Metadata[recovery.MetaTimeoutMultiplier] = 4.0
	assert.Equal(t, 4*time.Second, e.Timeout(tk))

	none, err := NewShellExecutor("true")
	require.NoError(t, err)
	assert.Zero(t, none.Timeout(tk))
}

func TestExecute_DeadlineIsTimeout(t *testing.T) {
	r := &fakeRunner{block: true}
	e, err := NewShellExecutor("sleep 10", WithRunner(r), WithTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = e.Execute(context.Background(), task(), "a1")
	var execErr *coordinator.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "timeout", execErr.Type)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.Execute(ctx, task(), "a1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecRunner_RealProcess(t *testing.T) {
	e, err := NewShellExecutor(`echo "$HIVEMIND_TASK_ID failed" >&2; exit 75`)
	require.NoError(t, err)

	err = e.Execute(context.Background(), task(), "a1")
	var execErr *coordinator.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "temporary_failure", execErr.Type)
	assert.Contains(t, err.Error(), "t1 failed")

	ok, err := NewShellExecutor("true")
	require.NoError(t, err)
	assert.NoError(t, ok.Execute(context.Background(), task(), "a1"))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "cdef", Tail([]byte("  abcdef\n"), 4))
	assert.Empty(t, Tail(nil, 4))
}
