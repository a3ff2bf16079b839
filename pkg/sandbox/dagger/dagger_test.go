package dagger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aideator/aideator-sub000/pkg/sandbox"
)

func drain(t *testing.T, sc sandbox.LineScanner) ([]sandbox.Line, error) {
	t.Helper()
	var lines []sandbox.Line
	for sc.Scan() {
		lines = append(lines, sc.Line())
	}
	return lines, sc.Err()
}

func TestCallOutputAfterCompletion(t *testing.T) {
	var calls atomic.Int32
	rt := New(Config{Image: "agent"}, zaptest.NewLogger(t), WithExec(func(ctx context.Context, req sandbox.ProvisionRequest) (Result, error) {
		calls.Add(1)
		return Result{Stdout: "one\ntwo\n", Stderr: sandbox.ErrorMarker + "bad\n", ExitCode: 1}, nil
	}))
	defer rt.Close()

	h, err := rt.Provision(context.Background(), sandbox.ProvisionRequest{RunID: "r", Variation: 1})
	require.NoError(t, err)
	assert.Equal(t, "aideator-r-1", h.ID)

	sc, err := rt.StreamOutput(context.Background(), h)
	require.NoError(t, err)
	lines, err := drain(t, sc)
	require.NoError(t, err)
	assert.Equal(t, []sandbox.Line{{Text: "one"}, {Text: "two"}, {Text: "bad", Error: true}}, lines)

	st, err := rt.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateFailed, st)
	assert.Equal(t, int32(1), calls.Load(), "module is invoked once per variation")
}

func TestStatusActiveUntilReturn(t *testing.T) {
	release := make(chan struct{})
	rt := New(Config{}, zaptest.NewLogger(t), WithExec(func(ctx context.Context, _ sandbox.ProvisionRequest) (Result, error) {
		<-release
		return Result{Stdout: "done\n"}, nil
	}))
	defer rt.Close()

	h, err := rt.Provision(context.Background(), sandbox.ProvisionRequest{RunID: "r"})
	require.NoError(t, err)

	st, err := rt.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateActive, st)

	close(release)
	sc, err := rt.StreamOutput(context.Background(), h)
	require.NoError(t, err)
	_, err = drain(t, sc)
	require.NoError(t, err)

	st, err = rt.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateSucceeded, st)
}

func TestTerminateCancelsCall(t *testing.T) {
	stopped := make(chan error, 1)
	rt := New(Config{}, zaptest.NewLogger(t), WithExec(func(ctx context.Context, _ sandbox.ProvisionRequest) (Result, error) {
		<-ctx.Done()
		stopped <- ctx.Err()
		return Result{}, ctx.Err()
	}))
	defer rt.Close()

	h, err := rt.Provision(context.Background(), sandbox.ProvisionRequest{RunID: "r"})
	require.NoError(t, err)
	require.NoError(t, rt.Terminate(context.Background(), h))
	require.NoError(t, rt.Terminate(context.Background(), h))

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("module call was not cancelled")
	}

	st, err := rt.Status(context.Background(), h)
	assert.Error(t, err)
	assert.Equal(t, sandbox.StateFailed, st)
}

func TestTerminateForgetsCalls(t *testing.T) {
	rt := New(Config{}, zaptest.NewLogger(t), WithExec(func(ctx context.Context, req sandbox.ProvisionRequest) (Result, error) {
		if req.Variation == 0 {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		return Result{Stdout: "ok\n"}, nil
	}))
	defer rt.Close()

	var handles []*sandbox.Handle
	for i := 0; i < 3; i++ {
		h, err := rt.Provision(context.Background(), sandbox.ProvisionRequest{RunID: "r", Variation: i})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	sc, err := rt.StreamOutput(context.Background(), handles[1])
	require.NoError(t, err)
	_, err = drain(t, sc)
	require.NoError(t, err)

	rt.mu.Lock()
	assert.Len(t, rt.calls, 3)
	rt.mu.Unlock()

	for _, h := range handles {
		require.NoError(t, rt.Terminate(context.Background(), h))
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.calls)
}

func TestExecutionTimeout(t *testing.T) {
	rt := New(Config{}, zaptest.NewLogger(t), WithExec(func(ctx context.Context, _ sandbox.ProvisionRequest) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))
	defer rt.Close()

	h, err := rt.Provision(context.Background(), sandbox.ProvisionRequest{
		RunID:  "r",
		Limits: sandbox.Limits{ExecutionTimeout: 20 * time.Millisecond},
	})
	require.NoError(t, err)

	sc, err := rt.StreamOutput(context.Background(), h)
	require.NoError(t, err)
	_, err = drain(t, sc)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestUnknownHandle(t *testing.T) {
	rt := New(Config{}, zaptest.NewLogger(t), WithExec(func(context.Context, sandbox.ProvisionRequest) (Result, error) {
		return Result{}, nil
	}))
	defer rt.Close()

	h := &sandbox.Handle{ID: "elsewhere"}
	_, err := rt.StreamOutput(context.Background(), h)
	assert.Error(t, err)
	assert.NoError(t, rt.Terminate(context.Background(), h))
}
