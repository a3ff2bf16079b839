// Package dagger implements sandbox.Backend as ephemeral Dagger container
// calls. Output becomes available once the call returns.
package dagger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"dagger.io/dagger"
	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/pkg/sandbox"
)

// BackendName identifies handles produced by this package.
const BackendName = "dagger"

// Config configures the Dagger backend.
type Config struct {
	Image      string
	Entrypoint []string
	Env        []string
	// LogOutput receives engine progress. Defaults to stderr.
	LogOutput io.Writer
}

// Result is the outcome of one module call.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecFunc performs one module call to completion.
type ExecFunc func(ctx context.Context, req sandbox.ProvisionRequest) (Result, error)

type call struct {
	done       chan struct{}
	cancel     context.CancelFunc
	res        Result
	err        error
	terminated bool
}

// Runtime implements sandbox.Backend on top of a lazily connected Dagger
// engine.
type Runtime struct {
	cfg      Config
	log      *zap.Logger
	exec     ExecFunc
	injected bool

	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	client *dagger.Client
	calls  map[string]*call
}

// Option customises a Runtime.
type Option func(*Runtime)

// WithExec replaces the engine call, used by tests.
func WithExec(fn ExecFunc) Option {
	return func(r *Runtime) {
		r.exec = fn
		r.injected = true
	}
}

// New creates a Dagger backend. The engine connection is opened on first
// use.
func New(cfg Config, log *zap.Logger, opts ...Option) *Runtime {
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stderr
	}
	base, stop := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:   cfg,
		log:   log.Named("dagger"),
		base:  base,
		stop:  stop,
		calls: make(map[string]*call),
	}
	r.exec = r.engineExec
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// connect opens the engine session once. The session is bound to the
// runtime, not to the caller's context. Failures are not cached.
func (r *Runtime) connect() (*dagger.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := dagger.Connect(r.base, dagger.WithLogOutput(r.cfg.LogOutput))
	if err != nil {
		return nil, fmt.Errorf("connecting to dagger engine: %w", err)
	}
	r.client = client
	return client, nil
}

func (r *Runtime) engineExec(ctx context.Context, req sandbox.ProvisionRequest) (Result, error) {
	client, err := r.connect()
	if err != nil {
		return Result{}, err
	}
	payload, err := req.PayloadJSON()
	if err != nil {
		return Result{}, err
	}

	ctr := client.Container().From(r.cfg.Image).
		WithNewFile(sandbox.PayloadPath, string(payload)).
		WithEnvVariable("AIDEATOR_RUN_ID", req.RunID).
		WithEnvVariable("AIDEATOR_VARIATION", strconv.Itoa(req.Variation)).
		WithEnvVariable("AIDEATOR_PAYLOAD", sandbox.PayloadPath)
	if req.Limits.CloneTimeout > 0 {
		ctr = ctr.WithEnvVariable("AIDEATOR_CLONE_TIMEOUT", strconv.Itoa(int(req.Limits.CloneTimeout.Seconds())))
	}

	secrets := make(map[string]string, len(r.cfg.Env))
	for _, kv := range r.cfg.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			secrets[k] = v
		}
	}
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ctr = ctr.WithSecretVariable(k, client.SetSecret(req.Name()+"-"+strings.ToLower(k), secrets[k]))
	}

	opts := dagger.ContainerWithExecOpts{Expect: dagger.ReturnTypeAny}
	args := r.cfg.Entrypoint
	if len(args) == 0 {
		opts.UseEntrypoint = true
	}
	ctr = ctr.WithExec(args, opts)

	code, err := ctr.ExitCode(ctx)
	if err != nil {
		return Result{}, err
	}
	stdout, err := ctr.Stdout(ctx)
	if err != nil {
		return Result{}, err
	}
	stderr, _ := ctr.Stderr(ctx)
	return Result{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

// Provision starts the module call in the background.
func (r *Runtime) Provision(ctx context.Context, req sandbox.ProvisionRequest) (*sandbox.Handle, error) {
	if !r.injected {
		if _, err := r.connect(); err != nil {
			return nil, sandbox.NewProvisionError("connect", err)
		}
	}

	name := req.Name()
	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if req.Limits.ExecutionTimeout > 0 {
		execCtx, cancel = context.WithTimeout(r.base, req.Limits.ExecutionTimeout)
	} else {
		execCtx, cancel = context.WithCancel(r.base)
	}
	c := &call{done: make(chan struct{}), cancel: cancel}

	r.mu.Lock()
	if prev, ok := r.calls[name]; ok {
		prev.cancel()
	}
	r.calls[name] = c
	r.mu.Unlock()

	go func() {
		defer close(c.done)
		defer cancel()
		res, err := r.exec(execCtx, req)
		r.mu.Lock()
		c.res, c.err = res, err
		r.mu.Unlock()
	}()

	r.log.Debug("module call started", zap.String("name", name))
	return &sandbox.Handle{
		Backend:   BackendName,
		ID:        name,
		RunID:     req.RunID,
		Variation: req.Variation,
	}, nil
}

func (r *Runtime) lookup(h *sandbox.Handle) (*call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[h.ID]
	if !ok {
		return nil, fmt.Errorf("module call %s is not owned by this process", h.ID)
	}
	return c, nil
}

// StreamOutput waits for the call to return, then yields stdout followed by
// stderr.
func (r *Runtime) StreamOutput(ctx context.Context, h *sandbox.Handle) (sandbox.LineScanner, error) {
	c, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	lines := append(sandbox.SplitLines(c.res.Stdout), sandbox.SplitLines(c.res.Stderr)...)
	return sandbox.NewSliceScanner(lines, c.err), nil
}

// Status reports whether the call has returned.
func (r *Runtime) Status(_ context.Context, h *sandbox.Handle) (sandbox.State, error) {
	c, err := r.lookup(h)
	if err != nil {
		return sandbox.StateFailed, err
	}
	select {
	case <-c.done:
	default:
		return sandbox.StateActive, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.terminated || c.err != nil || c.res.ExitCode != 0 {
		return sandbox.StateFailed, nil
	}
	return sandbox.StateSucceeded, nil
}

// Terminate cancels the call and forgets it. Calls owned by another process
// have nothing to release here.
func (r *Runtime) Terminate(_ context.Context, h *sandbox.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[h.ID]; ok {
		c.terminated = true
		c.cancel()
		delete(r.calls, h.ID)
	}
	return nil
}

// Close cancels outstanding calls and closes the engine session.
func (r *Runtime) Close() error {
	r.stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

var _ sandbox.Backend = (*Runtime)(nil)
