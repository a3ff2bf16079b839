// Package orchestrator runs the N variations of a run in parallel sandboxes,
// records their lifecycle and signals completion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aideator/aideator-sub000/internal/watcher"
	"github.com/aideator/aideator-sub000/pkg/model"
	"github.com/aideator/aideator-sub000/pkg/relay"
	"github.com/aideator/aideator-sub000/pkg/sandbox"
	"github.com/aideator/aideator-sub000/pkg/store"
)

// Config holds orchestrator settings.
type Config struct {
	// Backend is the name recorded in handles, used to rebuild them when
	// cancelling a run owned by no process.
	Backend string

	MaxVariations   int
	MaxPromptLength int
	// Concurrency caps simultaneous variations per run. Zero means all.
	Concurrency int

	ProvisionTimeout time.Duration
	ExecutionTimeout time.Duration
	TerminateTimeout time.Duration
	ProvisionRetries int
	ProvisionBackoff time.Duration
	StatusInterval   time.Duration
	// ControlAckTimeout bounds how long Cancel waits for the owning
	// process to acknowledge a cancel before treating the run as orphaned.
	ControlAckTimeout time.Duration

	Limits sandbox.Limits
}

func (c Config) withDefaults() Config {
	if c.MaxVariations <= 0 {
		c.MaxVariations = 5
	}
	if c.MaxPromptLength <= 0 {
		c.MaxPromptLength = 20000
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 5 * time.Minute
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = time.Hour
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = time.Minute
	}
	if c.ProvisionBackoff <= 0 {
		c.ProvisionBackoff = 2 * time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 2 * time.Second
	}
	if c.ControlAckTimeout <= 0 {
		c.ControlAckTimeout = 10 * time.Second
	}
	return c
}

// Request is a run submission.
type Request struct {
	RequesterID string            `json:"-"`
	Repo        string            `json:"repo"`
	Branch      string            `json:"branch,omitempty"`
	Prompt      string            `json:"prompt"`
	Variations  int               `json:"variations"`
	Config      map[string]string `json:"config,omitempty"`
}

// ValidationError rejects a request before any sandbox starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// RepoResolver validates a repository reference and fills in its default
// branch.
type RepoResolver interface {
	DefaultBranch(ctx context.Context, repo string) (string, error)
}

// Notifier is told when a run reaches a terminal state.
type Notifier interface {
	RunFinished(ctx context.Context, run *model.Run, variations []*model.Variation) error
}

// ErrRepoNotFound is returned by resolvers for unknown repositories.
var ErrRepoNotFound = errors.New("repository not found")

// Orchestrator executes runs.
type Orchestrator struct {
	cfg       Config
	store     store.RunStore
	backend   sandbox.Backend
	emitter   *relay.Emitter
	watcher   *watcher.Watcher
	resolver  RepoResolver
	notifiers []Notifier
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*runState
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithResolver enables repository resolution at submit time.
func WithResolver(r RepoResolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithNotifier enables run-finished notifications.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifiers = append(o.notifiers, n) }
}

// New creates an Orchestrator.
func New(cfg Config, st store.RunStore, backend sandbox.Backend, emitter *relay.Emitter, log *zap.Logger, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg.withDefaults(),
		store:   st,
		backend: backend,
		emitter: emitter,
		watcher: watcher.New(backend, emitter, log),
		log:     log.Named("orchestrator"),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the run store.
func (o *Orchestrator) Store() store.RunStore { return o.store }

// Stop cancels every run owned by this process and waits until their
// sandboxes are torn down.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

type varState struct {
	v         *model.Variation
	handle    *sandbox.Handle
	terminate sync.Once
}

type runState struct {
	run       *model.Run
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu   sync.Mutex
	vars []*varState
}

func (rs *runState) snapshot() []*model.Variation {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]*model.Variation, len(rs.vars))
	for i, vs := range rs.vars {
		cp := *vs.v
		out[i] = &cp
	}
	return out
}

func (o *Orchestrator) validate(req *Request) error {
	req.Repo = strings.TrimSpace(req.Repo)
	if req.Repo == "" {
		return &ValidationError{Field: "repo", Message: "is required"}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "must not be empty"}
	}
	if len(req.Prompt) > o.cfg.MaxPromptLength {
		return &ValidationError{Field: "prompt", Message: fmt.Sprintf("exceeds %d characters", o.cfg.MaxPromptLength)}
	}
	if req.Variations < 1 || req.Variations > o.cfg.MaxVariations {
		return &ValidationError{Field: "variations", Message: fmt.Sprintf("must be between 1 and %d", o.cfg.MaxVariations)}
	}
	return nil
}

// Submit validates req, records the run and starts executing it in the
// background. Rejections are returned before any sandbox starts.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*model.Run, error) {
	if err := o.validate(&req); err != nil {
		return nil, err
	}
	if o.resolver != nil && req.Branch == "" {
		branch, err := o.resolver.DefaultBranch(ctx, req.Repo)
		if errors.Is(err, ErrRepoNotFound) {
			return nil, &ValidationError{Field: "repo", Message: err.Error()}
		}
		if err != nil {
			return nil, fmt.Errorf("resolving repository: %w", err)
		}
		req.Branch = branch
	}

	run := &model.Run{
		ID:          uuid.NewString(),
		RequesterID: req.RequesterID,
		Repo:        req.Repo,
		Branch:      req.Branch,
		Prompt:      req.Prompt,
		Variations:  req.Variations,
		Status:      model.RunPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	rs := o.track(o.ctx, run)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(rs, req.Config)
	}()

	o.log.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("repo", run.Repo),
		zap.Int("variations", run.Variations))
	return run, nil
}

// Execute runs every variation of an already stored run and blocks until
// all of them are terminal. It returns the final run status.
func (o *Orchestrator) Execute(ctx context.Context, run *model.Run) model.RunStatus {
	return o.execute(o.track(ctx, run), nil)
}

func (o *Orchestrator) track(ctx context.Context, run *model.Run) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rs, ok := o.runs[run.ID]; ok {
		return rs
	}
	runCtx, cancel := context.WithCancel(ctx)
	rs := &runState{run: run, ctx: runCtx, cancel: cancel}
	for i := 0; i < run.Variations; i++ {
		rs.vars = append(rs.vars, &varState{v: &model.Variation{
			RunID:  run.ID,
			Index:  i,
			Status: model.VariationPending,
		}})
	}
	o.runs[run.ID] = rs
	return rs
}

func (o *Orchestrator) untrack(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, runID)
}

func (o *Orchestrator) execute(rs *runState, backendConfig map[string]string) model.RunStatus {
	run := rs.run
	log := o.log.With(zap.String("run_id", run.ID))
	defer o.untrack(run.ID)

	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		o.watchControl(rs)
	}()
	defer func() {
		rs.cancel()
		<-controlDone
	}()

	sub, err := o.emitter.Relay().Subscribe(rs.ctx, model.ControlKey(run.ID))
	if err != nil {
		log.Warn("control channel unavailable, remote cancel disabled", zap.Error(err))
	} else {
		defer sub.Close()
		go func() {
			for msg := range sub.C {
				if string(msg) == ControlCancel {
					log.Info("cancel received over relay")
					o.cancelLocal(rs)
				}
			}
		}()
	}

	startCtx, cancel := o.detached()
	if err := o.store.UpdateRunStatus(startCtx, run.ID, model.RunRunning, ""); err != nil {
		log.Warn("recording run start", zap.Error(err))
	}
	cancel()

	g := new(errgroup.Group)
	if o.cfg.Concurrency > 0 {
		g.SetLimit(o.cfg.Concurrency)
	}
	for _, vs := range rs.vars {
		g.Go(func() error {
			o.runVariation(rs, vs, backendConfig)
			return nil
		})
	}
	_ = g.Wait()

	return o.finish(rs)
}

// detached returns a context for bookkeeping that must outlive a
// cancelled run.
func (o *Orchestrator) detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.cfg.TerminateTimeout)
}

func (o *Orchestrator) finish(rs *runState) model.RunStatus {
	run := rs.run
	vars := rs.snapshot()

	data := model.RunCompleteData{}
	for _, v := range vars {
		switch v.Status {
		case model.VariationCompleted:
			data.Succeeded++
		case model.VariationCancelled:
			data.Cancelled++
		default:
			data.Failed++
		}
	}
	switch {
	case rs.cancelled.Load() || rs.ctx.Err() != nil:
		data.Status = model.RunCancelled
	case data.Succeeded > 0:
		data.Status = model.RunCompleted
	default:
		data.Status = model.RunFailed
	}

	ctx, cancel := o.detached()
	defer cancel()
	log := o.log.With(zap.String("run_id", run.ID), zap.String("status", string(data.Status)))
	err := o.store.UpdateRunStatus(ctx, run.ID, data.Status, "")
	if errors.Is(err, store.ErrTerminal) {
		// Another process already finalised this run.
		log.Info("run already terminal")
		return data.Status
	}
	if err != nil {
		log.Error("recording run result", zap.Error(err))
	}
	run.Status = data.Status
	o.emitter.RunComplete(ctx, run.ID, data)
	log.Info("run finished",
		zap.Int("succeeded", data.Succeeded),
		zap.Int("failed", data.Failed),
		zap.Int("cancelled", data.Cancelled))

	for _, n := range o.notifiers {
		if err := n.RunFinished(ctx, run, vars); err != nil {
			log.Warn("sending notification", zap.Error(err))
		}
	}
	return data.Status
}
