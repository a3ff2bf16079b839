// Package aideator is the top-level entry point: it composes the run store,
// event relay, sandbox backend, orchestrator and live delivery into an App.
//
//	app, err := aideator.NewBuilder(cfg, log).Build()
//	app.Start(ctx)
//	defer app.Stop(ctx)
//
// Any component can be replaced:
//
//	app, err := aideator.NewBuilder(cfg, log).
//	    WithBackend(myBackend).
//	    WithRelay(myRelay).
//	    Build()
package aideator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/internal/config"
	"github.com/aideator/aideator-sub000/internal/delivery"
	"github.com/aideator/aideator-sub000/internal/github"
	"github.com/aideator/aideator-sub000/internal/httpapi"
	"github.com/aideator/aideator-sub000/internal/notify"
	"github.com/aideator/aideator-sub000/internal/orchestrator"
	"github.com/aideator/aideator-sub000/internal/scheduler"
	"github.com/aideator/aideator-sub000/pkg/relay"
	sqliteRelay "github.com/aideator/aideator-sub000/pkg/relay/sqlite"
	"github.com/aideator/aideator-sub000/pkg/sandbox"
	daggerSandbox "github.com/aideator/aideator-sub000/pkg/sandbox/dagger"
	dockerSandbox "github.com/aideator/aideator-sub000/pkg/sandbox/docker"
	kubeSandbox "github.com/aideator/aideator-sub000/pkg/sandbox/kube"
	"github.com/aideator/aideator-sub000/pkg/store"
	sqliteStore "github.com/aideator/aideator-sub000/pkg/store/sqlite"
)

// Builder constructs an App.
type Builder struct {
	config   *config.Config
	log      *zap.Logger
	store    store.RunStore
	relay    relay.Relay
	backend  sandbox.Backend
	resolver  orchestrator.RepoResolver
	notifiers []orchestrator.Notifier
	identity  httpapi.IdentityResolver

	github *github.Client
	issues *github.IssueRuns
}

// NewBuilder creates a Builder; components not set explicitly are built
// from cfg.
func NewBuilder(cfg *config.Config, log *zap.Logger) *Builder {
	return &Builder{config: cfg, log: log}
}

// WithStore sets the run store implementation.
func (b *Builder) WithStore(s store.RunStore) *Builder {
	b.store = s
	return b
}

// WithRelay sets the event relay implementation.
func (b *Builder) WithRelay(r relay.Relay) *Builder {
	b.relay = r
	return b
}

// WithBackend sets the sandbox backend.
func (b *Builder) WithBackend(be sandbox.Backend) *Builder {
	b.backend = be
	return b
}

// WithResolver sets the repository resolver.
func (b *Builder) WithResolver(r orchestrator.RepoResolver) *Builder {
	b.resolver = r
	return b
}

// WithNotifier adds a run-finished notifier.
func (b *Builder) WithNotifier(n orchestrator.Notifier) *Builder {
	b.notifiers = append(b.notifiers, n)
	return b
}

// WithIdentity sets the request identity resolver.
func (b *Builder) WithIdentity(id httpapi.IdentityResolver) *Builder {
	b.identity = id
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	cfg := b.config

	emitter := relay.NewEmitter(b.relay, b.log, cfg.Relay.OpTimeout)

	var opts []orchestrator.Option
	if b.resolver != nil {
		opts = append(opts, orchestrator.WithResolver(b.resolver))
	}
	for _, n := range b.notifiers {
		opts = append(opts, orchestrator.WithNotifier(n))
	}
	orch := orchestrator.New(orchestrator.Config{
		Backend:           cfg.Sandbox.Backend,
		MaxVariations:     cfg.Runs.MaxVariations,
		MaxPromptLength:   cfg.Runs.MaxPromptLength,
		Concurrency:       cfg.Runs.Concurrency,
		ProvisionTimeout:  cfg.Runs.ProvisionTimeout,
		ExecutionTimeout:  cfg.Runs.ExecutionTimeout,
		ProvisionRetries:  cfg.Sandbox.ProvisionRetries,
		ProvisionBackoff:  cfg.Sandbox.ProvisionBackoff,
		StatusInterval:    cfg.Runs.StatusInterval,
		ControlAckTimeout: cfg.Runs.ControlAckTimeout,
		TerminateTimeout:  cfg.Sandbox.CallTimeout,
		Limits: sandbox.Limits{
			CPUs:         cfg.Sandbox.CPUs,
			MemoryMB:     cfg.Sandbox.MemoryMB,
			CloneTimeout: cfg.Runs.CloneTimeout,
		},
	}, b.store, b.backend, emitter, b.log, opts...)

	hub := delivery.NewHub(b.relay, delivery.Config{
		QueueSize:         cfg.Server.QueueSize,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		CloseGrace:        cfg.Server.CloseGrace,
		ReadBlock:         cfg.Relay.ReadBlock,
	}, b.log)

	janitor := relay.NewJanitor(b.relay, relay.JanitorConfig{
		Schedule: cfg.Relay.JanitorSchedule,
		MaxLen:   cfg.Relay.MaxLen,
		MaxAge:   cfg.Relay.MaxAge,
	}, b.log)

	var sched *scheduler.Scheduler
	if cfg.Runs.JobsDir != "" {
		sched = scheduler.New(cfg.Runs.JobsDir, orch, b.log)
	}

	var apiOpts []httpapi.Option
	if b.issues != nil {
		webhook := github.NewIssueWebhook(cfg.GitHub.WebhookSecret, cfg.GitHub.TriggerLabel, orch, b.issues, b.log)
		apiOpts = append(apiOpts, httpapi.WithWebhook("github", webhook))
	}

	return &App{
		config:       cfg,
		scheduler:    sched,
		log:          b.log,
		store:        b.store,
		relay:        b.relay,
		backend:      b.backend,
		orchestrator: orch,
		hub:          hub,
		janitor:      janitor,
		handler:      httpapi.New(orch, b.store, hub, b.identity, b.log, apiOpts...),
	}, nil
}

// App is a composed aideator server.
type App struct {
	config       *config.Config
	log          *zap.Logger
	store        store.RunStore
	relay        relay.Relay
	backend      sandbox.Backend
	orchestrator *orchestrator.Orchestrator
	hub          *delivery.Hub
	janitor      *relay.Janitor
	scheduler    *scheduler.Scheduler
	handler      http.Handler

	srv      *http.Server
	listener net.Listener
	serveErr chan error
}

// Orchestrator returns the run orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the listening address once started.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Start begins the retention janitor and the job scheduler, and serves HTTP
// in the background.
func (a *App) Start(_ context.Context) error {
	if err := a.janitor.Start(); err != nil {
		return err
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			a.janitor.Stop()
			return err
		}
	}
	ln, err := net.Listen("tcp", a.config.Server.Addr)
	if err != nil {
		a.janitor.Stop()
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		return fmt.Errorf("listening on %s: %w", a.config.Server.Addr, err)
	}
	a.listener = ln
	a.srv = &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	a.serveErr = make(chan error, 1)
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server failed", zap.Error(err))
			a.serveErr <- err
		}
		close(a.serveErr)
	}()
	a.log.Info("aideator server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("backend", a.config.Sandbox.Backend),
		zap.String("relay", a.config.Relay.Backend))
	return nil
}

// Stop shuts down in dependency order: live streams first so HTTP shutdown
// does not wait on them, then HTTP, then runs and their sandboxes, then
// storage.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if err := a.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing streams: %w", err))
	}
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down http: %w", err))
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.orchestrator.Stop()
	a.janitor.Stop()
	if c, ok := a.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing backend: %w", err))
		}
	}
	if err := a.relay.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing relay: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// Run starts the app and blocks until ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-a.serveErr:
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, a.Stop(stopCtx))
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// applyDefaults fills in missing components from configuration.
func applyDefaults(b *Builder) error {
	cfg := b.config
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	if b.store == nil {
		st, err := sqliteStore.New(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	if b.relay == nil {
		r, err := NewRelay(cfg)
		if err != nil {
			return err
		}
		b.relay = r
	}

	if b.backend == nil {
		be, err := NewBackend(cfg, b.log)
		if err != nil {
			return err
		}
		b.backend = be
	}

	if b.github == nil && cfg.GitHub.Token != "" {
		gh, err := github.NewClient(cfg.GitHub.Token, cfg.GitHub.BaseURL)
		if err != nil {
			return err
		}
		b.github = gh
	}
	if b.resolver == nil && b.github != nil {
		b.resolver = b.github
	}

	if cfg.NotifyEnabled() {
		b.notifiers = append(b.notifiers, notify.NewSlack(cfg.Notify.SlackWebhookURL, cfg.Notify.SlackChannel, b.log))
	}
	if cfg.IssueWebhookEnabled() && b.github != nil {
		b.issues = github.NewIssueRuns(b.github, b.log)
		b.notifiers = append(b.notifiers, b.issues)
	}

	if b.identity == nil {
		if cfg.Server.IdentityHeader != "" {
			b.identity = httpapi.HeaderResolver{Header: cfg.Server.IdentityHeader}
		} else {
			b.identity = httpapi.StaticResolver{User: cfg.Server.LocalUser}
		}
	}
	return nil
}

// NewRelay builds the relay selected by configuration.
func NewRelay(cfg *config.Config) (relay.Relay, error) {
	switch cfg.Relay.Backend {
	case "memory":
		return relay.NewMemoryRelay(cfg.Relay.MaxLen), nil
	case "sqlite":
		r, err := sqliteRelay.New(sqliteRelay.Config{
			Path:      cfg.Relay.Path,
			MaxLen:    cfg.Relay.MaxLen,
			OpTimeout: cfg.Relay.OpTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing relay: %w", err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("unsupported relay backend %q", cfg.Relay.Backend)
}

// NewBackend builds the sandbox backend selected by configuration. The
// choice is made once per process.
func NewBackend(cfg *config.Config, log *zap.Logger) (sandbox.Backend, error) {
	sc := cfg.Sandbox
	switch sc.Backend {
	case dockerSandbox.BackendName:
		return dockerSandbox.New(dockerSandbox.Config{
			Image:        sc.Image,
			BuildContext: sc.Docker.BuildContext,
			Network:      sc.Docker.Network,
			Entrypoint:   sc.Entrypoint,
			Env:          cfg.SandboxEnv(),
			PayloadDir:   filepath.Join(cfg.DataDir, "payloads"),
			CallTimeout:  sc.CallTimeout,
		}, log), nil
	case kubeSandbox.BackendName:
		return kubeSandbox.New(kubeSandbox.Config{
			Namespace:        sc.Kube.Namespace,
			Context:          sc.Kube.Context,
			Image:            sc.Image,
			ServiceAccount:   sc.Kube.ServiceAccount,
			Entrypoint:       sc.Entrypoint,
			Env:              cfg.SandboxEnv(),
			TTLAfterFinished: int(sc.Kube.TTLAfterFinished.Seconds()),
			CallTimeout:      sc.CallTimeout,
			PodStartTimeout:  sc.Kube.PodStartTimeout,
		}, log), nil
	case daggerSandbox.BackendName:
		return daggerSandbox.New(daggerSandbox.Config{
			Image:      sc.Image,
			Entrypoint: sc.Entrypoint,
			Env:        cfg.SandboxEnv(),
		}, log), nil
	}
	return nil, fmt.Errorf("unsupported sandbox backend %q", sc.Backend)
}
