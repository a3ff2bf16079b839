// Package docker implements sandbox.Backend using local Docker containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/pkg/sandbox"
)

// BackendName identifies handles produced by this package.
const BackendName = "docker"

// Config configures the Docker backend.
type Config struct {
	Image string
	// BuildContext, when set, is used to build Image if it is missing.
	// Otherwise the image is pulled.
	BuildContext string
	Network      string
	// Entrypoint overrides the image entrypoint command.
	Entrypoint []string
	// Env holds secrets passed through an env-file, never as arguments.
	Env []string
	// PayloadDir is the host directory holding per-sandbox payload files.
	PayloadDir  string
	CallTimeout time.Duration
}

// Runtime implements sandbox.Backend using the docker CLI.
type Runtime struct {
	cfg       Config
	dockerBin string
	runner    sandbox.CommandRunner
	log       *zap.Logger

	imageMu    sync.Mutex
	imageReady bool
}

// Option customises a Runtime.
type Option func(*Runtime)

// WithRunner replaces the command runner.
func WithRunner(r sandbox.CommandRunner) Option {
	return func(rt *Runtime) { rt.runner = r }
}

// WithBinary overrides docker binary discovery.
func WithBinary(path string) Option {
	return func(rt *Runtime) { rt.dockerBin = path }
}

// New creates a Docker backend.
func New(cfg Config, log *zap.Logger, opts ...Option) *Runtime {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	if cfg.PayloadDir == "" {
		cfg.PayloadDir = filepath.Join(os.TempDir(), "aideator")
	}
	rt := &Runtime{
		cfg:    cfg,
		runner: sandbox.ExecRunner{},
		log:    log.Named("docker"),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.dockerBin == "" {
		rt.dockerBin = findDocker()
	}
	return rt
}

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (r *Runtime) docker(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.runner.Run(ctx, nil, r.dockerBin, args...)
}

// ensureImage makes the base image available once per process. Concurrent
// callers wait for the first; failures are not cached.
func (r *Runtime) ensureImage(ctx context.Context) error {
	r.imageMu.Lock()
	defer r.imageMu.Unlock()
	if r.imageReady {
		return nil
	}

	if _, err := r.docker(ctx, "image", "inspect", r.cfg.Image); err != nil {
		if r.cfg.BuildContext != "" {
			r.log.Info("building sandbox image", zap.String("image", r.cfg.Image), zap.String("context", r.cfg.BuildContext))
			if _, err := r.docker(ctx, "build", "-t", r.cfg.Image, r.cfg.BuildContext); err != nil {
				return fmt.Errorf("building image %s: %w", r.cfg.Image, err)
			}
		} else {
			r.log.Info("pulling sandbox image", zap.String("image", r.cfg.Image))
			if _, err := r.docker(ctx, "pull", r.cfg.Image); err != nil {
				return fmt.Errorf("pulling image %s: %w", r.cfg.Image, err)
			}
		}
	}
	r.imageReady = true
	return nil
}

func (r *Runtime) payloadDir(name string) string {
	return filepath.Join(r.cfg.PayloadDir, name)
}

// Provision writes the payload and env files and starts a detached container.
func (r *Runtime) Provision(ctx context.Context, req sandbox.ProvisionRequest) (*sandbox.Handle, error) {
	if err := r.ensureImage(ctx); err != nil {
		return nil, sandbox.NewProvisionError("image", err)
	}

	name := req.Name()
	dir := r.payloadDir(name)
	envFile, err := r.writePayload(dir, req)
	if err != nil {
		return nil, &sandbox.ProvisionError{Op: "payload", Err: err}
	}

	limits := req.Limits.WithDefaults()
	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "aideator.run=" + req.RunID,
		"--label", "aideator.variation=" + strconv.Itoa(req.Variation),
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--cpus", strconv.Itoa(limits.CPUs),
		"--pids-limit", "512",
		"--env-file", envFile,
		"-v", dir + ":/aideator:ro",
	}
	if r.cfg.Network != "" {
		args = append(args, "--network", r.cfg.Network)
	}
	args = append(args, r.cfg.Image)
	args = append(args, r.cfg.Entrypoint...)

	if _, err := r.docker(ctx, args...); err != nil {
		// docker run -d may leave a created container behind.
		_ = r.cleanup(context.WithoutCancel(ctx), name)
		return nil, sandbox.NewProvisionError("start", err)
	}

	r.log.Debug("container started", zap.String("name", name))
	return &sandbox.Handle{
		Backend:   BackendName,
		ID:        name,
		RunID:     req.RunID,
		Variation: req.Variation,
	}, nil
}

func (r *Runtime) writePayload(dir string, req sandbox.ProvisionRequest) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating payload dir: %w", err)
	}
	payload, err := req.PayloadJSON()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "payload.json"), payload, 0o600); err != nil {
		return "", fmt.Errorf("writing payload: %w", err)
	}

	var env bytes.Buffer
	for _, e := range r.cfg.Env {
		env.WriteString(e + "\n")
	}
	fmt.Fprintf(&env, "AIDEATOR_RUN_ID=%s\n", req.RunID)
	fmt.Fprintf(&env, "AIDEATOR_VARIATION=%d\n", req.Variation)
	fmt.Fprintf(&env, "AIDEATOR_PAYLOAD=%s\n", sandbox.PayloadPath)
	if req.Limits.CloneTimeout > 0 {
		fmt.Fprintf(&env, "AIDEATOR_CLONE_TIMEOUT=%d\n", int(req.Limits.CloneTimeout.Seconds()))
	}
	if req.Limits.ExecutionTimeout > 0 {
		fmt.Fprintf(&env, "AIDEATOR_EXECUTION_TIMEOUT=%d\n", int(req.Limits.ExecutionTimeout.Seconds()))
	}

	// The env file lives beside, not inside, the mounted directory.
	envFile := dir + ".env"
	if err := os.WriteFile(envFile, env.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("writing env file: %w", err)
	}
	return envFile, nil
}

// StreamOutput follows the container's merged stdout/stderr.
func (r *Runtime) StreamOutput(ctx context.Context, h *sandbox.Handle) (sandbox.LineScanner, error) {
	args := []string{"logs", "-f"}
	if !h.Since.IsZero() {
		args = append(args, "--since", h.Since.UTC().Format(time.RFC3339Nano))
	}
	args = append(args, h.ID)

	rc, err := r.runner.Stream(ctx, r.dockerBin, args...)
	if err != nil {
		return nil, fmt.Errorf("starting log stream: %w", err)
	}
	return sandbox.NewLineScanner(rc), nil
}

// Status inspects the container state.
func (r *Runtime) Status(ctx context.Context, h *sandbox.Handle) (sandbox.State, error) {
	out, err := r.docker(ctx, "inspect", "-f", "{{.State.Status}} {{.State.ExitCode}}", h.ID)
	if err != nil {
		if sandbox.IsGone(err) {
			return sandbox.StateFailed, fmt.Errorf("container %s is gone", h.ID)
		}
		return sandbox.StatePending, fmt.Errorf("inspecting container: %w", err)
	}
	return parseState(string(out))
}

func parseState(out string) (sandbox.State, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return sandbox.StatePending, fmt.Errorf("unexpected inspect output %q", out)
	}
	switch fields[0] {
	case "created":
		return sandbox.StatePending, nil
	case "running", "restarting", "paused":
		return sandbox.StateActive, nil
	case "exited", "dead", "removing":
		if fields[1] == "0" {
			return sandbox.StateSucceeded, nil
		}
		return sandbox.StateFailed, nil
	}
	return sandbox.StatePending, fmt.Errorf("unknown container state %q", fields[0])
}

// Terminate kills and removes the container and its payload files.
func (r *Runtime) Terminate(ctx context.Context, h *sandbox.Handle) error {
	return r.cleanup(ctx, h.ID)
}

func (r *Runtime) cleanup(ctx context.Context, name string) error {
	_, _ = r.docker(ctx, "kill", name)
	_, err := r.docker(ctx, "rm", "-f", name)

	dir := r.payloadDir(name)
	if rmErr := os.RemoveAll(dir); rmErr != nil {
		r.log.Warn("removing payload dir", zap.String("path", dir), zap.Error(rmErr))
	}
	_ = os.Remove(dir + ".env")

	if err != nil && !sandbox.IsGone(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

var _ sandbox.Backend = (*Runtime)(nil)
