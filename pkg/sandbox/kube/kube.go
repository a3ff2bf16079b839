// Package kube implements sandbox.Backend as Kubernetes Jobs driven through
// kubectl.
package kube

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/pkg/sandbox"
)

// BackendName identifies handles produced by this package.
const BackendName = "kube"

// Config configures the cluster-job backend.
type Config struct {
	Namespace      string
	Context        string
	Image          string
	ServiceAccount string
	Entrypoint     []string
	// Env holds secrets stored in the per-job Secret.
	Env              []string
	TTLAfterFinished int
	CallTimeout      time.Duration
	// PodStartTimeout bounds how long log streaming waits for the pod.
	PodStartTimeout time.Duration
}

// Runtime implements sandbox.Backend with kubectl.
type Runtime struct {
	cfg     Config
	kubectl string
	runner  sandbox.CommandRunner
	log     *zap.Logger
}

// Option customises a Runtime.
type Option func(*Runtime)

// WithRunner replaces the command runner.
func WithRunner(r sandbox.CommandRunner) Option {
	return func(rt *Runtime) { rt.runner = r }
}

// New creates a cluster-job backend.
func New(cfg Config, log *zap.Logger, opts ...Option) *Runtime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.PodStartTimeout <= 0 {
		cfg.PodStartTimeout = 5 * time.Minute
	}
	if cfg.TTLAfterFinished <= 0 {
		cfg.TTLAfterFinished = 600
	}
	rt := &Runtime{
		cfg:     cfg,
		kubectl: "kubectl",
		runner:  sandbox.ExecRunner{},
		log:     log.Named("kube"),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (r *Runtime) args(args ...string) []string {
	base := []string{"--namespace", r.cfg.Namespace}
	if r.cfg.Context != "" {
		base = append(base, "--context", r.cfg.Context)
	}
	return append(args, base...)
}

func (r *Runtime) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	var in io.Reader
	if stdin != nil {
		in = bytes.NewReader(stdin)
	}
	return r.runner.Run(ctx, in, r.kubectl, r.args(args...)...)
}

// Provision applies the payload Secret and the Job.
func (r *Runtime) Provision(ctx context.Context, req sandbox.ProvisionRequest) (*sandbox.Handle, error) {
	name := jobName(req.Name())
	manifests, err := r.renderManifests(name, req)
	if err != nil {
		return nil, &sandbox.ProvisionError{Op: "render", Err: err}
	}
	if _, err := r.run(ctx, manifests, "apply", "-f", "-"); err != nil {
		return nil, sandbox.NewProvisionError("apply", err)
	}
	r.log.Debug("job created", zap.String("job", name), zap.String("namespace", r.cfg.Namespace))
	return &sandbox.Handle{
		Backend:   BackendName,
		ID:        name,
		RunID:     req.RunID,
		Variation: req.Variation,
	}, nil
}

// StreamOutput follows the job pod logs.
func (r *Runtime) StreamOutput(ctx context.Context, h *sandbox.Handle) (sandbox.LineScanner, error) {
	args := []string{"logs", "-f", "job/" + h.ID,
		"--pod-running-timeout=" + r.cfg.PodStartTimeout.String()}
	if !h.Since.IsZero() {
		args = append(args, "--since-time="+h.Since.UTC().Format(time.RFC3339))
	}
	rc, err := r.runner.Stream(ctx, r.kubectl, r.args(args...)...)
	if err != nil {
		return nil, fmt.Errorf("starting log stream: %w", err)
	}
	return sandbox.NewLineScanner(rc), nil
}

const statusTemplate = `jsonpath={.status.active},{.status.succeeded},{.status.failed},{.status.conditions[?(@.status=="True")].type}`

// Status reads the job counters and conditions.
func (r *Runtime) Status(ctx context.Context, h *sandbox.Handle) (sandbox.State, error) {
	out, err := r.run(ctx, nil, "get", "job", h.ID, "-o", statusTemplate)
	if err != nil {
		if sandbox.IsGone(err) {
			return sandbox.StateFailed, fmt.Errorf("job %s is gone", h.ID)
		}
		return sandbox.StatePending, fmt.Errorf("reading job status: %w", err)
	}
	return parseStatus(string(out))
}

func parseStatus(out string) (sandbox.State, error) {
	parts := strings.SplitN(strings.TrimSpace(out), ",", 4)
	if len(parts) != 4 {
		return sandbox.StatePending, fmt.Errorf("unexpected job status %q", out)
	}
	count := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	conditions := parts[3]
	switch {
	case count(parts[2]) > 0 || strings.Contains(conditions, "Failed"):
		return sandbox.StateFailed, nil
	case count(parts[1]) > 0 || strings.Contains(conditions, "Complete"):
		return sandbox.StateSucceeded, nil
	case count(parts[0]) > 0:
		return sandbox.StateActive, nil
	}
	return sandbox.StatePending, nil
}

// Terminate deletes the job, its pods and the payload secret.
func (r *Runtime) Terminate(ctx context.Context, h *sandbox.Handle) error {
	_, err := r.run(ctx, nil, "delete", "job/"+h.ID, "secret/"+secretName(h.ID),
		"--ignore-not-found", "--wait=false")
	if err != nil && !sandbox.IsGone(err) {
		return fmt.Errorf("deleting job: %w", err)
	}
	return nil
}

var _ sandbox.Backend = (*Runtime)(nil)
