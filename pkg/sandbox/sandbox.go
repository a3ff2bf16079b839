// Package sandbox defines the Backend capability set used to run one
// variation inside an isolated environment.
//
// Three variants implement it: docker (local container), kube (cluster job)
// and dagger (ephemeral module call). The variant is chosen once at process
// startup and never per call.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// State is the coarse backend-reported state of a sandbox.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the sandbox process has exited.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// DefaultMemoryMB is the default sandbox memory limit (2 GB).
const DefaultMemoryMB = 2048

// DefaultCPUs is the default CPU limit for sandboxes.
const DefaultCPUs = 2

// PayloadPath is where the run payload is mounted inside every sandbox.
const PayloadPath = "/aideator/payload.json"

// Limits bounds the resources and time a sandbox may use.
type Limits struct {
	CPUs     int
	MemoryMB int

	// ExecutionTimeout bounds the agent run. CloneTimeout bounds repository
	// clone/setup inside the sandbox and is enforced by the entrypoint.
	ExecutionTimeout time.Duration
	CloneTimeout     time.Duration
}

// WithDefaults fills zero values.
func (l Limits) WithDefaults() Limits {
	if l.CPUs <= 0 {
		l.CPUs = DefaultCPUs
	}
	if l.MemoryMB <= 0 {
		l.MemoryMB = DefaultMemoryMB
	}
	return l
}

// ProvisionRequest describes one variation to start.
type ProvisionRequest struct {
	RunID     string
	Variation int
	Repo      string // "owner/repo"
	Branch    string
	Prompt    string
	Limits    Limits

	// Config is opaque per-run backend configuration forwarded to the
	// entrypoint inside the payload file.
	Config map[string]string
}

// Name returns a stable sandbox name for the request.
func (r ProvisionRequest) Name() string {
	return fmt.Sprintf("aideator-%s-%d", r.RunID, r.Variation)
}

// Payload is the document written to PayloadPath. Prompts travel as a file,
// never as command-line arguments.
type Payload struct {
	RunID     string            `json:"run_id"`
	Variation int               `json:"variation"`
	Repo      string            `json:"repo"`
	Branch    string            `json:"branch,omitempty"`
	Prompt    string            `json:"prompt"`
	Config    map[string]string `json:"config,omitempty"`
}

// PayloadJSON renders the request payload.
func (r ProvisionRequest) PayloadJSON() ([]byte, error) {
	data, err := json.MarshalIndent(Payload{
		RunID:     r.RunID,
		Variation: r.Variation,
		Repo:      r.Repo,
		Branch:    r.Branch,
		Prompt:    r.Prompt,
		Config:    r.Config,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling payload: %w", err)
	}
	return data, nil
}

// Handle identifies a provisioned sandbox. ID is backend specific and is
// persisted so another process can terminate the sandbox.
type Handle struct {
	Backend   string
	ID        string
	RunID     string
	Variation int

	// Since, when set, asks StreamOutput to start from a fresh read position
	// instead of replaying output from the start.
	Since time.Time
}

func (h *Handle) String() string {
	return h.Backend + "/" + h.ID
}

// Line is one line of combined sandbox output. Error marks a line carrying
// the backend error marker; Text then holds only the message.
type Line struct {
	Text  string
	Error bool
}

// LineScanner provides line-by-line reading of sandbox output.
type LineScanner interface {
	Scan() bool
	Line() Line
	Err() error
	Close() error
}

// Backend manages sandbox lifecycle.
type Backend interface {
	// Provision allocates the environment and starts the fixed entrypoint.
	Provision(ctx context.Context, req ProvisionRequest) (*Handle, error)
	// StreamOutput returns lines as they are produced; the sequence ends at
	// process exit.
	StreamOutput(ctx context.Context, h *Handle) (LineScanner, error)
	// Status reports the current state without blocking on the sandbox.
	Status(ctx context.Context, h *Handle) (State, error)
	// Terminate tears the sandbox down. It is idempotent.
	Terminate(ctx context.Context, h *Handle) error
}
