package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/aideator/aideator-sub000/pkg/sandbox"
)

// FakeSandbox scripts the behaviour of one variation.
type FakeSandbox struct {
	// ProvisionErrs are returned by successive Provision calls before it
	// succeeds.
	ProvisionErrs []error
	Lines         []sandbox.Line
	StreamErr     error
	// Final is reported by Status once output is drained. Defaults to
	// StateSucceeded.
	Final sandbox.State
	// Block keeps the stream open after Lines until the sandbox is
	// terminated or the stream context ends.
	Block bool
}

type fakeInstance struct {
	script     FakeSandbox
	drained    bool
	terminated chan struct{}
	termOnce   sync.Once
}

// FakeBackend is an in-memory sandbox.Backend keyed by variation index.
type FakeBackend struct {
	mu         sync.Mutex
	scripts    map[int]*FakeSandbox
	instances  map[string]*fakeInstance
	provisions map[int]int
	terminates map[string]int
	requests   []sandbox.ProvisionRequest
}

// NewFakeBackend creates a backend where unscripted variations succeed with
// no output.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		scripts:    make(map[int]*FakeSandbox),
		instances:  make(map[string]*fakeInstance),
		provisions: make(map[int]int),
		terminates: make(map[string]int),
	}
}

// Script sets the behaviour of a variation.
func (f *FakeBackend) Script(variation int, s FakeSandbox) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[variation] = &s
	return f
}

// Provisions returns how often Provision was called for a variation.
func (f *FakeBackend) Provisions(variation int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisions[variation]
}

// Terminations returns how often Terminate was called for a handle ID.
func (f *FakeBackend) Terminations(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminates[id]
}

// Requests returns the provision requests received.
func (f *FakeBackend) Requests() []sandbox.ProvisionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.ProvisionRequest(nil), f.requests...)
}

// HandleID returns the handle ID the fake assigns.
func HandleID(runID string, variation int) string {
	return fmt.Sprintf("fake-%s-%d", runID, variation)
}

func (f *FakeBackend) Provision(ctx context.Context, req sandbox.ProvisionRequest) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	n := f.provisions[req.Variation]
	f.provisions[req.Variation] = n + 1

	script := FakeSandbox{}
	if s, ok := f.scripts[req.Variation]; ok {
		script = *s
	}
	if n < len(script.ProvisionErrs) {
		return nil, script.ProvisionErrs[n]
	}
	if script.Final == "" {
		script.Final = sandbox.StateSucceeded
	}

	h := &sandbox.Handle{Backend: "fake", ID: HandleID(req.RunID, req.Variation), RunID: req.RunID, Variation: req.Variation}
	f.instances[h.ID] = &fakeInstance{script: script, terminated: make(chan struct{})}
	return h, nil
}

func (f *FakeBackend) instance(h *sandbox.Handle) (*fakeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[h.ID]
	if !ok {
		return nil, fmt.Errorf("sandbox %s not found", h.ID)
	}
	return inst, nil
}

func (f *FakeBackend) StreamOutput(ctx context.Context, h *sandbox.Handle) (sandbox.LineScanner, error) {
	inst, err := f.instance(h)
	if err != nil {
		return nil, err
	}
	return &fakeScanner{ctx: ctx, backend: f, inst: inst}, nil
}

func (f *FakeBackend) Status(_ context.Context, h *sandbox.Handle) (sandbox.State, error) {
	inst, err := f.instance(h)
	if err != nil {
		return sandbox.StateFailed, err
	}
	select {
	case <-inst.terminated:
		return sandbox.StateFailed, nil
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst.drained {
		return inst.script.Final, nil
	}
	return sandbox.StateActive, nil
}

func (f *FakeBackend) Terminate(_ context.Context, h *sandbox.Handle) error {
	f.mu.Lock()
	f.terminates[h.ID]++
	inst := f.instances[h.ID]
	f.mu.Unlock()
	if inst != nil {
		inst.termOnce.Do(func() { close(inst.terminated) })
	}
	return nil
}

type fakeScanner struct {
	ctx     context.Context
	backend *FakeBackend
	inst    *fakeInstance
	pos     int
	line    sandbox.Line
	err     error
	done    bool
}

func (s *fakeScanner) Scan() bool {
	if s.done {
		return false
	}
	if s.pos < len(s.inst.script.Lines) {
		s.line = s.inst.script.Lines[s.pos]
		s.pos++
		return true
	}
	s.done = true
	if s.inst.script.Block {
		select {
		case <-s.ctx.Done():
			s.err = s.ctx.Err()
			return false
		case <-s.inst.terminated:
			return false
		}
	}
	s.err = s.inst.script.StreamErr
	s.backend.mu.Lock()
	s.inst.drained = true
	s.backend.mu.Unlock()
	return false
}

func (s *fakeScanner) Line() sandbox.Line { return s.line }
func (s *fakeScanner) Err() error         { return s.err }
func (s *fakeScanner) Close() error       { return nil }

var _ sandbox.Backend = (*FakeBackend)(nil)
