// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"io"
	"strings"
	"sync"
)

// Call records one command invocation.
type Call struct {
	Name  string
	Args  []string
	Stdin string
}

// Line returns the arguments joined by spaces.
func (c Call) Line() string { return strings.Join(c.Args, " ") }

type response struct {
	out string
	err error
}

// ScriptedRunner is a sandbox.CommandRunner returning canned responses keyed
// by argument prefix. The longest matching prefix wins. Several responses for
// one prefix are returned in order; the last one repeats.
type ScriptedRunner struct {
	mu      sync.Mutex
	calls   []Call
	runs    map[string][]response
	streams map[string][]response
}

// NewScriptedRunner creates an empty runner. Unscripted calls succeed with
// no output.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{
		runs:    make(map[string][]response),
		streams: make(map[string][]response),
	}
}

// On scripts a response for Run calls whose arguments start with prefix.
func (s *ScriptedRunner) On(prefix, out string, err error) *ScriptedRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[prefix] = append(s.runs[prefix], response{out: out, err: err})
	return s
}

// OnStream scripts the output of Stream calls whose arguments start with prefix.
func (s *ScriptedRunner) OnStream(prefix, out string, err error) *ScriptedRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[prefix] = append(s.streams[prefix], response{out: out, err: err})
	return s
}

// Calls returns a copy of the recorded invocations.
func (s *ScriptedRunner) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Find returns recorded calls whose arguments start with prefix.
func (s *ScriptedRunner) Find(prefix string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if strings.HasPrefix(c.Line(), prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (s *ScriptedRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	call := Call{Name: name, Args: args}
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		call.Stdin = string(b)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := s.record(call, s.runs)
	return []byte(r.out), r.err
}

func (s *ScriptedRunner) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	r := s.record(Call{Name: name, Args: args}, s.streams)
	if r.err != nil {
		return nil, r.err
	}
	return io.NopCloser(strings.NewReader(r.out)), nil
}

func (s *ScriptedRunner) record(call Call, table map[string][]response) response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)

	line := call.Line()
	best := ""
	found := false
	for prefix := range table {
		if strings.HasPrefix(line, prefix) && (!found || len(prefix) > len(best)) {
			best, found = prefix, true
		}
	}
	if !found {
		return response{}
	}
	queue := table[best]
	r := queue[0]
	if len(queue) > 1 {
		table[best] = queue[1:]
	}
	return r
}
