package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// CommandRunner executes control-plane CLIs (docker, kubectl). Backends take
// it as a seam so tests can script responses.
type CommandRunner interface {
	// Run executes the command to completion and returns stdout. A non-zero
	// exit is returned as *CommandError carrying stderr.
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
	// Stream starts the command and returns its merged stdout/stderr. Close
	// kills the process and reaps it.
	Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
}

// CommandError is returned by ExecRunner for non-zero exits.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

// ExecRunner implements CommandRunner with os/exec.
type ExecRunner struct{}

// Run executes name with args.
func (ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // arguments are built internally, never from user input
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), fmt.Errorf("%s: %w", name, ctx.Err())
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.Bytes(), &CommandError{
				Args:     append([]string{name}, args...),
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
			}
		}
		return stdout.Bytes(), fmt.Errorf("running %s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// Stream starts name with args and merges stderr into stdout at the source so
// both are interleaved in real time.
func (ExecRunner) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // arguments are built internally
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}
	return &processReader{Reader: stdout, cmd: cmd}, nil
}

type processReader struct {
	io.Reader
	cmd *exec.Cmd
}

func (p *processReader) Close() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	return nil
}

// maxLineSize bounds a single output line. Longer lines are delivered as
// consecutive chunks of at most this size.
const maxLineSize = 256 * 1024

// NewLineScanner wraps a merged output stream, surfacing ErrorMarker lines
// as Line.Error.
func NewLineScanner(rc io.ReadCloser) LineScanner {
	return &lineScanner{reader: bufio.NewReaderSize(rc, maxLineSize), rc: rc}
}

type lineScanner struct {
	reader *bufio.Reader
	rc     io.ReadCloser
	line   Line
	err    error
	done   bool
	// continued is set while the current line spans several chunks.
	continued bool
}

func (ls *lineScanner) Scan() bool {
	if ls.done {
		return false
	}
	chunk, isPrefix, err := ls.reader.ReadLine()
	if err != nil {
		ls.done = true
		if !errors.Is(err, io.EOF) {
			ls.err = err
		}
		return false
	}
	if ls.continued {
		ls.line = Line{Text: string(chunk)}
	} else {
		ls.line = ParseLine(string(chunk))
	}
	ls.continued = isPrefix
	return true
}

func (ls *lineScanner) Line() Line   { return ls.line }
func (ls *lineScanner) Err() error   { return ls.err }
func (ls *lineScanner) Close() error { return ls.rc.Close() }

// ParseLine classifies one raw output line.
func ParseLine(raw string) Line {
	raw = strings.TrimRight(raw, "\r")
	if msg, ok := strings.CutPrefix(raw, ErrorMarker); ok {
		return Line{Text: msg, Error: true}
	}
	return Line{Text: raw}
}

// SliceScanner replays already collected lines. It is used by backends whose
// output only becomes available once the call returns.
type SliceScanner struct {
	lines []Line
	pos   int
	err   error
}

// NewSliceScanner builds a scanner over lines; err is reported after the last line.
func NewSliceScanner(lines []Line, err error) *SliceScanner {
	return &SliceScanner{lines: lines, pos: -1, err: err}
}

func (s *SliceScanner) Scan() bool {
	if s.pos+1 >= len(s.lines) {
		s.pos = len(s.lines)
		return false
	}
	s.pos++
	return true
}

func (s *SliceScanner) Line() Line {
	if s.pos < 0 || s.pos >= len(s.lines) {
		return Line{}
	}
	return s.lines[s.pos]
}

func (s *SliceScanner) Err() error {
	if s.pos >= len(s.lines) {
		return s.err
	}
	return nil
}

func (s *SliceScanner) Close() error { return nil }

// SplitLines splits collected output into parsed lines.
func SplitLines(out string) []Line {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil
	}
	raw := strings.Split(out, "\n")
	lines := make([]Line, 0, len(raw))
	for _, r := range raw {
		lines = append(lines, ParseLine(r))
	}
	return lines
}
