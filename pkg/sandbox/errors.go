package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout marks a bounded wait that was exceeded.
var ErrTimeout = errors.New("timeout")

// ErrorMarker prefixes lines the entrypoint uses to report a fatal error.
const ErrorMarker = "###AIDEATOR_ERROR### "

// ProvisionError reports that a sandbox could not be started.
type ProvisionError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ExecutionError reports a non-zero exit, an error marker or a broken stream.
type ExecutionError struct {
	ExitCode int
	Message  string
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("exited with code %d: %s", e.ExitCode, msg)
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a ProvisionError worth retrying.
func IsTransient(err error) bool {
	var pe *ProvisionError
	return errors.As(err, &pe) && pe.Transient
}

// NewProvisionError wraps err, classifying control-plane hiccups and per-call
// timeouts as transient.
func NewProvisionError(op string, err error) *ProvisionError {
	transient := errors.Is(err, context.DeadlineExceeded) || looksTransient(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &ProvisionError{Op: op, Transient: transient, Err: err}
}

var transientHints = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"tls handshake timeout",
	"serviceunavailable",
	"service unavailable",
	"too many requests",
	"cannot connect to the docker daemon",
	"is the docker daemon running",
	"etcdserver: request timed out",
	"unable to connect to the server",
}

func looksTransient(msg string) bool {
	msg = strings.ToLower(msg)
	for _, h := range transientHints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}

// IsGone reports whether a CLI error means the resource no longer exists.
func IsGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such object")
}
