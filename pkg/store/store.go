// Package store defines the Run/Variation persistence used by the
// orchestrator. The orchestrator writes only status, handles and timestamps.
package store

import (
	"context"
	"errors"

	"github.com/aideator/aideator-sub000/pkg/model"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned when updating a run or variation that already
	// reached a terminal state.
	ErrTerminal = errors.New("already terminal")
)

// RunStore provides persistence for runs and their variations.
type RunStore interface {
	// CreateRun inserts run and one pending variation per index.
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, limit int) ([]*model.Run, error)
	// UpdateRunStatus records status and stamps started/completed times.
	// A terminal run is never changed again.
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errMsg string) error

	ListVariations(ctx context.Context, runID string) ([]*model.Variation, error)
	// UpdateVariation stores the variation's status, handle, error and
	// timestamps. A terminal variation is never changed again.
	UpdateVariation(ctx context.Context, v *model.Variation) error

	Close() error
}
