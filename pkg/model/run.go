// Package model defines the core data types shared across aideator packages.
package model

import (
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// VariationStatus represents the lifecycle state of a single Variation.
type VariationStatus string

const (
	VariationPending      VariationStatus = "pending"
	VariationProvisioning VariationStatus = "provisioning"
	VariationRunning      VariationStatus = "running"
	VariationCompleted    VariationStatus = "completed"
	VariationFailed       VariationStatus = "failed"
	VariationCancelled    VariationStatus = "cancelled"
)

// Terminal reports whether the variation has finished.
func (s VariationStatus) Terminal() bool {
	return s == VariationCompleted || s == VariationFailed || s == VariationCancelled
}

func (s VariationStatus) rank() int {
	switch s {
	case VariationPending:
		return 0
	case VariationProvisioning:
		return 1
	case VariationRunning:
		return 2
	case VariationCompleted, VariationFailed, VariationCancelled:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next keeps the state
// monotonic: no repeats, no regressions, nothing after a terminal state.
func (s VariationStatus) CanTransition(next VariationStatus) bool {
	if s.Terminal() {
		return false
	}
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

// Run is one user-initiated request to execute N independent agent attempts.
type Run struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	Repo        string     `json:"repo"`
	Branch      string     `json:"branch,omitempty"`
	Prompt      string     `json:"prompt"`
	Variations  int        `json:"variations"`
	Status      RunStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Variation is one of the N attempts within a run.
type Variation struct {
	RunID     string          `json:"run_id"`
	Index     int             `json:"index"`
	Status    VariationStatus `json:"status"`
	Handle    string          `json:"handle,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// Label returns a human readable name such as "variation 2".
func (v *Variation) Label() string {
	return fmt.Sprintf("variation %d", v.Index)
}
