package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/pkg/model"
	"github.com/aideator/aideator-sub000/pkg/sandbox"
	"github.com/aideator/aideator-sub000/pkg/store"
)

// maxStatusErrors is how many consecutive status failures end a wait.
const maxStatusErrors = 3

// runVariation drives one variation to a terminal state. Nothing that
// happens here reaches sibling variations.
func (o *Orchestrator) runVariation(rs *runState, vs *varState, backendConfig map[string]string) {
	ctx := rs.ctx
	log := o.log.With(zap.String("run_id", rs.run.ID), zap.Int("variation", vs.v.Index))

	defer o.terminate(rs, vs)
	defer func() {
		if r := recover(); r != nil {
			log.Error("variation panicked", zap.Any("panic", r), zap.Stack("stack"))
			o.end(rs, vs, model.VariationFailed, fmt.Sprintf("internal error: %v", r), 0)
		}
	}()

	if ctx.Err() != nil {
		o.end(rs, vs, model.VariationCancelled, "run cancelled", 0)
		return
	}

	o.transition(rs, vs, model.VariationProvisioning, "")
	h, err := o.provision(ctx, rs.run, vs.v.Index, backendConfig)
	if err != nil {
		if ctx.Err() != nil {
			o.end(rs, vs, model.VariationCancelled, "run cancelled", 0)
			return
		}
		log.Warn("provisioning failed", zap.Error(err))
		o.end(rs, vs, model.VariationFailed, err.Error(), 0)
		return
	}

	rs.mu.Lock()
	vs.handle = h
	vs.v.Handle = h.ID
	rs.mu.Unlock()
	if ctx.Err() != nil {
		o.end(rs, vs, model.VariationCancelled, "run cancelled", 0)
		return
	}
	o.transition(rs, vs, model.VariationRunning, "")
	log.Info("sandbox running", zap.Stringer("handle", h))

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
	defer cancel()

	res, werr := o.watcher.Watch(execCtx, h)
	state := sandbox.StatePending
	var serr error
	if werr == nil {
		state, serr = o.awaitExit(execCtx, h)
	}

	switch {
	case ctx.Err() != nil:
		o.end(rs, vs, model.VariationCancelled, "run cancelled", 0)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		o.end(rs, vs, model.VariationFailed,
			fmt.Sprintf("%v: execution exceeded %s", sandbox.ErrTimeout, o.cfg.ExecutionTimeout), 0)
	case werr != nil:
		o.end(rs, vs, model.VariationFailed, werr.Error(), 0)
	case serr != nil:
		o.end(rs, vs, model.VariationFailed, serr.Error(), 0)
	case state == sandbox.StateSucceeded:
		o.end(rs, vs, model.VariationCompleted, "", res.OutputLines)
	default:
		msg := "agent exited with failure"
		if res.LastLine != "" {
			msg += ": " + res.LastLine
		}
		o.end(rs, vs, model.VariationFailed, msg, 0)
	}
}

// provision starts the sandbox, retrying transient control-plane failures
// with a fixed backoff.
func (o *Orchestrator) provision(ctx context.Context, run *model.Run, idx int, backendConfig map[string]string) (*sandbox.Handle, error) {
	limits := o.cfg.Limits
	limits.ExecutionTimeout = o.cfg.ExecutionTimeout
	req := sandbox.ProvisionRequest{
		RunID:     run.ID,
		Variation: idx,
		Repo:      run.Repo,
		Branch:    run.Branch,
		Prompt:    run.Prompt,
		Limits:    limits,
		Config:    backendConfig,
	}

	for attempt := 0; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, o.cfg.ProvisionTimeout)
		h, err := o.backend.Provision(pctx, req)
		cancel()
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !sandbox.IsTransient(err) || attempt >= o.cfg.ProvisionRetries {
			return nil, err
		}
		o.log.Info("retrying provision",
			zap.String("run_id", run.ID),
			zap.Int("variation", idx),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		t := time.NewTimer(o.cfg.ProvisionBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// awaitExit polls Status until the sandbox reports a terminal state.
func (o *Orchestrator) awaitExit(ctx context.Context, h *sandbox.Handle) (sandbox.State, error) {
	ticker := time.NewTicker(o.cfg.StatusInterval)
	defer ticker.Stop()

	failures := 0
	for {
		state, err := o.backend.Status(ctx, h)
		switch {
		case err == nil && state.Terminal():
			return state, nil
		case err == nil:
			failures = 0
		case state.Terminal():
			return state, &sandbox.ExecutionError{Err: err}
		case ctx.Err() != nil:
			return state, ctx.Err()
		default:
			failures++
			if failures >= maxStatusErrors {
				return state, &sandbox.ExecutionError{Message: "sandbox status unavailable", Err: err}
			}
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

// transition moves vs to status, persists it and emits variation_status.
// It reports false when the move would repeat or regress the state, or when
// the store already holds a terminal state written by a process cancelling
// the run. Only cancellation finalises variations from outside their owner,
// so the local state then becomes cancelled and the run is cancelled here
// too.
func (o *Orchestrator) transition(rs *runState, vs *varState, status model.VariationStatus, errMsg string) bool {
	rs.mu.Lock()
	v := vs.v
	if !v.Status.CanTransition(status) {
		rs.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	v.Status = status
	v.Error = errMsg
	if status == model.VariationProvisioning {
		v.StartedAt = &now
	}
	if status.Terminal() {
		v.EndedAt = &now
	}
	snap := *v
	rs.mu.Unlock()

	ctx, cancel := o.detached()
	defer cancel()
	err := o.store.UpdateVariation(ctx, &snap)
	if errors.Is(err, store.ErrTerminal) {
		rs.mu.Lock()
		v.Status = model.VariationCancelled
		v.Error = "run cancelled"
		rs.mu.Unlock()
		o.log.Info("variation finalised elsewhere",
			zap.String("run_id", snap.RunID),
			zap.Int("variation", snap.Index),
			zap.String("discarded", string(status)))
		o.cancelLocal(rs)
		return false
	}
	if err != nil {
		o.log.Warn("recording variation state",
			zap.String("run_id", snap.RunID),
			zap.Int("variation", snap.Index),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	o.emitter.VariationStatus(ctx, snap.RunID, snap.Index, status, errMsg)
	return true
}

// end records a terminal state and the matching agent event.
func (o *Orchestrator) end(rs *runState, vs *varState, status model.VariationStatus, msg string, lines int) {
	if !o.transition(rs, vs, status, msg) {
		return
	}
	ctx, cancel := o.detached()
	defer cancel()
	switch status {
	case model.VariationCompleted:
		o.emitter.AgentComplete(ctx, rs.run.ID, vs.v.Index, lines)
	case model.VariationFailed:
		o.emitter.AgentError(ctx, rs.run.ID, vs.v.Index, msg)
	}
}

// terminate tears down the variation's sandbox at most once. A variation
// without a handle has nothing to tear down yet.
func (o *Orchestrator) terminate(rs *runState, vs *varState) {
	rs.mu.Lock()
	h := vs.handle
	rs.mu.Unlock()
	if h == nil {
		return
	}
	vs.terminate.Do(func() {
		ctx, cancel := o.detached()
		defer cancel()
		if err := o.backend.Terminate(ctx, h); err != nil {
			o.log.Warn("terminating sandbox", zap.Stringer("handle", h), zap.Error(err))
		}
	})
}
