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

// ControlCancel is the control-channel message that cancels a run.
const ControlCancel = "cancel"

// Cancel stops a run. It is idempotent and succeeds for runs that already
// finished. A run owned by this process is cancelled directly. Otherwise a
// cancel request is appended to the run's control stream, and only when no
// owner acknowledges it within ControlAckTimeout are the persisted handles
// torn down from here.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.Lock()
	rs := o.runs[runID]
	o.mu.Unlock()
	if rs != nil {
		o.cancelLocal(rs)
		return nil
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	n, err := o.emitter.Relay().Publish(ctx, model.ControlKey(runID), []byte(ControlCancel))
	if err == nil && n > 0 {
		o.log.Info("cancel forwarded to owning process", zap.String("run_id", runID))
		return nil
	}
	if err != nil {
		o.log.Warn("publishing cancel", zap.String("run_id", runID), zap.Error(err))
	}

	acked, err := o.requestCancel(ctx, runID)
	if err != nil {
		o.log.Warn("requesting cancel", zap.String("run_id", runID), zap.Error(err))
	}
	if acked {
		o.log.Info("cancel acknowledged by owning process", zap.String("run_id", runID))
		return nil
	}
	return o.cancelOrphan(ctx, run)
}

// requestCancel appends a cancel request to the run's control stream and
// waits for the owner's acknowledgement.
func (o *Orchestrator) requestCancel(ctx context.Context, runID string) (bool, error) {
	r := o.emitter.Relay()
	key := model.ControlKey(runID)
	ev, err := model.NewEvent(runID, model.RunLevel, model.ChannelControl, model.EventCancelRequested, nil)
	if err != nil {
		return false, err
	}
	after, err := r.Append(ctx, key, ev)
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(o.cfg.ControlAckTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		evs, err := r.Read(ctx, key, after, 0, remaining)
		if err != nil {
			return false, err
		}
		for _, e := range evs {
			after = e.ID
			if e.Type == model.EventCancelAck {
				return true, nil
			}
		}
	}
}

// watchControl tails the run's control stream for cancel requests made by
// other processes. It returns when the run context ends or after handling
// a cancel.
func (o *Orchestrator) watchControl(rs *runState) {
	r := o.emitter.Relay()
	key := model.ControlKey(rs.run.ID)
	log := o.log.With(zap.String("run_id", rs.run.ID))

	var after int64
	for rs.ctx.Err() == nil {
		evs, err := r.Read(rs.ctx, key, after, 0, o.cfg.StatusInterval)
		if err != nil {
			if rs.ctx.Err() != nil {
				return
			}
			log.Debug("reading control stream", zap.Error(err))
			t := time.NewTimer(o.cfg.StatusInterval)
			select {
			case <-rs.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		for _, ev := range evs {
			after = ev.ID
			if ev.Type != model.EventCancelRequested {
				continue
			}
			log.Info("cancel received over control stream")
			o.cancelLocal(rs)
			o.ackCancel(rs.run.ID)
			return
		}
	}
}

func (o *Orchestrator) ackCancel(runID string) {
	ctx, cancel := o.detached()
	defer cancel()
	ev, err := model.NewEvent(runID, model.RunLevel, model.ChannelControl, model.EventCancelAck, nil)
	if err != nil {
		return
	}
	if _, err := o.emitter.Relay().Append(ctx, model.ControlKey(runID), ev); err != nil {
		o.log.Warn("acknowledging cancel", zap.String("run_id", runID), zap.Error(err))
	}
}

// cancelLocal cancels the run's context and concurrently terminates every
// non-terminal variation that already has a sandbox.
func (o *Orchestrator) cancelLocal(rs *runState) {
	if !rs.cancelled.CompareAndSwap(false, true) {
		return
	}
	o.log.Info("cancelling run", zap.String("run_id", rs.run.ID))
	rs.cancel()

	rs.mu.Lock()
	var pending []*varState
	for _, vs := range rs.vars {
		if !vs.v.Status.Terminal() && vs.handle != nil {
			pending = append(pending, vs)
		}
	}
	rs.mu.Unlock()

	for _, vs := range pending {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.terminate(rs, vs)
		}()
	}
}

// cancelOrphan finalises a run that no live process owns.
func (o *Orchestrator) cancelOrphan(ctx context.Context, run *model.Run) error {
	log := o.log.With(zap.String("run_id", run.ID))
	vars, err := o.store.ListVariations(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing variations: %w", err)
	}

	data := model.RunCompleteData{Status: model.RunCancelled}
	for _, v := range vars {
		switch v.Status {
		case model.VariationCompleted:
			data.Succeeded++
			continue
		case model.VariationFailed:
			data.Failed++
			continue
		case model.VariationCancelled:
			data.Cancelled++
			continue
		}
		// The terminal state must be stored before teardown; a live owner
		// then discards the failure it observes.
		now := time.Now().UTC()
		v.Status = model.VariationCancelled
		v.Error = "run cancelled"
		v.EndedAt = &now
		if err := o.store.UpdateVariation(ctx, v); err != nil {
			if errors.Is(err, store.ErrTerminal) {
				continue
			}
			log.Warn("recording cancelled variation", zap.Int("variation", v.Index), zap.Error(err))
		}
		data.Cancelled++
		o.emitter.VariationStatus(ctx, run.ID, v.Index, v.Status, v.Error)

		if v.Handle != "" {
			h := &sandbox.Handle{Backend: o.cfg.Backend, ID: v.Handle, RunID: run.ID, Variation: v.Index}
			if err := o.backend.Terminate(ctx, h); err != nil {
				log.Warn("terminating orphaned sandbox", zap.Stringer("handle", h), zap.Error(err))
			}
		}
	}

	err = o.store.UpdateRunStatus(ctx, run.ID, model.RunCancelled, "")
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording cancellation: %w", err)
	}
	o.emitter.RunComplete(ctx, run.ID, data)
	log.Info("orphaned run cancelled", zap.Int("cancelled", data.Cancelled))
	return nil
}
