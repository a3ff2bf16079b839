package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/pkg/model"
)

// DefaultOpTimeout bounds a single relay operation made by an Emitter.
const DefaultOpTimeout = 2 * time.Second

// Emitter appends run events to the durable streams. Relay failures are
// logged and swallowed: losing an interval of events never aborts a run.
type Emitter struct {
	relay   Relay
	log     *zap.Logger
	timeout time.Duration
}

// NewEmitter creates an Emitter. A non-positive timeout uses DefaultOpTimeout.
func NewEmitter(r Relay, log *zap.Logger, timeout time.Duration) *Emitter {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return &Emitter{relay: r, log: log.Named("emitter"), timeout: timeout}
}

// Relay returns the underlying relay.
func (e *Emitter) Relay() Relay { return e.relay }

// Emit appends ev on its run channel. The call is detached from ctx
// cancellation so final events of a cancelled run still go out, but it is
// bounded by the emitter timeout. It reports whether the append succeeded.
func (e *Emitter) Emit(ctx context.Context, ev *model.Event) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if _, err := e.relay.Append(ctx, model.ChannelKey(ev.RunID, ev.Channel), ev); err != nil {
		e.log.Warn("dropping event",
			zap.String("run_id", ev.RunID),
			zap.Int("variation", ev.Variation),
			zap.String("channel", string(ev.Channel)),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return false
	}
	return true
}

func (e *Emitter) emit(ctx context.Context, runID string, variation int, ch model.Channel, typ model.EventType, data any) bool {
	ev, err := model.NewEvent(runID, variation, ch, typ, data)
	if err != nil {
		e.log.Error("building event", zap.String("type", string(typ)), zap.Error(err))
		return false
	}
	return e.Emit(ctx, ev)
}

// Output emits one freeform agent line.
func (e *Emitter) Output(ctx context.Context, runID string, variation int, line string) bool {
	return e.emit(ctx, runID, variation, model.ChannelOutput, model.EventAgentOutput, model.OutputData{Line: line})
}

// Log emits one internal line. Structured lines are forwarded as their
// original JSON document.
func (e *Emitter) Log(ctx context.Context, runID string, variation int, data any) bool {
	return e.emit(ctx, runID, variation, model.ChannelLog, model.EventAgentLog, data)
}

// VariationStatus emits a variation transition.
func (e *Emitter) VariationStatus(ctx context.Context, runID string, variation int, status model.VariationStatus, errMsg string) bool {
	return e.emit(ctx, runID, variation, model.ChannelStatus, model.EventVariationStatus,
		model.StatusData{Variation: variation, Status: status, Error: errMsg})
}

// AgentError emits the failure of one variation.
func (e *Emitter) AgentError(ctx context.Context, runID string, variation int, msg string) bool {
	return e.emit(ctx, runID, variation, model.ChannelStatus, model.EventAgentError,
		model.ErrorData{Variation: variation, Message: msg})
}

// AgentComplete emits the success of one variation.
func (e *Emitter) AgentComplete(ctx context.Context, runID string, variation, lines int) bool {
	return e.emit(ctx, runID, variation, model.ChannelStatus, model.EventAgentComplete,
		model.CompleteData{Variation: variation, Lines: lines})
}

// RunComplete emits the single terminal event of a run.
func (e *Emitter) RunComplete(ctx context.Context, runID string, data model.RunCompleteData) bool {
	return e.emit(ctx, runID, model.RunLevel, model.ChannelStatus, model.EventRunComplete, data)
}
