// Package watcher tails a sandbox's output and forwards each line into the
// relay, split between the output and log channels.
package watcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/pkg/relay"
	"github.com/aideator/aideator-sub000/pkg/sandbox"
)

// Result summarises one watch.
type Result struct {
	OutputLines int
	LogLines    int
	// LastLine is the last output line, useful in failure messages.
	LastLine string
	// Reattached is set when the stream broke and was reopened.
	Reattached bool
}

// Watcher forwards sandbox output for one variation.
type Watcher struct {
	backend sandbox.Backend
	emitter *relay.Emitter
	log     *zap.Logger
	now     func() time.Time
}

// New creates a Watcher.
func New(backend sandbox.Backend, emitter *relay.Emitter, log *zap.Logger) *Watcher {
	return &Watcher{
		backend: backend,
		emitter: emitter,
		log:     log.Named("watcher"),
		now:     time.Now,
	}
}

// Watch reads h's output until it ends or ctx is cancelled. If the stream
// breaks while the sandbox is still active it reattaches once from a fresh
// read position. An error marker line, or a stream that stays broken, is
// returned as *sandbox.ExecutionError.
func (w *Watcher) Watch(ctx context.Context, h *sandbox.Handle) (Result, error) {
	var res Result
	log := w.log.With(zap.String("run_id", h.RunID), zap.Int("variation", h.Variation))
	var markerMsg string

	cur := *h
	for {
		sc, err := w.backend.StreamOutput(ctx, &cur)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, &sandbox.ExecutionError{Message: "attaching to output", Err: err}
		}

		for sc.Scan() {
			line := sc.Line()
			if line.Error {
				if markerMsg == "" {
					markerMsg = line.Text
				}
				res.LogLines++
				w.emitter.Log(ctx, h.RunID, h.Variation, logRecord{Level: "ERROR", Message: line.Text})
				continue
			}
			w.forward(ctx, h, line.Text, &res)
		}
		streamErr := sc.Err()
		_ = sc.Close()

		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if streamErr == nil || errors.Is(streamErr, context.Canceled) {
			break
		}
		if res.Reattached || !w.stillActive(ctx, &cur) {
			return res, &sandbox.ExecutionError{Message: "output stream broke: " + streamErr.Error(), Err: streamErr}
		}

		log.Warn("output stream broke, reattaching", zap.Error(streamErr))
		res.Reattached = true
		cur.Since = w.now()
	}

	if markerMsg != "" {
		return res, &sandbox.ExecutionError{Message: markerMsg}
	}
	return res, nil
}

func (w *Watcher) stillActive(ctx context.Context, h *sandbox.Handle) bool {
	st, err := w.backend.Status(ctx, h)
	return err == nil && st == sandbox.StateActive
}

func (w *Watcher) forward(ctx context.Context, h *sandbox.Handle, text string, res *Result) {
	c := Classify(text)
	if c.Kind == KindLog {
		res.LogLines++
		w.emitter.Log(ctx, h.RunID, h.Variation, c.Data)
		return
	}
	res.OutputLines++
	res.LastLine = text
	w.emitter.Output(ctx, h.RunID, h.Variation, text)
}
