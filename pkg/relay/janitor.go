package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JanitorConfig bounds stream retention.
type JanitorConfig struct {
	// Schedule is a cron spec, e.g. "@every 1m".
	Schedule string
	// MaxLen is the number of entries kept per stream.
	MaxLen int
	// MaxAge deletes streams that have not been appended to for this long.
	MaxAge time.Duration
}

// Janitor trims durable streams on a cron schedule.
type Janitor struct {
	relay Relay
	cfg   JanitorConfig
	log   *zap.Logger
	cron  *cron.Cron
}

// NewJanitor creates a stopped Janitor.
func NewJanitor(r Relay, cfg JanitorConfig, log *zap.Logger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	return &Janitor{
		relay: r,
		cfg:   cfg,
		log:   log.Named("janitor"),
		cron:  cron.New(),
	}
}

// Start schedules the sweep.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() { j.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("scheduling relay janitor %q: %w", j.cfg.Schedule, err)
	}
	j.cron.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Trimmed int
	Deleted int
}

// Sweep applies the retention policy once.
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	streams, err := j.relay.Streams(ctx)
	if err != nil {
		j.log.Warn("listing streams", zap.Error(err))
		return res
	}

	now := time.Now()
	for _, s := range streams {
		if j.cfg.MaxAge > 0 && now.Sub(s.UpdatedAt) > j.cfg.MaxAge {
			if err := j.relay.Delete(ctx, s.Channel); err != nil {
				j.log.Warn("deleting stream", zap.String("channel", s.Channel), zap.Error(err))
				continue
			}
			res.Deleted++
			continue
		}
		if j.cfg.MaxLen > 0 && s.Length > j.cfg.MaxLen {
			n, err := j.relay.Trim(ctx, s.Channel, j.cfg.MaxLen)
			if err != nil {
				j.log.Warn("trimming stream", zap.String("channel", s.Channel), zap.Error(err))
				continue
			}
			res.Trimmed += n
		}
	}
	if res.Trimmed > 0 || res.Deleted > 0 {
		j.log.Debug("relay sweep", zap.Int("trimmed", res.Trimmed), zap.Int("deleted", res.Deleted))
	}
	return res
}
