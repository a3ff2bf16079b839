// Package relay carries run events between the processes producing sandbox
// output and the processes serving live subscribers.
//
// A Relay offers two delivery modes on one channel namespace. Publish and
// Subscribe are best-effort fan-out: messages go to whoever is listening and
// are otherwise dropped. Append and Read form a durable stream per channel
// where every entry receives a strictly increasing id, so readers can resume
// from the last id they saw.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aideator/aideator-sub000/pkg/model"
)

// ErrUnavailable wraps every transport failure. Callers log it and carry on.
var ErrUnavailable = errors.New("relay unavailable")

// DefaultReadCount bounds a Read when count is not positive.
const DefaultReadCount = 500

// Relay is the cross-process event transport.
type Relay interface {
	// Publish delivers payload to current subscribers of channel and returns
	// how many there were. Zero subscribers is not an error.
	Publish(ctx context.Context, channel string, payload []byte) (int, error)
	// Subscribe receives best-effort messages until ctx ends or the
	// subscription is closed.
	Subscribe(ctx context.Context, channel string) (*Subscription, error)

	// Append stores ev on channel, assigns ev.ID and returns it. Events are
	// treated as immutable once appended.
	Append(ctx context.Context, channel string, ev *model.Event) (int64, error)
	// Read returns up to count entries with id > afterID in id order. When
	// none are available and block is positive it waits up to block for new
	// entries; an empty result is not an error.
	Read(ctx context.Context, channel string, afterID int64, count int, block time.Duration) ([]*model.Event, error)
	// LastID returns the id of the newest entry, or 0.
	LastID(ctx context.Context, channel string) (int64, error)
	// Trim drops the oldest entries beyond maxLen and returns how many went.
	Trim(ctx context.Context, channel string, maxLen int) (int, error)
	// Streams lists the durable streams currently retained.
	Streams(ctx context.Context) ([]StreamInfo, error)
	// Delete drops a stream entirely.
	Delete(ctx context.Context, channel string) error

	Close() error
}

// StreamInfo describes one durable stream.
type StreamInfo struct {
	Channel   string
	Length    int
	LastID    int64
	UpdatedAt time.Time
}

// Subscription is a best-effort message feed. C is closed when the
// subscription ends.
type Subscription struct {
	C <-chan []byte

	once    sync.Once
	release func()
}

// NewSubscription wraps ch; release runs once on Close.
func NewSubscription(ch <-chan []byte, release func()) *Subscription {
	return &Subscription{C: ch, release: release}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.release)
}
