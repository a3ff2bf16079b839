package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aideator/aideator-sub000/pkg/model"
)

// subscriberBuffer is the per-subscriber buffer for best-effort messages.
const subscriberBuffer = 64

type stream struct {
	entries []*model.Event
	lastID  int64
	updated time.Time
	// notify is closed and replaced on every append.
	notify chan struct{}
}

type subscriber struct {
	ch chan []byte
}

// MemoryRelay is an in-process Relay. It suits a single server process and
// tests.
type MemoryRelay struct {
	maxLen int

	mu      sync.Mutex
	streams map[string]*stream
	subs    map[string][]*subscriber
	closed  bool
	done    chan struct{}
}

// NewMemoryRelay creates a relay that keeps at most maxLen entries per
// stream. A non-positive maxLen keeps everything.
func NewMemoryRelay(maxLen int) *MemoryRelay {
	return &MemoryRelay{
		maxLen:  maxLen,
		streams: make(map[string]*stream),
		subs:    make(map[string][]*subscriber),
		done:    make(chan struct{}),
	}
}

func unavailable(op string) error {
	return fmt.Errorf("%s: %w: closed", op, ErrUnavailable)
}

// Publish sends payload to every subscriber without blocking. Slow
// subscribers miss the message.
func (r *MemoryRelay) Publish(_ context.Context, channel string, payload []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, unavailable("publish")
	}
	subs := r.subs[channel]
	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return len(subs), nil
}

// Subscribe registers a best-effort subscriber on channel.
func (r *MemoryRelay) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, unavailable("subscribe")
	}
	s := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	r.subs[channel] = append(r.subs[channel], s)

	stop := make(chan struct{})
	sub := NewSubscription(s.ch, func() {
		close(stop)
		r.unsubscribe(channel, s)
	})
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-stop:
		}
	}()
	return sub, nil
}

func (r *MemoryRelay) unsubscribe(channel string, s *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[channel]
	for i, cur := range subs {
		if cur == s {
			r.subs[channel] = append(subs[:i:i], subs[i+1:]...)
			if len(r.subs[channel]) == 0 {
				delete(r.subs, channel)
			}
			close(s.ch)
			return
		}
	}
}

// Append stores a copy of ev with the next id.
func (r *MemoryRelay) Append(_ context.Context, channel string, ev *model.Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, unavailable("append")
	}
	st, ok := r.streams[channel]
	if !ok {
		st = &stream{notify: make(chan struct{})}
		r.streams[channel] = st
	}
	st.lastID++
	stored := *ev
	stored.ID = st.lastID
	ev.ID = stored.ID
	st.entries = append(st.entries, &stored)
	if r.maxLen > 0 && len(st.entries) > r.maxLen {
		st.entries = append([]*model.Event(nil), st.entries[len(st.entries)-r.maxLen:]...)
	}
	st.updated = time.Now()
	close(st.notify)
	st.notify = make(chan struct{})
	return stored.ID, nil
}

// Read returns entries after afterID, waiting up to block when none exist.
func (r *MemoryRelay) Read(ctx context.Context, channel string, afterID int64, count int, block time.Duration) ([]*model.Event, error) {
	if count <= 0 {
		count = DefaultReadCount
	}
	out, notify, err := r.collect(channel, afterID, count)
	if err != nil || len(out) > 0 || block <= 0 {
		return out, err
	}

	timer := time.NewTimer(block)
	defer timer.Stop()
	select {
	case <-notify:
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, unavailable("read")
	}
	out, _, err = r.collect(channel, afterID, count)
	return out, err
}

func (r *MemoryRelay) collect(channel string, afterID int64, count int) ([]*model.Event, <-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, unavailable("read")
	}
	st, ok := r.streams[channel]
	if !ok {
		// Readers may wait on a stream before its first entry.
		st = &stream{notify: make(chan struct{})}
		r.streams[channel] = st
	}
	i := sort.Search(len(st.entries), func(i int) bool { return st.entries[i].ID > afterID })
	end := min(i+count, len(st.entries))
	if i >= end {
		return nil, st.notify, nil
	}
	return append([]*model.Event(nil), st.entries[i:end]...), st.notify, nil
}

// LastID returns the newest id on channel.
func (r *MemoryRelay) LastID(_ context.Context, channel string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, unavailable("last id")
	}
	if st, ok := r.streams[channel]; ok {
		return st.lastID, nil
	}
	return 0, nil
}

// Trim keeps the newest maxLen entries.
func (r *MemoryRelay) Trim(_ context.Context, channel string, maxLen int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, unavailable("trim")
	}
	st, ok := r.streams[channel]
	if !ok || len(st.entries) <= maxLen {
		return 0, nil
	}
	n := len(st.entries) - maxLen
	st.entries = append([]*model.Event(nil), st.entries[n:]...)
	return n, nil
}

// Streams lists streams holding at least one entry.
func (r *MemoryRelay) Streams(context.Context) ([]StreamInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, unavailable("streams")
	}
	out := make([]StreamInfo, 0, len(r.streams))
	for name, st := range r.streams {
		if st.lastID == 0 {
			continue
		}
		out = append(out, StreamInfo{Channel: name, Length: len(st.entries), LastID: st.lastID, UpdatedAt: st.updated})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

// Delete removes a stream. Blocked readers are woken.
func (r *MemoryRelay) Delete(_ context.Context, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return unavailable("delete")
	}
	if st, ok := r.streams[channel]; ok {
		close(st.notify)
		delete(r.streams, channel)
	}
	return nil
}

// Close fails every later call and ends all subscriptions.
func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	for channel, subs := range r.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(r.subs, channel)
	}
	return nil
}

var _ Relay = (*MemoryRelay)(nil)
