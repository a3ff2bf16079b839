// Package delivery is the transport-independent core of live streaming.
// A Hub keeps one bucket per run holding that run's connections and a pump
// that tails the run's relay streams; SSE and WebSocket adapters only move
// queued frames onto the wire.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/pkg/model"
	"github.com/aideator/aideator-sub000/pkg/relay"
)

var (
	// ErrConnectionOverrun ends a connection whose queue filled up.
	ErrConnectionOverrun = errors.New("connection overrun")
	// ErrRunComplete ends connections after the run finished.
	ErrRunComplete = errors.New("run complete")
	// ErrHubClosed ends connections on server shutdown.
	ErrHubClosed = errors.New("hub closed")
)

// Config tunes delivery.
type Config struct {
	QueueSize         int
	HeartbeatInterval time.Duration
	CloseGrace        time.Duration
	// ReadBlock is how long a pump waits on the relay per read.
	ReadBlock time.Duration
	ReadCount int
	// RetryBackoff is the pause after a failed relay read.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 5 * time.Second
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = time.Second
	}
	if c.ReadCount <= 0 {
		c.ReadCount = relay.DefaultReadCount
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// bucket holds one run's connections. mu guards conns and makes attach,
// detach and broadcast atomic with respect to each other.
type bucket struct {
	runID string

	mu       sync.Mutex
	conns    map[string]*Connection
	started  bool
	closed   bool
	complete bool
	cancel   context.CancelFunc
}

// Hub is the process-wide connection registry.
type Hub struct {
	relay relay.Relay
	cfg   Config
	log   *zap.Logger

	base context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	buckets map[string]*bucket
	conns   sync.WaitGroup
	pumps   sync.WaitGroup
	closed  bool

	evictions atomic.Int64
}

// NewHub creates a Hub reading from r.
func NewHub(r relay.Relay, cfg Config, log *zap.Logger) *Hub {
	base, stop := context.WithCancel(context.Background())
	return &Hub{
		relay:   r,
		cfg:     cfg.withDefaults(),
		log:     log.Named("delivery"),
		base:    base,
		stop:    stop,
		buckets: make(map[string]*bucket),
	}
}

// Attach registers a connection on runID. The connection first receives a
// connected frame, then every retained event newer than cursor, then live
// events. A nil cursor replays from the beginning of retention.
func (h *Hub) Attach(ctx context.Context, runID string, transport Transport, cursor model.Cursor) (*Connection, error) {
	for {
		b, err := h.bucketFor(runID)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		if b.closed {
			// Lost a race with the last detach; use a fresh bucket.
			b.mu.Unlock()
			continue
		}
		conn, err := h.attachLocked(ctx, b, transport, cursor)
		b.mu.Unlock()
		if err != nil {
			h.releaseIfEmpty(b)
			return nil, err
		}
		return conn, nil
	}
}

func (h *Hub) bucketFor(runID string) (*bucket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	b, ok := h.buckets[runID]
	if !ok {
		b = &bucket{runID: runID, conns: make(map[string]*Connection)}
		h.buckets[runID] = b
	}
	return b, nil
}

func (h *Hub) attachLocked(ctx context.Context, b *bucket, transport Transport, cursor model.Cursor) (*Connection, error) {
	if !b.started {
		if err := h.startPump(ctx, b); err != nil {
			return nil, err
		}
	}

	backlog, err := h.backlog(ctx, b.runID, cursor)
	if err != nil {
		return nil, err
	}

	conn := newConnection(h, b, uuid.NewString(), transport, cursor, h.cfg.QueueSize+len(backlog)+1)
	conn.Reply(model.EventConnected, map[string]any{
		"run_id":        b.runID,
		"connection_id": conn.ID,
		"transport":     transport,
		"cursor":        conn.cursor.String(),
	})
	for _, ev := range backlog {
		if ev.Type == model.EventRunComplete {
			b.complete = true
		}
		conn.deliver(ev, h.cfg.CloseGrace)
	}
	if b.complete {
		// The run finished before this subscriber caught up.
		conn.closeAfter(h.cfg.CloseGrace)
	}

	b.conns[conn.ID] = conn
	h.conns.Add(1)
	go func() {
		defer h.conns.Done()
		conn.heartbeat(h.cfg.HeartbeatInterval)
	}()

	h.log.Debug("connection attached",
		zap.String("run_id", b.runID),
		zap.String("connection_id", conn.ID),
		zap.String("transport", string(transport)),
		zap.Int("backlog", len(backlog)))
	return conn, nil
}

// startPump captures the current end of every stream and tails from there.
// Anything at or before that point reaches a connection through its backlog.
func (h *Hub) startPump(ctx context.Context, b *bucket) error {
	start := make(map[model.Channel]int64, len(model.Channels))
	for _, ch := range model.Channels {
		id, err := h.relay.LastID(ctx, model.ChannelKey(b.runID, ch))
		if err != nil {
			return fmt.Errorf("reading stream position: %w", err)
		}
		start[ch] = id
	}
	if last := start[model.ChannelStatus]; last > 0 {
		evs, err := h.relay.Read(ctx, model.ChannelKey(b.runID, model.ChannelStatus), last-1, 1, 0)
		if err != nil {
			return fmt.Errorf("reading stream position: %w", err)
		}
		if len(evs) == 1 && evs[0].Type == model.EventRunComplete {
			b.complete = true
		}
	}

	pumpCtx, cancel := context.WithCancel(h.base)
	b.cancel = cancel
	b.started = true
	for _, ch := range model.Channels {
		h.pumps.Add(1)
		go func(ch model.Channel, after int64) {
			defer h.pumps.Done()
			h.pump(pumpCtx, b, ch, after)
		}(ch, start[ch])
	}
	return nil
}

func (h *Hub) backlog(ctx context.Context, runID string, cursor model.Cursor) ([]*model.Event, error) {
	var out []*model.Event
	for _, ch := range model.Channels {
		key := model.ChannelKey(runID, ch)
		after := cursor[ch]
		for {
			evs, err := h.relay.Read(ctx, key, after, h.cfg.ReadCount, 0)
			if err != nil {
				return nil, fmt.Errorf("reading backlog: %w", err)
			}
			out = append(out, evs...)
			if len(evs) < h.cfg.ReadCount {
				break
			}
			after = evs[len(evs)-1].ID
		}
	}
	return out, nil
}

func (h *Hub) pump(ctx context.Context, b *bucket, ch model.Channel, after int64) {
	key := model.ChannelKey(b.runID, ch)
	log := h.log.With(zap.String("run_id", b.runID), zap.String("channel", string(ch)))
	for {
		evs, err := h.relay.Read(ctx, key, after, h.cfg.ReadCount, h.cfg.ReadBlock)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("relay read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.cfg.RetryBackoff):
			}
			continue
		}
		if len(evs) == 0 {
			continue
		}
		after = evs[len(evs)-1].ID
		h.dispatch(b, evs)
	}
}

// dispatch broadcasts evs to every open connection of b. It never blocks on
// a subscriber.
func (h *Hub) dispatch(b *bucket, evs []*model.Event) {
	b.mu.Lock()
	for _, ev := range evs {
		if ev.Type == model.EventRunComplete {
			b.complete = true
		}
		for id, conn := range b.conns {
			if conn.closed() {
				delete(b.conns, id)
				continue
			}
			conn.deliver(ev, h.cfg.CloseGrace)
		}
	}
	for id, conn := range b.conns {
		if conn.closed() {
			delete(b.conns, id)
		}
	}
	empty := h.closeIfEmptyLocked(b)
	b.mu.Unlock()
	if empty {
		h.forget(b)
	}
}

// detach removes conn from its bucket and stops the pump when it was the
// last one. In-flight variations are unaffected.
func (h *Hub) detach(conn *Connection) {
	b := conn.bucket
	b.mu.Lock()
	delete(b.conns, conn.ID)
	empty := h.closeIfEmptyLocked(b)
	b.mu.Unlock()
	if empty {
		h.forget(b)
	}
}

func (h *Hub) releaseIfEmpty(b *bucket) {
	b.mu.Lock()
	empty := h.closeIfEmptyLocked(b)
	b.mu.Unlock()
	if empty {
		h.forget(b)
	}
}

func (h *Hub) closeIfEmptyLocked(b *bucket) bool {
	if b.closed || len(b.conns) > 0 {
		return false
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	return true
}

func (h *Hub) forget(b *bucket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.buckets[b.runID] == b {
		delete(h.buckets, b.runID)
	}
}

func (h *Hub) evicted(c *Connection) {
	h.evictions.Add(1)
	h.log.Warn("evicting slow connection",
		zap.String("run_id", c.RunID),
		zap.String("connection_id", c.ID),
		zap.Int("queue", cap(c.queue)))
}

// Connections returns the number of open connections on runID.
func (h *Hub) Connections(runID string) int {
	h.mu.Lock()
	b, ok := h.buckets[runID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed() {
			n++
		}
	}
	return n
}

// Evictions returns how many connections were dropped for overrun.
func (h *Hub) Evictions() int64 { return h.evictions.Load() }

// Shutdown ends every connection and waits for pumps and heartbeat tasks.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	buckets := make([]*bucket, 0, len(h.buckets))
	for _, b := range h.buckets {
		buckets = append(buckets, b)
	}
	h.buckets = make(map[string]*bucket)
	h.mu.Unlock()

	for _, b := range buckets {
		b.mu.Lock()
		for _, c := range b.conns {
			c.shutdown(ErrHubClosed)
		}
		b.mu.Unlock()
	}
	h.stop()

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
