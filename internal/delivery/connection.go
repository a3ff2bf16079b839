package delivery

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/aideator/aideator-sub000/pkg/model"
)

// Transport names the wire adapter serving a connection.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// Frame is one queued outbound message. Cursor is set on resumable frames
// and holds the connection's full per-channel position after this event.
type Frame struct {
	Event  *model.Event
	Cursor string
}

// Connection is one subscriber's feed for a run. Adapters read Frames until
// Done is closed and must call Close when they stop.
type Connection struct {
	ID        string
	RunID     string
	Transport Transport
	CreatedAt time.Time

	hub    *Hub
	bucket *bucket
	queue  chan Frame
	done   chan struct{}

	mu         sync.Mutex
	cursor     model.Cursor
	err        error
	closeTimer *time.Timer
	closeOnce  sync.Once

	hbStop chan struct{}
	hbDone chan struct{}
}

func newConnection(h *Hub, b *bucket, id string, transport Transport, cursor model.Cursor, capacity int) *Connection {
	if cursor == nil {
		cursor = model.Cursor{}
	}
	return &Connection{
		ID:        id,
		RunID:     b.runID,
		Transport: transport,
		CreatedAt: time.Now().UTC(),
		hub:       h,
		bucket:    b,
		queue:     make(chan Frame, capacity),
		done:      make(chan struct{}),
		cursor:    cursor.Clone(),
		hbStop:    make(chan struct{}),
		hbDone:    make(chan struct{}),
	}
}

// Frames yields queued frames. It is never closed; select on Done too.
func (c *Connection) Frames() <-chan Frame { return c.queue }

// Done is closed when the connection ends for any reason.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended: ErrConnectionOverrun, ErrRunComplete,
// ErrHubClosed, or nil when the subscriber closed it.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Cursor returns the last delivered id per channel.
func (c *Connection) Cursor() model.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor.Clone()
}

// Reply queues a non-resumable frame such as a control acknowledgement.
func (c *Connection) Reply(typ model.EventType, data any) bool {
	ev, err := model.NewEvent(c.RunID, model.RunLevel, "", typ, data)
	if err != nil {
		return false
	}
	return c.offer(Frame{Event: ev})
}

// Close ends the connection, detaches it from its run and waits for its
// heartbeat task. It is safe to call more than once.
func (c *Connection) Close() {
	c.shutdown(nil)
	c.hub.detach(c)
	<-c.hbDone
}

// shutdown marks the connection finished. It never takes the bucket lock so
// it can run from inside a dispatch.
func (c *Connection) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		c.mu.Unlock()
		close(c.done)
		close(c.hbStop)
	})
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// offer enqueues f without blocking. A full queue evicts the connection.
func (c *Connection) offer(f Frame) bool {
	if c.closed() {
		return false
	}
	select {
	case c.queue <- f:
		return true
	default:
		c.hub.evicted(c)
		c.shutdown(ErrConnectionOverrun)
		return false
	}
}

// deliver offers a relay event unless the cursor already covers it. A
// run_complete event schedules the close after grace.
func (c *Connection) deliver(ev *model.Event, grace time.Duration) {
	c.mu.Lock()
	if !c.cursor.Advance(ev.Channel, ev.ID) {
		c.mu.Unlock()
		return
	}
	cursor := c.cursor.String()
	c.mu.Unlock()

	if !c.offer(Frame{Event: ev, Cursor: cursor}) {
		return
	}
	if ev.Type == model.EventRunComplete {
		c.closeAfter(grace)
	}
}

func (c *Connection) closeAfter(grace time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeTimer != nil || c.err != nil {
		return
	}
	c.closeTimer = time.AfterFunc(grace, func() { c.shutdown(ErrRunComplete) })
}

// heartbeat runs for the connection's lifetime.
func (c *Connection) heartbeat(interval time.Duration) {
	defer close(c.hbDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.hbStop:
			return
		case t := <-ticker.C:
			data, _ := json.Marshal(map[string]string{"timestamp": t.UTC().Format(time.RFC3339Nano)})
			c.offer(Frame{Event: &model.Event{
				RunID:     c.RunID,
				Variation: model.RunLevel,
				Type:      model.EventHeartbeat,
				Data:      data,
				Timestamp: t.UTC(),
			}})
		}
	}
}
