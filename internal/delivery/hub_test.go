package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aideator/aideator-sub000/pkg/model"
	"github.com/aideator/aideator-sub000/pkg/relay"
)

const runID = "run1"

func newTestHub(t *testing.T, cfg Config) (*Hub, *relay.MemoryRelay, *relay.Emitter) {
	t.Helper()
	r := relay.NewMemoryRelay(0)
	log := zaptest.NewLogger(t)
	if cfg.ReadBlock == 0 {
		cfg.ReadBlock = 50 * time.Millisecond
	}
	h := NewHub(r, cfg, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, h.Shutdown(ctx))
	})
	return h, r, relay.NewEmitter(r, log, time.Second)
}

// next returns the next non-heartbeat frame.
func next(t *testing.T, c *Connection) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.Frames():
			if f.Event.Type == model.EventHeartbeat {
				continue
			}
			return f
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return Frame{}
		}
	}
}

func outputIDs(t *testing.T, c *Connection, n int) []int64 {
	t.Helper()
	var ids []int64
	for len(ids) < n {
		f := next(t, c)
		if f.Event.Channel == model.ChannelOutput {
			ids = append(ids, f.Event.ID)
		}
	}
	return ids
}

func TestAttachSendsConnectedThenBacklog(t *testing.T) {
	h, _, em := newTestHub(t, Config{})
	ctx := context.Background()
	em.Output(ctx, runID, 0, "one")
	em.Output(ctx, runID, 1, "two")

	c, err := h.Attach(ctx, runID, TransportSSE, nil)
	require.NoError(t, err)
	defer c.Close()

	first := next(t, c)
	assert.Equal(t, model.EventConnected, first.Event.Type)
	assert.Empty(t, first.Cursor)

	assert.Equal(t, []int64{1, 2}, outputIDs(t, c, 2))
	assert.Equal(t, 1, h.Connections(runID))
}

func TestResumeDeliversExactlyTheGap(t *testing.T) {
	h, _, em := newTestHub(t, Config{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		em.Output(ctx, runID, 0, "line")
	}

	c, err := h.Attach(ctx, runID, TransportWebSocket, model.Cursor{model.ChannelOutput: 3})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, model.EventConnected, next(t, c).Event.Type)

	for i := 0; i < 3; i++ {
		em.Output(ctx, runID, 0, "line")
	}
	f := next(t, c)
	assert.Equal(t, int64(4), f.Event.ID)
	assert.Equal(t, "output:4", f.Cursor)
	assert.Equal(t, []int64{5, 6, 7, 8}, outputIDs(t, c, 4))
}

func TestLiveAndBacklogNeverDuplicate(t *testing.T) {
	h, _, em := newTestHub(t, Config{})
	ctx := context.Background()

	stop := make(chan struct{})
	produced := make(chan int)
	go func() {
		n := 0
		for {
			select {
			case <-stop:
				produced <- n
				return
			default:
				em.Output(ctx, runID, 0, "x")
				n++
				time.Sleep(time.Millisecond)
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	c, err := h.Attach(ctx, runID, TransportSSE, nil)
	require.NoError(t, err)
	defer c.Close()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	total := <-produced

	ids := outputIDs(t, c, total)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}
}

// collect drains output ids from c without touching t, for use off the
// test goroutine.
func collect(c *Connection, n int, timeout time.Duration) []int64 {
	var ids []int64
	deadline := time.After(timeout)
	for len(ids) < n {
		select {
		case f := <-c.Frames():
			if f.Event.Channel == model.ChannelOutput {
				ids = append(ids, f.Event.ID)
			}
		case <-deadline:
			return ids
		}
	}
	return ids
}

func TestSlowConnectionEvictedWithoutBlockingOthers(t *testing.T) {
	h, _, em := newTestHub(t, Config{QueueSize: 8})
	ctx := context.Background()

	slow, err := h.Attach(ctx, runID, TransportSSE, nil)
	require.NoError(t, err)
	defer slow.Close()
	fast, err := h.Attach(ctx, runID, TransportSSE, nil)
	require.NoError(t, err)
	defer fast.Close()

	const n = 60
	got := make(chan []int64, 1)
	go func() { got <- collect(fast, n, 5*time.Second) }()

	start := time.Now()
	for i := 0; i < n; i++ {
		em.Output(ctx, runID, 0, "x")
		time.Sleep(2 * time.Millisecond)
	}
	assert.Less(t, time.Since(start), 3*time.Second, "producer was blocked")

	ids := <-got
	assert.Len(t, ids, n)
	assert.NoError(t, fast.Err())

	select {
	case <-slow.Done():
		assert.ErrorIs(t, slow.Err(), ErrConnectionOverrun)
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not evicted")
	}
	assert.Equal(t, int64(1), h.Evictions())
}

func TestRunCompleteClosesAfterGrace(t *testing.T) {
	h, _, em := newTestHub(t, Config{CloseGrace: 50 * time.Millisecond})
	ctx := context.Background()

	a, err := h.Attach(ctx, runID, TransportSSE, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := h.Attach(ctx, runID, TransportWebSocket, nil)
	require.NoError(t, err)
	defer b.Close()

	em.RunComplete(ctx, runID, model.RunCompleteData{Status: model.RunCompleted, Succeeded: 1})

	for _, c := range []*Connection{a, b} {
		next(t, c)
		f := next(t, c)
		assert.Equal(t, model.EventRunComplete, f.Event.Type)
		select {
		case <-c.Done():
			assert.ErrorIs(t, c.Err(), ErrRunComplete)
		case <-time.After(2 * time.Second):
			t.Fatal("connection not closed after run_complete grace")
		}
	}
}

func TestAttachAfterCompletionCloses(t *testing.T) {
	h, r, em := newTestHub(t, Config{CloseGrace: 20 * time.Millisecond})
	ctx := context.Background()
	em.Output(ctx, runID, 0, "x")
	em.RunComplete(ctx, runID, model.RunCompleteData{Status: model.RunFailed})
	last, err := r.LastID(ctx, model.ChannelKey(runID, model.ChannelStatus))
	require.NoError(t, err)

	c, err := h.Attach(ctx, runID, TransportSSE, model.Cursor{model.ChannelOutput: 1, model.ChannelStatus: last})
	require.NoError(t, err)
	defer c.Close()

	select {
	case <-c.Done():
		assert.ErrorIs(t, c.Err(), ErrRunComplete)
	case <-time.After(2 * time.Second):
		t.Fatal("connection to a finished run was not closed")
	}
}

func TestHeartbeat(t *testing.T) {
	h, _, _ := newTestHub(t, Config{HeartbeatInterval: 10 * time.Millisecond})
	c, err := h.Attach(context.Background(), runID, TransportSSE, nil)
	require.NoError(t, err)
	defer c.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.Frames():
			if f.Event.Type == model.EventHeartbeat {
				assert.Empty(t, f.Cursor)
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat received")
		}
	}
}

func TestCloseLastConnectionReleasesBucket(t *testing.T) {
	h, _, em := newTestHub(t, Config{})
	ctx := context.Background()

	c, err := h.Attach(ctx, runID, TransportSSE, nil)
	require.NoError(t, err)
	c.Close()
	c.Close()
	assert.Zero(t, h.Connections(runID))
	assert.NoError(t, c.Err())

	assert.True(t, em.Output(ctx, runID, 0, "still flowing"), "producers are unaffected by subscribers leaving")

	c2, err := h.Attach(ctx, runID, TransportSSE, nil)
	require.NoError(t, err)
	defer c2.Close()
	next(t, c2)
	assert.Equal(t, []int64{1}, outputIDs(t, c2, 1))
}

func TestReply(t *testing.T) {
	h, _, _ := newTestHub(t, Config{})
	c, err := h.Attach(context.Background(), runID, TransportWebSocket, nil)
	require.NoError(t, err)
	defer c.Close()
	next(t, c)

	require.True(t, c.Reply(model.EventPong, map[string]string{}))
	f := next(t, c)
	assert.Equal(t, model.EventPong, f.Event.Type)
	assert.Empty(t, f.Cursor)
}

func TestShutdownEndsConnections(t *testing.T) {
	r := relay.NewMemoryRelay(0)
	h := NewHub(r, Config{ReadBlock: 20 * time.Millisecond}, zaptest.NewLogger(t))
	c, err := h.Attach(context.Background(), runID, TransportSSE, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		<-c.Done()
		c.Close()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	<-done
	assert.ErrorIs(t, c.Err(), ErrHubClosed)

	_, err = h.Attach(context.Background(), runID, TransportSSE, nil)
	assert.ErrorIs(t, err, ErrHubClosed)
}
