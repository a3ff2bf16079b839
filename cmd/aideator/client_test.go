package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aideator/aideator-sub000/pkg/model"
)

func sseEvent(t *testing.T, cursor string, ev model.Event) string {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	if cursor == "" {
		return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data)
	}
	return fmt.Sprintf("event: %s\nid: %s\ndata: %s\n\n", ev.Type, cursor, data)
}

func outputEvent(id int64, v int, line string) model.Event {
	data, _ := json.Marshal(model.OutputData{Line: line})
	return model.Event{ID: id, RunID: "r1", Variation: v, Channel: model.ChannelOutput, Type: model.EventAgentOutput, Data: data}
}

func runCompleteEvent(id int64) model.Event {
	data, _ := json.Marshal(model.RunCompleteData{Status: model.RunCompleted, Succeeded: 1})
	return model.Event{ID: id, RunID: "r1", Variation: model.RunLevel, Channel: model.ChannelStatus, Type: model.EventRunComplete, Data: data}
}

func TestReadSSE(t *testing.T) {
	body := ": comment\n\n" +
		sseEvent(t, "", model.Event{RunID: "r1", Type: model.EventConnected, Data: json.RawMessage(`{}`)}) +
		sseEvent(t, "output:1", outputEvent(1, 0, "hello"))

	var frames []sseFrame
	err := readSSE(strings.NewReader(body), func(f sseFrame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "connected", frames[0].Type)
	assert.Empty(t, frames[0].Cursor)
	assert.Equal(t, "agent_output", frames[1].Type)
	assert.Equal(t, "output:1", frames[1].Cursor)
	assert.Equal(t, 0, frames[1].Event.Variation)
}

func TestReadSSEStopsOnCallbackError(t *testing.T) {
	body := sseEvent(t, "output:1", outputEvent(1, 0, "a")) + sseEvent(t, "output:2", outputEvent(2, 0, "b"))
	calls := 0
	err := readSSE(strings.NewReader(body), func(sseFrame) error {
		calls++
		return errStreamDone
	})
	assert.ErrorIs(t, err, errStreamDone)
	assert.Equal(t, 1, calls)
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.Header.Get("X-Aideator-User"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"variations must be between 1 and 5","field":"variations"}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL+"/", "alice")
	_, err := c.CreateRun(context.Background(), createRunRequest{Repo: "o/r", Prompt: "p", Variations: 9})
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "variations", apiErr.Field)
	assert.Contains(t, err.Error(), "between 1 and 5")
}

func TestFollowResumesFromLastCursor(t *testing.T) {
	old := reconnectDelay
	reconnectDelay = 10 * time.Millisecond
	t.Cleanup(func() { reconnectDelay = old })

	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Last-Event-ID"))
		attempt := len(seen)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if attempt == 1 {
			_, _ = w.Write([]byte(sseEvent(t, "output:1", outputEvent(1, 0, "first"))))
			return
		}
		_, _ = w.Write([]byte(sseEvent(t, "output:2", outputEvent(2, 1, "second"))))
		_, _ = w.Write([]byte(sseEvent(t, "output:2,status:1", runCompleteEvent(1))))
	}))
	defer srv.Close()

	var lines []string
	err := newClient(srv.URL, "").follow(context.Background(), "r1", func(f sseFrame) error {
		if f.Event.Type == model.EventAgentOutput {
			var d model.OutputData
			require.NoError(t, json.Unmarshal(f.Event.Data, &d))
			lines = append(lines, d.Line)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, lines)
	assert.Equal(t, []string{"", "output:1"}, seen)
}

func TestRenderEvent(t *testing.T) {
	var buf bytes.Buffer
	ev := outputEvent(1, 2, "compiling")
	assert.True(t, renderEvent(&buf, &ev, false))
	assert.Contains(t, buf.String(), "[v2]")
	assert.Contains(t, buf.String(), "compiling")

	buf.Reset()
	done := runCompleteEvent(1)
	assert.True(t, renderEvent(&buf, &done, false))
	assert.Contains(t, buf.String(), "[run]")
	assert.Contains(t, buf.String(), "succeeded=1 failed=0 cancelled=0")

	buf.Reset()
	hb := model.Event{Type: model.EventHeartbeat}
	assert.False(t, renderEvent(&buf, &hb, true))
	assert.Empty(t, buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b c", truncate("a\n b\tc", 10))
	assert.Equal(t, "héllo w...", truncate("héllo world again", 10))
}
