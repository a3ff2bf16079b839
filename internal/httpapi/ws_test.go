package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aideator/aideator-sub000/internal/testutil"
	"github.com/aideator/aideator-sub000/pkg/model"
	"github.com/aideator/aideator-sub000/pkg/sandbox"
)

func (e *testEnv) dial(t *testing.T, runID, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/runs/" + runID + "/ws"
	if query != "" {
		u += "?" + query
	}
	header := http.Header{}
	header.Set(DefaultIdentityHeader, testUser)
	ws, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, ws *websocket.Conn, typ model.EventType) wsFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f wsFrame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestWebSocketControl(t *testing.T) {
	env := newTestEnv(t)
	env.backend.Script(0, testutil.FakeSandbox{Block: true})
	created := env.createRun(t, 1)
	ws := env.dial(t, created.RunID, "")

	connected := next(t, ws, model.EventConnected)
	assert.Zero(t, connected.MessageID)

	send(t, ws, `{"control":"ping"}`)
	next(t, ws, model.EventPong)

	send(t, ws, `{"control":"dance"}`)
	unknown := next(t, ws, model.EventError)
	var data map[string]string
	require.NoError(t, json.Unmarshal(unknown.Data, &data))
	assert.Equal(t, "dance", data["control"])

	send(t, ws, `not json`)
	next(t, ws, model.EventError)

	send(t, ws, `{"control":"ping"}`)
	next(t, ws, model.EventPong)

	send(t, ws, `{"control":"cancel"}`)
	next(t, ws, model.EventControlAck)

	done := next(t, ws, model.EventRunComplete)
	assert.NotZero(t, done.MessageID)
	assert.Equal(t, model.ChannelStatus, done.Channel)
	var complete model.RunCompleteData
	require.NoError(t, json.Unmarshal(done.Data, &complete))
	assert.Equal(t, model.RunCancelled, complete.Status)

	// The server closes the socket after the grace period.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}

	got, err := env.store.GetRun(t.Context(), created.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, got.Status)
}

func TestWebSocketResumeWithLastIDs(t *testing.T) {
	env := newTestEnv(t)
	env.backend.Script(0, testutil.FakeSandbox{Lines: []sandbox.Line{{Text: "one"}, {Text: "two"}, {Text: "three"}}})
	created := env.createRun(t, 1)
	env.waitStatus(t, created.RunID, model.RunCompleted)

	ws := env.dial(t, created.RunID, "last_output=2")
	next(t, ws, model.EventConnected)
	f := next(t, ws, model.EventAgentOutput)
	assert.EqualValues(t, 3, f.MessageID)
	var out model.OutputData
	require.NoError(t, json.Unmarshal(f.Data, &out))
	assert.Equal(t, "three", out.Line)
	assert.Contains(t, f.Cursor, "output:3")
}

func TestWSCursor(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    model.Cursor
		wantErr bool
	}{
		{"empty", "", model.Cursor{}, false},
		{"composite", "cursor=output:4,status:2", model.Cursor{model.ChannelOutput: 4, model.ChannelStatus: 2}, false},
		{"per channel", "last_output=7&last_log=1", model.Cursor{model.ChannelOutput: 7, model.ChannelLog: 1}, false},
		{"bad number", "last_status=x", nil, true},
		{"negative", "last_log=-1", nil, true},
		{"bad composite", "cursor=nope", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			got, err := wsCursor(q)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
