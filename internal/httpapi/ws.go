package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/internal/delivery"
	"github.com/aideator/aideator-sub000/internal/orchestrator"
	"github.com/aideator/aideator-sub000/pkg/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callers are identified by the trusted identity header, not by origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// maxControlBytes bounds one inbound control message.
const maxControlBytes = 4096

// wsFrame is the outbound WebSocket message.
type wsFrame struct {
	Type      model.EventType `json:"type"`
	MessageID int64           `json:"message_id,omitempty"`
	Cursor    string          `json:"cursor,omitempty"`
	Channel   model.Channel   `json:"channel,omitempty"`
	Variation int             `json:"variation"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type controlMessage struct {
	Control string `json:"control"`
}

// wsCursor reads ?cursor= or the per-channel last_output, last_log and
// last_status parameters.
func wsCursor(q url.Values) (model.Cursor, error) {
	if raw := q.Get("cursor"); raw != "" {
		return model.ParseCursor(raw)
	}
	c := model.Cursor{}
	for _, ch := range model.Channels {
		v := q.Get("last_" + string(ch))
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			return nil, errors.New("invalid last_" + string(ch))
		}
		c[ch] = id
	}
	return c, nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	cursor, err := wsCursor(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	conn, err := s.hub.Attach(r.Context(), run.ID, delivery.TransportWebSocket, cursor)
	if err != nil {
		s.log.Warn("attaching websocket connection", zap.String("run_id", run.ID), zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "stream unavailable"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	log := s.log.With(zap.String("run_id", run.ID), zap.String("connection_id", conn.ID))
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readControl(r, ws, conn, log)
	}()
	// Closing the connection never touches the run itself. Closing the
	// socket unblocks the reader, which is joined before returning.
	defer func() {
		conn.Close()
		_ = ws.Close()
		<-readerDone
	}()

	s.writeFrames(ws, conn, readerDone, log)
}

// readControl handles inbound control commands until the client goes away.
// Replies are queued on the connection so the write loop stays the only
// writer.
func (s *Server) readControl(r *http.Request, ws *websocket.Conn, conn *delivery.Connection, log *zap.Logger) {
	ws.SetReadLimit(maxControlBytes)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.Reply(model.EventError, map[string]string{"message": "invalid control message"})
			continue
		}

		switch msg.Control {
		case "ping":
			conn.Reply(model.EventPong, map[string]any{})
		case orchestrator.ControlCancel:
			if err := s.runs.Cancel(r.Context(), conn.RunID); err != nil {
				log.Warn("cancel over websocket failed", zap.Error(err))
				conn.Reply(model.EventError, map[string]string{"control": msg.Control, "message": "cancel failed"})
				continue
			}
			conn.Reply(model.EventControlAck, map[string]string{"control": msg.Control, "status": "accepted"})
		default:
			conn.Reply(model.EventError, map[string]string{
				"control": msg.Control,
				"message": "unknown control command",
			})
		}
	}
}

func (s *Server) writeFrames(ws *websocket.Conn, conn *delivery.Connection, readerDone <-chan struct{}, log *zap.Logger) {
	write := func(f delivery.Frame) error {
		ev := f.Event
		_ = ws.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
		return ws.WriteJSON(wsFrame{
			Type:      ev.Type,
			MessageID: ev.ID,
			Cursor:    f.Cursor,
			Channel:   ev.Channel,
			Variation: ev.Variation,
			Data:      ev.Data,
			Timestamp: ev.Timestamp,
		})
	}

	for {
		select {
		case <-readerDone:
			return
		case f := <-conn.Frames():
			if err := write(f); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-conn.Done():
			code, text := websocket.CloseNormalClosure, "run complete"
			switch {
			case errors.Is(conn.Err(), delivery.ErrRunComplete):
				for drained := false; !drained; {
					select {
					case f := <-conn.Frames():
						if write(f) != nil {
							return
						}
					default:
						drained = true
					}
				}
			case errors.Is(conn.Err(), delivery.ErrConnectionOverrun):
				code, text = websocket.ClosePolicyViolation, "too slow, reconnect with cursor"
			case errors.Is(conn.Err(), delivery.ErrHubClosed):
				code, text = websocket.CloseGoingAway, "server shutting down"
			}
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
			log.Debug("websocket connection ended", zap.Error(conn.Err()))
			return
		}
	}
}
