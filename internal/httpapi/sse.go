package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/internal/delivery"
	"github.com/aideator/aideator-sub000/pkg/model"
)

// handleSSE streams a run's events. A reconnecting client resumes after
// the cursor in Last-Event-ID, or in ?cursor= for clients that cannot set
// headers.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	cursor, err := model.ParseCursor(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conn, err := s.hub.Attach(r.Context(), run.ID, delivery.TransportSSE, cursor)
	if err != nil {
		s.log.Warn("attaching sse connection", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	// Closing the connection never touches the run itself.
	defer conn.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.log.With(zap.String("run_id", run.ID), zap.String("connection_id", conn.ID))
	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-conn.Frames():
			if err := writeSSE(w, f); err != nil {
				log.Debug("sse write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-conn.Done():
			if errors.Is(conn.Err(), delivery.ErrRunComplete) {
				drainSSE(w, conn)
				flusher.Flush()
			}
			log.Debug("sse connection ended", zap.Error(conn.Err()))
			return
		}
	}
}

// drainSSE writes frames already queued when the connection ended.
func drainSSE(w http.ResponseWriter, conn *delivery.Connection) {
	for {
		select {
		case f := <-conn.Frames():
			if writeSSE(w, f) != nil {
				return
			}
		default:
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, f delivery.Frame) error {
	data, err := json.Marshal(f.Event)
	if err != nil {
		return err
	}
	if f.Cursor != "" {
		_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", f.Event.Type, f.Cursor, data)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event.Type, data)
	}
	return err
}
