package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aideator/aideator-sub000/internal/httpapi"
	"github.com/aideator/aideator-sub000/pkg/model"
)

// apiClient talks to a running aideator server.
type apiClient struct {
	base string
	user string
	http *http.Client
}

func newClient(base, user string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		user: user,
		http: &http.Client{},
	}
}

type createRunRequest struct {
	Repo       string            `json:"repo"`
	Branch     string            `json:"branch,omitempty"`
	Prompt     string            `json:"prompt"`
	Variations int               `json:"variations"`
	Config     map[string]string `json:"config,omitempty"`
}

type createRunResponse struct {
	RunID     string          `json:"run_id"`
	Status    model.RunStatus `json:"status"`
	Branch    string          `json:"branch"`
	StreamURL string          `json:"stream_url"`
}

type runDetail struct {
	model.Run
	VariationStates []*model.Variation `json:"variation_states"`
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
	Field   string
}

func (e *apiError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Field)
	}
	return e.Message
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set(httpapi.DefaultIdentityHeader, c.user)
	}
	return req, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
		if e.Error == "" {
			e.Error = resp.Status
		}
	}
	return &apiError{Status: resp.StatusCode, Message: e.Error, Field: e.Field}
}

func (c *apiClient) CreateRun(ctx context.Context, req createRunRequest) (*createRunResponse, error) {
	var out createRunResponse
	if err := c.do(ctx, http.MethodPost, "/api/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) GetRun(ctx context.Context, id string) (*runDetail, error) {
	var out runDetail
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) ListRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	var out []*model.Run
	path := fmt.Sprintf("/api/runs?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) CancelRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// reconnectDelay spaces reconnect attempts in follow.
var reconnectDelay = time.Second

// errStreamDone stops a stream without error.
var errStreamDone = errors.New("stream done")

// sseFrame is one decoded server-sent event.
type sseFrame struct {
	Type   string
	Cursor string
	Event  *model.Event
}

// Stream reads a run's event stream, resuming after cursor. fn is called per
// frame; returning errStreamDone ends the stream cleanly. The returned
// cursor is the last one seen, for reconnecting.
func (c *apiClient) Stream(ctx context.Context, runID, cursor string, fn func(sseFrame) error) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/stream", nil)
	if err != nil {
		return cursor, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if cursor != "" {
		req.Header.Set("Last-Event-ID", cursor)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return cursor, fmt.Errorf("cannot reach server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cursor, decodeError(resp)
	}

	err = readSSE(resp.Body, func(f sseFrame) error {
		if f.Cursor != "" {
			cursor = f.Cursor
		}
		return fn(f)
	})
	if errors.Is(err, errStreamDone) {
		return cursor, nil
	}
	return cursor, err
}

// readSSE decodes the text/event-stream framing written by the server.
func readSSE(r io.Reader, fn func(sseFrame) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var f sseFrame
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var ev model.Event
				if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
					return fmt.Errorf("decoding %s frame: %w", f.Type, err)
				}
				f.Event = &ev
				if f.Type == "" {
					f.Type = string(ev.Type)
				}
				if err := fn(f); err != nil {
					return err
				}
			}
			f = sseFrame{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			f.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			f.Cursor = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

// follow streams until run_complete, reconnecting from the last cursor when
// the connection drops.
func (c *apiClient) follow(ctx context.Context, runID string, fn func(sseFrame) error) error {
	cursor := ""
	done := false
	wrapped := func(f sseFrame) error {
		if err := fn(f); err != nil {
			if errors.Is(err, errStreamDone) {
				done = true
			}
			return err
		}
		if f.Type == string(model.EventRunComplete) {
			done = true
		}
		return nil
	}
	for {
		var err error
		cursor, err = c.Stream(ctx, runID, cursor, wrapped)
		if done || ctx.Err() != nil {
			return ctx.Err()
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}
