package github

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/internal/orchestrator"
	"github.com/aideator/aideator-sub000/pkg/model"
)

const testSecret = "s3cret"

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []orchestrator.Request
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req orchestrator.Request) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &model.Run{ID: "run-1", Status: model.RunPending}, nil
}

type commentRecorder struct {
	mu       sync.Mutex
	paths    []string
	comments []string
}

func (c *commentRecorder) bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.comments...)
}

func newCommentServer(t *testing.T) (*Client, *commentRecorder) {
	t.Helper()
	rec := &commentRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Body string `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.paths = append(rec.paths, r.Method+" "+r.URL.Path)
		rec.comments = append(rec.comments, body.Body)
		rec.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	t.Cleanup(srv.Close)
	client, err := NewClient("token", srv.URL)
	require.NoError(t, err)
	return client, rec
}

func issuePayload(action, label string, labels ...string) []byte {
	ls := make([]map[string]string, 0, len(labels))
	for _, l := range labels {
		ls = append(ls, map[string]string{"name": l})
	}
	ev := map[string]any{
		"action": action,
		"issue": map[string]any{
			"number": 7,
			"title":  "Fix the flaky test",
			"body":   "It fails on CI.\nvariations: 3\n",
			"labels": ls,
		},
		"repository": map[string]any{
			"name":      "widgets",
			"full_name": "acme/widgets",
			"owner":     map[string]string{"login": "acme"},
		},
		"sender": map[string]string{"login": "octocat"},
	}
	if label != "" {
		ev["label"] = map[string]string{"name": label}
	}
	data, _ := json.Marshal(ev)
	return data
}

func signedRequest(event string, payload []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func newTestWebhook(t *testing.T, runs Submitter) (*IssueWebhook, *IssueRuns, *commentRecorder) {
	client, rec := newCommentServer(t)
	tracker := NewIssueRuns(client, zap.NewNop())
	return NewIssueWebhook(testSecret, "AIdeator", runs, tracker, zap.NewNop()), tracker, rec
}

func TestIssueWebhookStartsRunForLabeledIssue(t *testing.T) {
	runs := &fakeSubmitter{}
	hook, _, rec := newTestWebhook(t, runs)

	w := httptest.NewRecorder()
	hook.ServeHTTP(w, signedRequest("issues", issuePayload("opened", "", "bug", "aideator"), testSecret))

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, runs.reqs, 1)
	req := runs.reqs[0]
	assert.Equal(t, "github:octocat", req.RequesterID)
	assert.Equal(t, "acme/widgets", req.Repo)
	assert.Equal(t, 3, req.Variations)
	assert.Equal(t, "Fix the flaky test\n\nIt fails on CI.", req.Prompt)

	require.Len(t, rec.bodies(), 1)
	assert.Contains(t, rec.bodies()[0], "run-1")
	assert.Equal(t, []string{"POST /repos/acme/widgets/issues/7/comments"}, rec.paths)
}

func TestIssueWebhookLabeledAction(t *testing.T) {
	runs := &fakeSubmitter{}
	hook, _, _ := newTestWebhook(t, runs)

	w := httptest.NewRecorder()
	hook.ServeHTTP(w, signedRequest("issues", issuePayload("labeled", "aideator"), testSecret))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, runs.reqs, 1)
}

func TestIssueWebhookIgnoresOtherEvents(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload []byte
	}{
		{"opened without label", "issues", issuePayload("opened", "", "bug")},
		{"different label added", "issues", issuePayload("labeled", "bug")},
		{"closed", "issues", issuePayload("closed", "", "aideator")},
		{"ping", "ping", []byte(`{"zen":"hi"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &fakeSubmitter{}
			hook, _, rec := newTestWebhook(t, runs)

			w := httptest.NewRecorder()
			hook.ServeHTTP(w, signedRequest(tt.event, tt.payload, testSecret))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, runs.reqs)
			assert.Empty(t, rec.bodies())
		})
	}
}

func TestIssueWebhookRejectsBadSignature(t *testing.T) {
	runs := &fakeSubmitter{}
	hook, _, _ := newTestWebhook(t, runs)

	w := httptest.NewRecorder()
	hook.ServeHTTP(w, signedRequest("issues", issuePayload("opened", "", "aideator"), "wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, runs.reqs)
}

func TestIssueWebhookValidationErrorIsCommented(t *testing.T) {
	runs := &fakeSubmitter{err: &orchestrator.ValidationError{Field: "variations", Message: "must be between 1 and 5"}}
	hook, _, rec := newTestWebhook(t, runs)

	w := httptest.NewRecorder()
	hook.ServeHTTP(w, signedRequest("issues", issuePayload("opened", "", "aideator"), testSecret))
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, rec.bodies(), 1)
	assert.True(t, strings.HasPrefix(rec.bodies()[0], "Could not start a run"))
}

func TestIssueRunsCommentsOnFinish(t *testing.T) {
	runs := &fakeSubmitter{}
	hook, tracker, rec := newTestWebhook(t, runs)

	hook.ServeHTTP(httptest.NewRecorder(), signedRequest("issues", issuePayload("opened", "", "aideator"), testSecret))
	require.Len(t, rec.bodies(), 1)

	run := &model.Run{ID: "run-1", Status: model.RunFailed}
	vars := []*model.Variation{
		{Index: 0, Status: model.VariationCompleted},
		{Index: 1, Status: model.VariationFailed, Error: "exited with code 1: boom"},
	}
	require.NoError(t, tracker.RunFinished(context.Background(), run, vars))

	bodies := rec.bodies()
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[1], "**failed**")
	assert.Contains(t, bodies[1], "variation 1: failed (exited with code 1: boom)")

	// Only the first completion is reported.
	require.NoError(t, tracker.RunFinished(context.Background(), run, vars))
	assert.Len(t, rec.bodies(), 2)
}

func TestIssueRunsIgnoresUntrackedRuns(t *testing.T) {
	client, rec := newCommentServer(t)
	tracker := NewIssueRuns(client, zap.NewNop())
	require.NoError(t, tracker.RunFinished(context.Background(), &model.Run{ID: "other"}, nil))
	assert.Empty(t, rec.bodies())
}

func TestParseIssuePrompt(t *testing.T) {
	prompt, n := parseIssuePrompt(" Title ", "")
	assert.Equal(t, "Title", prompt)
	assert.Equal(t, 1, n)

	prompt, n = parseIssuePrompt("Title", "Body\nVariations: 2")
	assert.Equal(t, "Title\n\nBody", prompt)
	assert.Equal(t, 2, n)

	_, n = parseIssuePrompt("Title", "variations: 0")
	assert.Equal(t, 1, n)
}
