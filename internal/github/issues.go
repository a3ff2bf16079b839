package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	gogh "github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/internal/orchestrator"
	"github.com/aideator/aideator-sub000/pkg/model"
)

// DefaultTriggerLabel starts a run when added to an issue.
const DefaultTriggerLabel = "aideator"

// CommentOnIssue posts a comment on an issue.
func (c *Client) CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &gogh.IssueComment{Body: gogh.Ptr(body)})
	if err != nil {
		return fmt.Errorf("commenting on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

type issueRef struct {
	Owner  string
	Repo   string
	Number int
}

// IssueRuns remembers which issue started a run and reports the outcome
// there once the run finishes. It implements orchestrator.Notifier.
type IssueRuns struct {
	client *Client
	log    *zap.Logger

	mu     sync.Mutex
	issues map[string]issueRef
}

// NewIssueRuns creates an empty tracker.
func NewIssueRuns(client *Client, log *zap.Logger) *IssueRuns {
	return &IssueRuns{client: client, log: log.Named("github"), issues: make(map[string]issueRef)}
}

func (t *IssueRuns) track(runID string, ref issueRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issues[runID] = ref
}

// RunFinished comments the run summary on the originating issue. Runs not
// started from an issue are ignored.
func (t *IssueRuns) RunFinished(ctx context.Context, run *model.Run, variations []*model.Variation) error {
	t.mu.Lock()
	ref, ok := t.issues[run.ID]
	delete(t.issues, run.ID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.client.CommentOnIssue(ctx, ref.Owner, ref.Repo, ref.Number, summary(run, variations))
}

func summary(run *model.Run, variations []*model.Variation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run `%s` finished: **%s**\n\n", run.ID, run.Status)
	for _, v := range variations {
		fmt.Fprintf(&b, "- variation %d: %s", v.Index, v.Status)
		if v.Error != "" {
			fmt.Fprintf(&b, " (%s)", v.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Submitter starts runs.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.Request) (*model.Run, error)
}

// IssueWebhook starts a run from an issue that is opened with, or later
// given, the trigger label. The issue title and body form the prompt.
type IssueWebhook struct {
	secret  []byte
	label   string
	runs    Submitter
	tracker *IssueRuns
	log     *zap.Logger
}

// NewIssueWebhook creates the webhook handler. Payloads must be signed with
// secret.
func NewIssueWebhook(secret, label string, runs Submitter, tracker *IssueRuns, log *zap.Logger) *IssueWebhook {
	if label == "" {
		label = DefaultTriggerLabel
	}
	return &IssueWebhook{
		secret:  []byte(secret),
		label:   strings.ToLower(label),
		runs:    runs,
		tracker: tracker,
		log:     log.Named("github"),
	}
}

func (h *IssueWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := gogh.ValidatePayload(r, h.secret)
	if err != nil {
		h.log.Warn("rejected webhook", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := gogh.WebHookType(r)
	if eventType != "issues" {
		w.WriteHeader(http.StatusOK)
		return
	}
	parsed, err := gogh.ParseWebHook(eventType, payload)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	ev, ok := parsed.(*gogh.IssuesEvent)
	if !ok || !h.triggered(ev) {
		w.WriteHeader(http.StatusOK)
		return
	}

	ref := issueRef{
		Owner:  ev.GetRepo().GetOwner().GetLogin(),
		Repo:   ev.GetRepo().GetName(),
		Number: ev.GetIssue().GetNumber(),
	}
	prompt, variations := parseIssuePrompt(ev.GetIssue().GetTitle(), ev.GetIssue().GetBody())
	log := h.log.With(zap.String("repo", ev.GetRepo().GetFullName()), zap.Int("issue", ref.Number))

	run, err := h.runs.Submit(r.Context(), orchestrator.Request{
		RequesterID: "github:" + ev.GetSender().GetLogin(),
		Repo:        ev.GetRepo().GetFullName(),
		Prompt:      prompt,
		Variations:  variations,
	})
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		log.Info("issue run rejected", zap.Error(err))
		h.comment(r.Context(), ref, fmt.Sprintf("Could not start a run: %s", verr.Error()))
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		log.Error("starting issue run", zap.Error(err))
		http.Error(w, "failed to start run", http.StatusInternalServerError)
		return
	}

	h.tracker.track(run.ID, ref)
	log.Info("issue run started", zap.String("run_id", run.ID), zap.Int("variations", variations))
	h.comment(r.Context(), ref, fmt.Sprintf("Started run `%s` with %d variation(s).", run.ID, variations))
	w.WriteHeader(http.StatusAccepted)
}

func (h *IssueWebhook) triggered(ev *gogh.IssuesEvent) bool {
	switch ev.GetAction() {
	case "opened":
		for _, l := range ev.GetIssue().Labels {
			if strings.ToLower(l.GetName()) == h.label {
				return true
			}
		}
	case "labeled":
		return strings.ToLower(ev.GetLabel().GetName()) == h.label
	}
	return false
}

func (h *IssueWebhook) comment(ctx context.Context, ref issueRef, body string) {
	if err := h.tracker.client.CommentOnIssue(ctx, ref.Owner, ref.Repo, ref.Number, body); err != nil {
		h.log.Warn("posting issue comment", zap.Error(err))
	}
}

var variationsLine = regexp.MustCompile(`(?mi)^\s*variations:\s*(\d+)\s*$`)

// parseIssuePrompt builds the prompt from an issue. A "variations: N" line
// in the body sets the variation count and is removed from the prompt.
func parseIssuePrompt(title, body string) (string, int) {
	variations := 1
	if m := variationsLine.FindStringSubmatch(body); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			variations = n
		}
		body = variationsLine.ReplaceAllString(body, "")
	}
	prompt := strings.TrimSpace(title)
	if body = strings.TrimSpace(body); body != "" {
		prompt += "\n\n" + body
	}
	return prompt, variations
}

var _ orchestrator.Notifier = (*IssueRuns)(nil)
