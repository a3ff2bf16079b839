// Package notify announces finished runs.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/internal/orchestrator"
	"github.com/aideator/aideator-sub000/pkg/model"
)

// Slack posts a run summary to an incoming webhook.
type Slack struct {
	webhookURL string
	channel    string
	client     *http.Client
	log        *zap.Logger
}

// NewSlack creates a Slack notifier. channel may be empty to use the
// webhook's default.
func NewSlack(webhookURL, channel string, log *zap.Logger) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log.Named("notify"),
	}
}

// RunFinished posts one message per run.
func (s *Slack) RunFinished(ctx context.Context, run *model.Run, variations []*model.Variation) error {
	msg := Message(run, variations)
	msg.Channel = s.channel
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, msg); err != nil {
		return fmt.Errorf("posting slack webhook: %w", err)
	}
	s.log.Debug("run notification sent", zap.String("run_id", run.ID))
	return nil
}

var statusEmoji = map[model.RunStatus]string{
	model.RunCompleted: ":white_check_mark:",
	model.RunFailed:    ":x:",
	model.RunCancelled: ":no_entry_sign:",
}

var variationEmoji = map[model.VariationStatus]string{
	model.VariationCompleted: ":large_green_circle:",
	model.VariationFailed:    ":red_circle:",
	model.VariationCancelled: ":white_circle:",
}

// Message renders the webhook payload for a finished run.
func Message(run *model.Run, variations []*model.Variation) *slack.WebhookMessage {
	title := fmt.Sprintf("%s *Run %s* in `%s`", statusEmoji[run.Status], run.Status, run.Repo)
	header := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, title+"\n>"+truncate(run.Prompt, 120), false, false),
		nil, nil)

	var lines []string
	for _, v := range variations {
		line := fmt.Sprintf("%s %s: %s", variationEmoji[v.Status], v.Label(), v.Status)
		if v.Error != "" {
			line += " (" + truncate(v.Error, 80) + ")"
		}
		lines = append(lines, line)
	}
	body := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false),
		nil, nil)

	footer := slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("Run `%s` | Branch `%s` | %d variations", run.ID, run.Branch, run.Variations),
			false, false))

	return &slack.WebhookMessage{
		Text: fmt.Sprintf("Run %s %s", run.ID, run.Status),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			header, slack.NewDividerBlock(), body, footer,
		}},
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

var _ orchestrator.Notifier = (*Slack)(nil)
