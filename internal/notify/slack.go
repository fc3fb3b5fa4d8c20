package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/convos/agent-pool-manager/internal/events"
)

// Slack sends alert notifications to a Slack incoming webhook.
type Slack struct {
	webhookURL string
}

// NewSlack creates a Slack notifier for the given webhook URL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL}
}

// Name returns the provider name for logging.
func (s *Slack) Name() string { return "slack" }

// Send posts a notification message to a Slack webhook.
func (s *Slack) Send(ctx context.Context, event events.Event) error {
	text := fmt.Sprintf("*%s*", event.Kind)
	if event.InstanceID != "" {
		text += fmt.Sprintf(" — instance `%s`", event.InstanceID)
	}
	if event.Message != "" {
		text += "\n" + event.Message
	}

	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}
