package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

type webhookPoster func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// SlackChannel posts events to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	post       webhookPoster
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL, post: slack.PostWebhookContext}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, ev Event) error {
	msg := &slack.WebhookMessage{
		Text:        ev.Title(),
		Attachments: []slack.Attachment{eventToAttachment(ev)},
	}
	if err := c.post(ctx, c.webhookURL, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}

func eventToAttachment(ev Event) slack.Attachment {
	att := slack.Attachment{
		Title:    ev.Title(),
		Text:     ev.Error,
		Color:    colorFor(ev.Kind),
		Fallback: ev.Title(),
	}
	for _, f := range eventFields(ev) {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: f.name, Value: f.value, Short: true})
	}
	return att
}

func colorFor(k Kind) string {
	switch k {
	case KindJobFailed:
		return "danger"
	case KindUnitFailed:
		return "warning"
	}
	return "good"
}

type field struct{ name, value string }

// eventFields lists the non-empty identifying fields of ev in a stable order.
func eventFields(ev Event) []field {
	var out []field
	add := func(name, value string) {
		if value != "" {
			out = append(out, field{name, value})
		}
	}
	add("Job", ev.JobID)
	add("File", ev.Filename)
	add("Stage", ev.Stage)
	for _, k := range []string{"completed", "total", "attempts"} {
		add(k, ev.Details[k])
	}
	return out
}
