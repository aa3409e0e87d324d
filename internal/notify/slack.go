package notify

import (
	"fmt"
	"log"

	"github.com/slack-go/slack"

	"github.com/arumes31/kumawise/internal/database"
)

// SlackNotifier posts terminal task failures to an operator channel.
// Notifications are best-effort; a Slack outage never affects the pipeline.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier creates a notifier, or nil when token or channel are
// unset so callers can pass it straight through as "disabled".
func NewSlackNotifier(token, channel string) *SlackNotifier {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
	}
}

// NotifyTaskFailure posts a message describing a failed or dead-lettered task
func (n *SlackNotifier) NotifyTaskFailure(task *database.DispatchTask, reason string) {
	text := fmt.Sprintf(":rotating_light: KumaWise task failure\n*Monitor:* %s\n*Operation:* %s\n*Correlation:* %s\n*Reason:* %s",
		task.MonitorKey, task.Type, task.CorrelationID, reason)

	_, _, err := n.client.PostMessage(n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		log.Printf("SlackNotifier: failed to post failure for task %d: %v", task.ID, err)
	}
}
