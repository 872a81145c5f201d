package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SlackSender posts alerts to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlackSender creates a Slack notification sender.
func NewSlackSender(webhookURL string, logger *slog.Logger) *SlackSender {
	return &SlackSender{webhookURL: webhookURL, httpClient: alertClient(15 * time.Second), logger: logger}
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, msg *Message) error {
	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}
	if len(msg.Metadata) > 0 {
		var b strings.Builder
		for _, k := range []string{"credential", "total", "threshold", "agent_id"} {
			if v, ok := msg.Metadata[k]; ok {
				fmt.Fprintf(&b, "\n• %s: `%s`", k, v)
			}
		}
		text += b.String()
	}

	body, err := json.Marshal(map[string]any{"text": text})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if err := postJSON(ctx, s.httpClient, s.webhookURL, body, nil); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}
