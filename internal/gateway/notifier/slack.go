package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Slack 通过 incoming webhook 推送纯文本。
type Slack struct {
	WebhookURL string
	Client     *http.Client
	MaxTries   uint
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
		MaxTries:   3,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) SendText(ctx context.Context, text string) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook url missing")
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return postJSON(ctx, s.Client, s.WebhookURL, body, s.MaxTries)
}
