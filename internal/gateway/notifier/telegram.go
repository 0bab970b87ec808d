package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram 通过 Bot API 推送审计消息。
type Telegram struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Client   *http.Client
	MaxTries uint
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken: botToken,
		ChatID:   chatID,
		BaseURL:  defaultTelegramAPI,
		Client:   &http.Client{Timeout: 15 * time.Second},
		MaxTries: 3,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// SendText 发送文本消息，5xx 与网络错误按指数退避重试。
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram config incomplete")
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.BotToken)
	body, err := json.Marshal(map[string]any{
		"chat_id": t.ChatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	return postJSON(ctx, t.Client, url, body, t.MaxTries)
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, maxTries uint) error {
	if maxTries == 0 {
		maxTries = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 4 * time.Second

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode/100 == 2:
			return struct{}{}, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("status=%d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("status=%d", resp.StatusCode))
		}
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(30*time.Second))
	return err
}
