package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"optguard/internal/logger"
	"optguard/internal/pkg/text"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// StatusError 是非 2xx 响应。
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status=%d: %s", e.Code, e.Message)
}

// Retryable 429 与 5xx 可重试。
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// RetryConfig 控制单个提供方内部的重试（带上限的指数退避）。
type RetryConfig struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// OpenAIChatClient 兼容 OpenAI / DeepSeek / OpenRouter 的 /chat/completions 接口。
type OpenAIChatClient struct {
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	ExtraHeaders map[string]string
	Temperature  float64

	httpc    *http.Client
	pipeline failsafe.Executor[string]
}

func NewOpenAIChatClient(baseURL, apiKey, model string, headers map[string]string, timeout time.Duration, retry RetryConfig) *OpenAIChatClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if retry.Initial <= 0 {
		retry.Initial = 500 * time.Millisecond
	}
	if retry.Max < retry.Initial {
		retry.Max = retry.Initial
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	retryPolicy := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool { return isRetryable(err) }).
		WithBackoff(retry.Initial, retry.Max).
		WithMaxRetries(retry.MaxRetries).
		ReturnLastFailure().
		Build()
	// 连续失败的提供方快速失败，按缺票处理
	breaker := circuitbreaker.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool { return isRetryable(err) }).
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		Build()
	return &OpenAIChatClient{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Model:        model,
		Timeout:      timeout,
		ExtraHeaders: headers,
		Temperature:  0.2,
		httpc:        &http.Client{},
		pipeline:     failsafe.With[string](retryPolicy, breaker),
	}
}

func (c *OpenAIChatClient) endpoint() string {
	url := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	// 兼容把完整 /chat/completions 写进配置的情况
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

// Complete 发送请求；每次尝试单独受 Timeout 约束，整体受 ctx 约束。
func (c *OpenAIChatClient) Complete(ctx context.Context, payload ChatPayload) (string, error) {
	messages := make([]map[string]string, 0, 2)
	if payload.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": payload.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": payload.User})
	body := map[string]any{"model": c.Model, "messages": messages, "temperature": c.Temperature}
	if payload.MaxTokens > 0 {
		body["max_tokens"] = payload.MaxTokens
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	url := c.endpoint()
	logger.Debugf("[AI] request: POST %s model=%s headers=%v", url, c.Model, maskHeaders(c.APIKey, c.ExtraHeaders))

	return c.pipeline.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[string]) (string, error) {
		if exec.Attempts() > 1 {
			logger.Warnf("[AI] %s retry attempt %d after: %v", c.Model, exec.Attempts(), exec.LastError())
		}
		return c.doOnce(exec.Context(), url, b)
	})
}

func (c *OpenAIChatClient) doOnce(ctx context.Context, url string, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range c.ExtraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var eresp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(raw, &eresp)
		msg := strings.TrimSpace(eresp.Error.Message)
		if msg == "" {
			msg = strings.TrimSpace(text.Truncate(string(raw), 200))
		}
		if msg == "" {
			msg = resp.Status
		}
		return "", &StatusError{Code: resp.StatusCode, Message: msg}
	}
	var r struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(r.Choices) == 0 {
		return "", fmt.Errorf("empty choices")
	}
	return r.Choices[0].Message.Content, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	// 单次尝试超时可重试；外层 ctx 结束时 failsafe 会停止重试
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func maskHeaders(apiKey string, extra map[string]string) map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	if apiKey != "" {
		out["Authorization"] = "Bearer ****" + tail(apiKey)
	}
	for k, v := range extra {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "key") || strings.Contains(lk, "token") || strings.Contains(lk, "auth") {
			v = "****" + tail(v)
		}
		out[k] = v
	}
	return out
}

func tail(s string) string {
	if len(s) > 4 {
		return s[len(s)-4:]
	}
	return ""
}

// OpenAIModelProvider 把 OpenAIChatClient 适配为 ModelProvider。
type OpenAIModelProvider struct {
	id      string
	enabled bool
	client  *OpenAIChatClient
}

func NewOpenAIModelProvider(id string, enabled bool, client *OpenAIChatClient) *OpenAIModelProvider {
	return &OpenAIModelProvider{id: id, enabled: enabled, client: client}
}

func (p *OpenAIModelProvider) ID() string    { return p.id }
func (p *OpenAIModelProvider) Enabled() bool { return p.enabled }

func (p *OpenAIModelProvider) Call(ctx context.Context, payload ChatPayload) (string, error) {
	logger.LogProviderRequest(payload.Purpose, p.id, payload.TraceID, payload.System, payload.User)
	out, err := p.client.Complete(ctx, payload)
	if err != nil {
		return "", err
	}
	logger.LogProviderResponse(payload.Purpose, p.id, payload.TraceID, out)
	return out, nil
}
