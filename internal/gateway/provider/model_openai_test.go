package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatHandler(t *testing.T, calls *int32, failFirst int, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		if int(n) <= failFirst {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"busy"}}`))
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"action\":\"HOLD\"}"}}]}`))
	}
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, Initial: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestOpenAIChatClient_RetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(chatHandler(t, &calls, 2, http.StatusServiceUnavailable))
	defer srv.Close()

	c := NewOpenAIChatClient(srv.URL+"/v1/chat/completions", "secret-key", "test-model", nil, time.Second, fastRetry())
	out, err := c.Complete(context.Background(), ChatPayload{System: "s", User: "u"})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"HOLD"}`, out)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestOpenAIChatClient_NoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(chatHandler(t, &calls, 5, http.StatusBadRequest))
	defer srv.Close()

	c := NewOpenAIChatClient(srv.URL+"/v1", "secret-key", "test-model", nil, time.Second, fastRetry())
	_, err := c.Complete(context.Background(), ChatPayload{User: "u"})
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "busy", se.Message)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestOpenAIChatClient_RetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(chatHandler(t, &calls, 10, http.StatusTooManyRequests))
	defer srv.Close()

	c := NewOpenAIChatClient(srv.URL+"/v1", "secret-key", "test-model", nil, time.Second, fastRetry())
	_, err := c.Complete(context.Background(), ChatPayload{User: "u"})
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "one call plus two retries")
}

func TestOpenAIModelProvider_Call(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(chatHandler(t, &calls, 0, 0))
	defer srv.Close()

	p := NewOpenAIModelProvider("gpt", true, NewOpenAIChatClient(srv.URL+"/v1/", "secret-key", "test-model", map[string]string{"X-Title": "optguard"}, time.Second, fastRetry()))
	assert.Equal(t, "gpt", p.ID())
	assert.True(t, p.Enabled())
	out, err := p.Call(context.Background(), ChatPayload{User: "u", Purpose: "exit"})
	require.NoError(t, err)
	assert.Contains(t, out, "HOLD")
}

func TestMaskHeaders(t *testing.T) {
	h := maskHeaders("sk-123456789", map[string]string{"X-Api-Key": "abcdefgh", "X-Title": "optguard"})
	assert.Equal(t, "Bearer ****6789", h["Authorization"])
	assert.Equal(t, "****efgh", h["X-Api-Key"])
	assert.Equal(t, "optguard", h["X-Title"])
}
