package providers

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

	"github.com/nextlevelbuilder/convlink/internal/store"
)

var fastRetry = RetryConfig{Attempts: 3, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestRetryDo(t *testing.T) {
	ctx := context.Background()

	t.Run("retries transient status", func(t *testing.T) {
		calls := 0
		v, err := RetryDo(ctx, fastRetry, func() (int, error) {
			calls++
			if calls < 3 {
				return 0, &HTTPError{Status: http.StatusServiceUnavailable}
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on client error", func(t *testing.T) {
		calls := 0
		_, err := RetryDo(ctx, fastRetry, func() (int, error) {
			calls++
			return 0, &HTTPError{Status: http.StatusBadRequest}
		})
		assert.ErrorIs(t, err, store.ErrTransientIO)
		assert.Equal(t, 1, calls)
	})

	t.Run("plain errors are transient", func(t *testing.T) {
		_, err := RetryDo(ctx, fastRetry, func() (int, error) { return 0, errors.New("dial tcp: refused") })
		assert.ErrorIs(t, err, store.ErrTransientIO)
	})

	t.Run("context cancel", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := RetryDo(cctx, RetryConfig{Attempts: 5, MinDelay: time.Hour}, func() (int, error) {
			return 0, &HTTPError{Status: http.StatusTooManyRequests}
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseRetryAfter("3"))
	assert.Zero(t, ParseRetryAfter(""))
	assert.Zero(t, ParseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream"}}`))
			return
		}
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req["model"])
		assert.Len(t, req["messages"], 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"gpt-test","choices":[{"index":0,"finish_reason":"stop",
			"message":{"role":"assistant","content":"hi there"}}],
			"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL, "gpt-test").WithRetry(fastRetry)
	out, err := p.Complete(context.Background(), CompletionRequest{Messages: []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.Text)
	assert.Equal(t, 10, out.Usage.TotalTokens)
	assert.EqualValues(t, 2, hits.Load())
}

func TestOpenAIProvider_ResolveModel(t *testing.T) {
	p := NewOpenAIProvider("openrouter", "k", "", "anthropic/claude")
	assert.Equal(t, "anthropic/claude", p.resolveModel(""))
	assert.Equal(t, "anthropic/claude", p.resolveModel("gpt-4o"))
	assert.Equal(t, "openai/gpt-4o", p.resolveModel("openai/gpt-4o"))
}

func TestAnthropicProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be brief", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, defaultMaxTokens, req.MaxTokens)

		_, _ = w.Write([]byte(`{"model":"claude-x","stop_reason":"max_tokens",
			"content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}],
			"usage":{"input_tokens":5,"output_tokens":4}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("key", WithAnthropicBaseURL(srv.URL), WithAnthropicRetry(fastRetry))
	out, err := p.Complete(context.Background(), CompletionRequest{Messages: []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "part one part two", out.Text)
	assert.Equal(t, "length", out.FinishReason)
	assert.Equal(t, 9, out.Usage.TotalTokens)
}

func TestAnthropicProvider_ErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("bad", WithAnthropicBaseURL(srv.URL), WithAnthropicRetry(fastRetry))
	_, err := p.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	require.ErrorIs(t, err, store.ErrTransientIO)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
}
