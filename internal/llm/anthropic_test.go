package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gaborv/autoreply/internal/persona"
	"github.com/gaborv/autoreply/internal/sessions"
)

func testLoader(t *testing.T) *persona.Loader {
	t.Helper()
	return persona.NewLoader(filepath.Join(t.TempDir(), "PERSONA.md"), zap.NewNop())
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{
		APIKey:  "sk-test",
		Model:   "claude-sonnet-4-5-20250929",
		BaseURL: srv.URL,
	}, testLoader(t), zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Options{}, testLoader(t), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestGenerateReply(t *testing.T) {
	var gotReq map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "Hi! How can I help?"}},
			"usage":   map[string]int{"input_tokens": 10, "output_tokens": 8},
		})
	})

	history := []sessions.APIMessage{{Role: "user", Content: "Hello"}}
	reply, err := c.GenerateReply(context.Background(), history, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Hi! How can I help?", reply)

	system, _ := gotReq["system"].(string)
	assert.Contains(t, system, "chatting with Alice on WhatsApp")
	assert.Contains(t, system, "Avoid markdown formatting")
}

func TestGenerateReplyRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	reply, err := c.GenerateReply(context.Background(), nil, "")
	assert.Error(t, err)
	assert.Equal(t, replyRateLimited, reply)
}

func TestGenerateReplyAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	reply, err := c.GenerateReply(context.Background(), nil, "")
	assert.Error(t, err)
	assert.Equal(t, replyAPIError, reply)
}

func TestGenerateReplyConnectionError(t *testing.T) {
	c, err := NewClient(Options{
		APIKey:  "sk-test",
		BaseURL: "http://127.0.0.1:1/messages",
	}, testLoader(t), zap.NewNop())
	require.NoError(t, err)

	reply, err := c.GenerateReply(context.Background(), nil, "")
	assert.Error(t, err)
	assert.Equal(t, replyUnexpected, reply)
}

func TestSummarize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		system, _ := req["system"].(string)
		assert.Contains(t, system, "summarizer")

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "They discussed the weather."}},
		})
	})

	summary, err := c.Summarize(context.Background(), []sessions.APIMessage{
		{Role: "user", Content: "Nice weather today"},
		{Role: "assistant", Content: "It really is!"},
	})
	require.NoError(t, err)
	assert.Equal(t, "They discussed the weather.", summary)
}

func TestSummarizeFailureReturnsFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	summary, err := c.Summarize(context.Background(), nil)
	assert.Error(t, err)
	assert.Contains(t, summary, "lost due to an error")
}
