// Package llm implements the Anthropic Messages API reply engine.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gaborv/autoreply/internal/persona"
	"github.com/gaborv/autoreply/internal/sessions"
)

const (
	defaultAPIURL      = "https://api.anthropic.com/v1/messages"
	anthropicVersion   = "2023-06-01"
	compactionPrompt   = "You are a conversation summarizer. Be concise and factual."
	summaryMaxTokens   = 2048
	summaryTemperature = 0.3
)

// Fallback replies sent when the API call fails. The sender never sees a raw
// error.
const (
	replyRateLimited = "I'm receiving too many messages right now. Please try again in a moment."
	replyAPIError    = "I'm having trouble processing your message. Please try again."
	replyUnexpected  = "Something went wrong. Please try again later."
)

// Options configure the Anthropic client.
type Options struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	BaseURL     string
	HTTPClient  *http.Client
}

// Client is a reply engine backed by the Anthropic Messages API.
type Client struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	baseURL     string
	httpClient  *http.Client
	personas    *persona.Loader
	logger      *zap.Logger
}

// NewClient creates an Anthropic API client. The API key is required.
func NewClient(opts Options, personas *persona.Loader, logger *zap.Logger) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required")
	}
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5-20250929"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultAPIURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:      opts.APIKey,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		baseURL:     opts.BaseURL,
		httpClient:  opts.HTTPClient,
		personas:    personas,
		logger:      logger,
	}, nil
}

// Name identifies the engine in health output.
func (c *Client) Name() string { return "api" }

// Model returns the configured model ID.
func (c *Client) Model() string { return c.model }

type messagesRequest struct {
	Model       string                `json:"model"`
	MaxTokens   int                   `json:"max_tokens"`
	Temperature float64               `json:"temperature,omitempty"`
	System      string                `json:"system,omitempty"`
	Messages    []sessions.APIMessage `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) call(ctx context.Context, req messagesRequest) (*messagesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{status: resp.StatusCode, body: string(respBody)}
	}

	var out messagesResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}

var errRateLimited = errors.New("anthropic: rate limited")

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("anthropic: API error %d: %s", e.status, e.body)
}

// GenerateReply produces a reply for the conversation history. Failures map
// to fixed apologetic replies; the error return is for logging only.
func (c *Client) GenerateReply(ctx context.Context, history []sessions.APIMessage, senderName string) (string, error) {
	system := persona.SystemPrompt(c.personas.Current(), senderName)

	resp, err := c.call(ctx, messagesRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		System:      system,
		Messages:    history,
	})
	if err != nil {
		var apiErr *apiError
		switch {
		case errors.Is(err, errRateLimited):
			c.logger.Error("llm rate limited", zap.Error(err))
			return replyRateLimited, err
		case errors.As(err, &apiErr):
			c.logger.Error("llm api error", zap.Error(err))
			return replyAPIError, err
		default:
			c.logger.Error("llm unexpected error", zap.Error(err))
			return replyUnexpected, err
		}
	}

	reply := joinText(resp.Content)
	c.logger.Info("llm reply generated",
		zap.String("model", c.model),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens))
	return reply, nil
}

// Summarize condenses a conversation into a compaction summary.
func (c *Client) Summarize(ctx context.Context, history []sessions.APIMessage) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation concisely. " +
		"Capture the key topics discussed, any decisions made, important facts " +
		"shared, and the overall tone. This summary will be used as context for " +
		"continuing the conversation later.\n\nConversation:\n")
	for _, msg := range history {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}

	resp, err := c.call(ctx, messagesRequest{
		Model:       c.model,
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
		System:      compactionPrompt,
		Messages: []sessions.APIMessage{
			{Role: sessions.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		c.logger.Error("compaction summary failed", zap.Error(err))
		return "Previous conversation context was lost due to an error.", err
	}

	summary := joinText(resp.Content)
	c.logger.Info("compaction summary generated",
		zap.Int("input_messages", len(history)),
		zap.Int("summary_length", len(summary)))
	return summary, nil
}

func joinText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
