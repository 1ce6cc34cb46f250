// Package bridge is the HTTP client for the WhatsApp bridge REST API.
// The bridge owns the WhatsApp connection; this daemon only sends
// outbound messages through it and consumes its event stream.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SendResult is one delivery attempt's outcome.
type SendResult struct {
	Success bool
	Message string
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	MediaPath string `json:"media_path,omitempty"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client talks to the bridge REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a bridge client. baseURL is the API prefix, e.g.
// "http://localhost:8082/api".
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) post(ctx context.Context, payload sendRequest) (bool, string) {
	url := c.baseURL + "/send"
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Sprintf("Unexpected error: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Sprintf("Unexpected error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("bridge connection failed", zap.String("url", url), zap.Error(err))
		return false, "Cannot connect to WhatsApp bridge. Is it running?"
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Sprintf("Unexpected error: %v", err)
	}

	var parsed sendResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, &parsed); err != nil {
			return false, fmt.Sprintf("Unexpected error: %v", err)
		}
		return parsed.Success, parsed.Message
	}

	// Non-200 may still carry a JSON error envelope.
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Message != "" {
		c.logger.Error("bridge send rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("error", parsed.Message))
		return false, parsed.Message
	}
	preview := string(data)
	if len(preview) > 200 {
		preview = preview[:200]
	}
	c.logger.Error("bridge http error",
		zap.Int("status", resp.StatusCode),
		zap.String("body", preview))
	return false, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(data))
}

// SendMessage delivers one text message to a JID.
func (c *Client) SendMessage(ctx context.Context, recipient, message string) (bool, string) {
	ok, msg := c.post(ctx, sendRequest{Recipient: recipient, Message: message})
	if ok {
		c.logger.Info("message sent",
			zap.String("recipient", recipient),
			zap.Int("length", len(message)))
	} else {
		c.logger.Error("message send failed",
			zap.String("recipient", recipient),
			zap.String("error", msg))
	}
	return ok, msg
}

// SendFile delivers a media file with an optional caption.
func (c *Client) SendFile(ctx context.Context, recipient, filePath, caption string) (bool, string) {
	ok, msg := c.post(ctx, sendRequest{Recipient: recipient, Message: caption, MediaPath: filePath})
	if ok {
		c.logger.Info("file sent",
			zap.String("recipient", recipient),
			zap.String("path", filePath))
	}
	return ok, msg
}

// SendChunked sends chunks in order with a delay between them, stopping at
// the first failure so a partial reply never arrives out of order.
func (c *Client) SendChunked(ctx context.Context, recipient string, chunks []string, delay time.Duration) []SendResult {
	results := make([]SendResult, 0, len(chunks))
	for i, chunk := range chunks {
		ok, msg := c.SendMessage(ctx, recipient, chunk)
		results = append(results, SendResult{Success: ok, Message: msg})
		if !ok {
			c.logger.Error("chunked send aborted",
				zap.Int("chunk_index", i),
				zap.String("error", msg))
			break
		}
		if i < len(chunks)-1 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return results
			}
		}
	}
	return results
}

// HealthCheck probes the send endpoint with an empty payload. The bridge
// answers 400 for a missing recipient, which still proves it is up.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", strings.NewReader("{}"))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest, http.StatusMethodNotAllowed:
		return true
	}
	return false
}
