// Package remote talks to the chat backend over a best-effort network.
// Writes are idempotent keyed by the message's local id, so the processor
// may retry them freely.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"pigeon/internal/config"
	"pigeon/internal/store"
)

// RejectedError means the backend refused the payload as invalid. Retrying
// cannot help; the processor parks the message as failed immediately.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("backend rejected message (HTTP %d): %s", e.StatusCode, e.Reason)
}

// Permanent marks the error as non-retryable. Any error without this method
// returning true is treated as transient.
func (e *RejectedError) Permanent() bool { return true }

// IsPermanent reports whether err is a non-retryable delivery failure.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// Client sends queued messages to the backend message endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a backend client from the remote config section.
func NewClient(cfg config.Remote, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		logger:  logger,
	}
}

type sendRequest struct {
	LocalID  string `json:"local_id"`
	SenderID string `json:"sender_id"`
	Payload  string `json:"payload"`
}

type sendResponse struct {
	RemoteID string `json:"remote_id"`
}

// Send writes one message to the backend and returns its remote id. The
// Idempotency-Key header carries the local id so a retried call with the
// same message never creates a duplicate remote record.
func (c *Client) Send(ctx context.Context, msg store.QueuedMessage) (string, error) {
	body, err := json.Marshal(sendRequest{
		LocalID:  msg.LocalID,
		SenderID: msg.SenderID,
		Payload:  msg.Payload,
	})
	if err != nil {
		return "", &RejectedError{Reason: fmt.Sprintf("encode payload: %v", err)}
	}

	endpoint := c.baseURL + "/v1/chats/" + url.PathEscape(msg.ChatID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.LocalID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failure or timeout: transient by definition.
		return "", fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out sendResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		if out.RemoteID == "" {
			return "", fmt.Errorf("backend accepted write without remote_id")
		}
		return out.RemoteID, nil
	case rejectedStatus(resp.StatusCode):
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &RejectedError{StatusCode: resp.StatusCode, Reason: strings.TrimSpace(string(reason))}
	default:
		// 5xx, 408, 429: the backend may recover, feed the retry path.
		return "", fmt.Errorf("backend unavailable: %s", resp.Status)
	}
}

// rejectedStatus reports whether a 4xx response is a validation rejection
// rather than a retryable condition (timeouts and rate limits are not).
func rejectedStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
