// Package gateway is the HTTP client for the external messaging
// gateway. The gateway owns the actual WhatsApp protocol; this client
// only speaks its REST surface, keyed by (session, chatId).
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrSendFailed classifies transient gateway send failures so the job
// queue retries them with its normal backoff policy.
type ErrSendFailed struct {
	StatusCode int
	Body       string
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("gateway send failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// Client calls the messaging gateway's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a gateway client. apiKey may be empty for
// unauthenticated local gateways.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// InboundEvent is one webhook event from the gateway.
type InboundEvent struct {
	Event   string         `json:"event"`
	Session string         `json:"session"`
	Payload InboundPayload `json:"payload"`
}

// InboundPayload is the message body of an inbound event.
type InboundPayload struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	Type     string `json:"type"`
	Body     string `json:"body"`
	MediaURL string `json:"mediaUrl,omitempty"`
	FromMe   bool   `json:"fromMe"`
	PushName string `json:"pushName,omitempty"`
	Status   string `json:"status,omitempty"` // session.status events
	Me       *struct {
		ID string `json:"id"`
	} `json:"me,omitempty"`
}

// SendResult is the gateway's ack for an outbound message.
type SendResult struct {
	ID string `json:"id"`
}

// SendText delivers one text bubble.
func (c *Client) SendText(ctx context.Context, session, chatID, text string) (*SendResult, error) {
	var result SendResult
	err := c.post(ctx, "/api/sendText", map[string]any{
		"session": session,
		"chatId":  chatID,
		"text":    text,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SendImage delivers one image with an optional caption. The image is
// passed inline as base64; the gateway handles upload.
func (c *Client) SendImage(ctx context.Context, session, chatID string, image []byte, mimeType, caption string) (*SendResult, error) {
	var result SendResult
	err := c.post(ctx, "/api/sendImage", map[string]any{
		"session": session,
		"chatId":  chatID,
		"file": map[string]string{
			"mimetype": mimeType,
			"filename": "image",
			"data":     base64.StdEncoding.EncodeToString(image),
		},
		"caption": caption,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SendSeen marks the chat as read. Failures are log-only; a missing
// read receipt never blocks the actual send.
func (c *Client) SendSeen(ctx context.Context, session, chatID string) {
	if err := c.post(ctx, "/api/sendSeen", map[string]any{
		"session": session,
		"chatId":  chatID,
	}, nil); err != nil {
		slog.Warn("sendSeen failed", "session", session, "error", err)
	}
}

// StartTyping shows the typing indicator. Log-only on failure.
func (c *Client) StartTyping(ctx context.Context, session, chatID string) {
	if err := c.post(ctx, "/api/startTyping", map[string]any{
		"session": session,
		"chatId":  chatID,
	}, nil); err != nil {
		slog.Warn("startTyping failed", "session", session, "error", err)
	}
}

// StopTyping hides the typing indicator. Log-only on failure.
func (c *Client) StopTyping(ctx context.Context, session, chatID string) {
	if err := c.post(ctx, "/api/stopTyping", map[string]any{
		"session": session,
		"chatId":  chatID,
	}, nil); err != nil {
		slog.Warn("stopTyping failed", "session", session, "error", err)
	}
}

// SessionStatus returns the gateway-side status string for a session
// (WORKING, SCAN_QR, STOPPED, FAILED, ...).
func (c *Client) SessionStatus(ctx context.Context, session string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/sessions/"+session, nil)
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get session %s: %w", session, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ErrSendFailed{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return out.Status, nil
}

// Health reports whether the gateway answers at all.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/server/status", nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create gateway request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ErrSendFailed{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse gateway response: %w", err)
		}
	}
	return nil
}
