// Package notify sends alert emails and chat webhooks through the
// notification backend.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/alert"
)

// Client implements alert.EmailSink and alert.WebhookSink.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a notification client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type emailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type emailResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type webhookRequest struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

// SendEmail posts msg to /send-email. The backend reports "success" for a real
// send and "simulated" when it only logged the message; anything else is an error.
func (c *Client) SendEmail(ctx context.Context, msg alert.Email) (string, error) {
	payload := emailRequest{
		To:      strings.Join(msg.To, ","),
		Subject: msg.Subject,
		Body:    msg.Body,
	}

	resp, err := c.post(ctx, "/send-email", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out emailResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode email response (status %d): %w", resp.StatusCode, err)
	}

	switch out.Status {
	case alert.EmailSuccess, alert.EmailSimulated:
		if out.Status == alert.EmailSimulated {
			c.logger.Debug("email backend simulated delivery", "to", payload.To)
		}
		return out.Status, nil
	default:
		reason := out.Error
		if reason == "" {
			reason = fmt.Sprintf("status %q, http %d", out.Status, resp.StatusCode)
		}
		return "", fmt.Errorf("email rejected: %s", reason)
	}
}

// SendWebhook posts message for delivery to url via /send-webhook. Any 2xx is success.
func (c *Client) SendWebhook(ctx context.Context, url, message string) error {
	resp, err := c.post(ctx, "/send-webhook", webhookRequest{URL: url, Message: message})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook rejected: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", path, err)
	}
	return resp, nil
}
