// Package telegram is the out-of-band channel: a Bot API client, the outbound
// notifier and the listeners that feed confirm/deny replies back into the 2FA flow.
package telegram

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
)

const (
	defaultBaseURL = "https://api.telegram.org"
	defaultTimeout = 15 * time.Second
)

// Client calls the Telegram Bot API. It holds no bot token; every call names the
// bot it acts as, so one client serves any number of bots.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for baseURL, or the public Bot API when empty
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

// APIError is a request the Bot API answered with ok=false or a non-2xx status
type APIError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s failed status=%d code=%d: %s", e.Method, e.StatusCode, e.ErrorCode, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// User is a Telegram account or bot
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat is the conversation a message belongs to
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type,omitempty"`
	Username string `json:"username,omitempty"`
}

// Message is an incoming chat message
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// Update is one entry of getUpdates or one webhook delivery
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// WebhookInfo describes the currently registered webhook
type WebhookInfo struct {
	URL                  string `json:"url"`
	PendingUpdateCount   int    `json:"pending_update_count"`
	LastErrorDate        int64  `json:"last_error_date,omitempty"`
	LastErrorMessage     string `json:"last_error_message,omitempty"`
	HasCustomCertificate bool   `json:"has_custom_certificate"`
}

// call posts payload as JSON to method and decodes the result into out (when non-nil).
// Errors never contain the request URL because it carries the bot token.
func (c *Client) call(ctx context.Context, token, method string, payload any, out any, timeout time.Duration) error {
	if token == "" {
		return fmt.Errorf("telegram: %s: bot token not configured", method)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: %s: encode: %w", method, err)
	}

	endpoint := c.BaseURL + "/bot" + token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("telegram: %s: build request: %w", method, stripURL(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, stripURL(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("telegram: %s: read body: %w", method, err)
	}

	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Description: truncate(string(body), 200)}
	}
	if !decoded.OK || resp.StatusCode/100 != 2 {
		return &APIError{Method: method, StatusCode: resp.StatusCode, ErrorCode: decoded.ErrorCode, Description: decoded.Description}
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("telegram: %s: decode result: %w", method, err)
		}
	}
	return nil
}

func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// SendMessage sends an HTML-formatted message to chatID
func (c *Client) SendMessage(ctx context.Context, token, chatID, text string) error {
	return c.call(ctx, token, "sendMessage", map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}, nil, 0)
}

// GetUpdates long-polls for updates with update_id >= offset
func (c *Client) GetUpdates(ctx context.Context, token string, offset int64, wait time.Duration) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, token, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(wait / time.Second),
		"allowed_updates": []string{"message"},
	}, &updates, wait+defaultTimeout)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// GetMe returns the bot identity behind token
func (c *Client) GetMe(ctx context.Context, token string) (User, error) {
	var me User
	if err := c.call(ctx, token, "getMe", nil, &me, 0); err != nil {
		return User{}, err
	}
	return me, nil
}

// SetWebhook registers webhookURL. Telegram echoes secret in the
// X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(ctx context.Context, token, webhookURL, secret string) error {
	payload := map[string]any{
		"url":             webhookURL,
		"allowed_updates": []string{"message"},
	}
	if secret != "" {
		payload["secret_token"] = secret
	}
	return c.call(ctx, token, "setWebhook", payload, nil, 0)
}

// DeleteWebhook removes the webhook so getUpdates can be used
func (c *Client) DeleteWebhook(ctx context.Context, token string) error {
	return c.call(ctx, token, "deleteWebhook", nil, nil, 0)
}

// GetWebhookInfo reports the registered webhook
func (c *Client) GetWebhookInfo(ctx context.Context, token string) (WebhookInfo, error) {
	var info WebhookInfo
	if err := c.call(ctx, token, "getWebhookInfo", nil, &info, 0); err != nil {
		return WebhookInfo{}, err
	}
	return info, nil
}
