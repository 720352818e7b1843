package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oobauth/server/internal/observability"
)

const (
	secretHeader   = "X-Telegram-Bot-Api-Secret-Token"
	maxUpdateBytes = 1 << 20
)

// WebhookHandler receives updates pushed by Telegram
type WebhookHandler struct {
	replies   *ReplyHandler
	client    *Client
	token     string
	publicURL string
	secret    string
	logger    *observability.Logger
}

// NewWebhookHandler creates the push listener. publicURL, when set, is registered with
// setWebhook on Listen. secret, when set, must match the header of every delivery.
func NewWebhookHandler(replies *ReplyHandler, client *Client, token, publicURL, secret string, logger *observability.Logger) *WebhookHandler {
	return &WebhookHandler{
		replies:   replies,
		client:    client,
		token:     token,
		publicURL: publicURL,
		secret:    secret,
		logger:    logger,
	}
}

// ServeHTTP answers 200 for every well-formed delivery, including replies that fail to resolve
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(secretHeader)), []byte(h.secret)) != 1 {
		h.logger.Warn("telegram_webhook_bad_secret", map[string]any{"remote_addr": r.RemoteAddr})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var update Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBytes)).Decode(&update); err != nil {
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}

	_ = h.replies.HandleUpdate(r.Context(), update)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// Listen registers the webhook when a public URL is configured, then waits for ctx
func (h *WebhookHandler) Listen(ctx context.Context) error {
	if h.publicURL != "" {
		if err := h.client.SetWebhook(ctx, h.token, h.publicURL, h.secret); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
		h.logger.Info("telegram_webhook_registered", map[string]any{"url": h.publicURL})
	}
	<-ctx.Done()
	return nil
}
