package telegram

import (
	"context"
	"time"

	"github.com/oobauth/server/internal/observability"
)

const (
	defaultPollWait    = 30 * time.Second
	defaultPollBackoff = 5 * time.Second
)

// Poller pulls updates with getUpdates for deployments that cannot receive webhooks
type Poller struct {
	client  *Client
	token   string
	replies *ReplyHandler
	logger  *observability.Logger
	wait    time.Duration
	backoff time.Duration
	offset  int64
}

// NewPoller creates the pull listener for the bot identified by token
func NewPoller(client *Client, token string, replies *ReplyHandler, logger *observability.Logger) *Poller {
	return &Poller{
		client:  client,
		token:   token,
		replies: replies,
		logger:  logger,
		wait:    defaultPollWait,
		backoff: defaultPollBackoff,
	}
}

// Listen polls until ctx is cancelled. Transport errors are retried after a pause.
func (p *Poller) Listen(ctx context.Context) error {
	// getUpdates is refused while a webhook is registered
	if err := p.client.DeleteWebhook(ctx, p.token); err != nil {
		p.logger.Warn("telegram_delete_webhook_failed", map[string]any{"error": err})
	}
	p.logger.Info("telegram_polling_started", nil)

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := p.client.GetUpdates(ctx, p.token, p.offset, p.wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("telegram_poll_failed", map[string]any{"error": err, "offset": p.offset})
			observability.CaptureError(err, map[string]string{"component": "telegram", "stage": "poll"})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.backoff):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			_ = p.replies.HandleUpdate(ctx, u)
		}
	}
}
