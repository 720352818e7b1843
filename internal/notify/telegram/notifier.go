package telegram

import (
	"context"

	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/model"
)

// Notifier delivers 2FA messages through the Bot API
type Notifier struct {
	client *Client
}

var _ auth.Notifier = (*Notifier)(nil)

// NewNotifier creates a new Notifier
func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

// Send delivers message to the bound chat. nil means Telegram acknowledged it.
func (n *Notifier) Send(ctx context.Context, binding model.ChannelBinding, message string) error {
	return n.client.SendMessage(ctx, binding.BotToken, binding.ChatID, message)
}

func (n *Notifier) NotifyLogin(ctx context.Context, binding model.ChannelBinding, notice auth.LoginNotice) error {
	return n.Send(ctx, binding, ConfirmationMessage(notice))
}

func (n *Notifier) NotifyBlocked(ctx context.Context, binding model.ChannelBinding, notice auth.BlockNotice) error {
	return n.Send(ctx, binding, BlockedMessage(notice))
}
