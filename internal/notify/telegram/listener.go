package telegram

import "context"

// InboundReplyListener receives side-channel replies and hands them to a ReplyHandler.
// Listen blocks until ctx is cancelled or the listener cannot continue.
type InboundReplyListener interface {
	Listen(ctx context.Context) error
}

var (
	_ InboundReplyListener = (*WebhookHandler)(nil)
	_ InboundReplyListener = (*Poller)(nil)
)
