package telegram

import (
	"context"
	"errors"
	"strconv"

	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/observability"
)

// Resolver applies a parsed reply to the login it refers to
type Resolver interface {
	Resolve(ctx context.Context, reply auth.Reply) (*auth.ResolutionResult, error)
}

// ReplyHandler turns updates received by one bot into resolutions and answers the chat.
// Both listeners share it.
type ReplyHandler struct {
	resolver Resolver
	client   *Client
	token    string
	logger   *observability.Logger
}

// NewReplyHandler creates a handler answering through the bot identified by token
func NewReplyHandler(resolver Resolver, client *Client, token string, logger *observability.Logger) *ReplyHandler {
	return &ReplyHandler{resolver: resolver, client: client, token: token, logger: logger}
}

// HandleUpdate processes one update. Messages that are not commands are ignored.
// The returned error is only for failures the operator should see.
func (h *ReplyHandler) HandleUpdate(ctx context.Context, u Update) error {
	if u.Message == nil || u.Message.Text == "" {
		return nil
	}
	chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
	text := u.Message.Text

	if isStart(text) {
		h.answer(ctx, chatID, greeting(chatID))
		return nil
	}

	reply, err := ParseCommand(text)
	if err != nil {
		h.logger.Info("telegram_message_ignored", map[string]any{"chat_id": chatID, "update_id": u.UpdateID})
		return nil
	}
	reply.ChatID = chatID

	result, err := h.resolver.Resolve(ctx, reply)
	switch {
	case err == nil && result.Blocked:
		h.answer(ctx, chatID, ackDenied)
	case err == nil:
		h.answer(ctx, chatID, ackConfirmed)
	case errors.Is(err, auth.ErrCodeNotFound), errors.Is(err, auth.ErrMalformedReply):
		h.answer(ctx, chatID, ackNotFound)
	default:
		h.logger.Error("telegram_reply_failed", map[string]any{
			"chat_id":   chatID,
			"update_id": u.UpdateID,
			"action":    string(reply.Action),
			"error":     err,
		})
		observability.CaptureError(err, map[string]string{"component": "telegram", "stage": "resolve"})
		return err
	}
	return nil
}

func (h *ReplyHandler) answer(ctx context.Context, chatID, text string) {
	if err := h.client.SendMessage(ctx, h.token, chatID, text); err != nil {
		h.logger.Warn("telegram_answer_failed", map[string]any{"chat_id": chatID, "error": err})
	}
}
