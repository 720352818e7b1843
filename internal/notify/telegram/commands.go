package telegram

import (
	"strings"

	"github.com/oobauth/server/internal/auth"
)

// ParseCommand turns a chat message into a reply. Only /confirm_<code> and /deny_<code>
// are accepted; anything else is auth.ErrMalformedReply.
func ParseCommand(text string) (auth.Reply, error) {
	text = strings.TrimSpace(text)

	var action auth.ReplyAction
	var rest string
	switch {
	case strings.HasPrefix(text, confirmPrefix):
		action, rest = auth.ActionConfirm, text[len(confirmPrefix):]
	case strings.HasPrefix(text, denyPrefix):
		action, rest = auth.ActionDeny, text[len(denyPrefix):]
	default:
		return auth.Reply{}, auth.ErrMalformedReply
	}

	// group chats address commands as /confirm_CODE@botname
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" || strings.ContainsAny(rest, " \t\n") {
		return auth.Reply{}, auth.ErrMalformedReply
	}

	return auth.Reply{Code: rest, Action: action}, nil
}

func isStart(text string) bool {
	text = strings.TrimSpace(text)
	return text == "/start" || strings.HasPrefix(text, "/start ") || strings.HasPrefix(text, "/start@")
}
