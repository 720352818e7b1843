package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/oobauth/server/internal/auth"
)

const (
	confirmPrefix = "/confirm_"
	denyPrefix    = "/deny_"
	deviceMaxLen  = 50
	timeLayout    = "02.01.2006 15:04:05 MST"
)

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func location(l *string) string {
	if l == nil || strings.TrimSpace(*l) == "" {
		return "Unknown"
	}
	return html.EscapeString(*l)
}

// ConfirmationMessage renders the login confirmation request
func ConfirmationMessage(n auth.LoginNotice) string {
	var b strings.Builder
	b.WriteString("🔐 <b>Admin panel login confirmation</b>\n\n")
	fmt.Fprintf(&b, "📅 <b>Time:</b> %s\n", n.At.Format(timeLayout))
	fmt.Fprintf(&b, "🌐 <b>IP address:</b> <code>%s</code>\n", html.EscapeString(n.IP))
	fmt.Fprintf(&b, "📱 <b>Device:</b> <code>%s</code>\n", html.EscapeString(truncate(n.UserAgent, deviceMaxLen)))
	fmt.Fprintf(&b, "📍 <b>Location:</b> %s\n\n", location(n.Location))
	b.WriteString("❓ <b>Was this you?</b>\n\n")
	fmt.Fprintf(&b, "✅ Confirm: %s%s\n", confirmPrefix, n.Code)
	fmt.Fprintf(&b, "❌ Deny: %s%s\n\n", denyPrefix, n.Code)
	b.WriteString("⚠️ <i>If this was not you, deny immediately. The device will be blocked.</i>\n")
	fmt.Fprintf(&b, "⏰ <i>This code expires in %s.</i>", humanDuration(n.ValidFor))
	return b.String()
}

// BlockedMessage renders the device-blocked notice
func BlockedMessage(n auth.BlockNotice) string {
	var b strings.Builder
	b.WriteString("🚫 <b>Device blocked</b>\n\n")
	fmt.Fprintf(&b, "📅 <b>Time:</b> %s\n", n.At.Format(timeLayout))
	fmt.Fprintf(&b, "🌐 <b>IP address:</b> <code>%s</code>\n", html.EscapeString(n.IP))
	fmt.Fprintf(&b, "📱 <b>Device:</b> <code>%s</code>\n", html.EscapeString(truncate(n.UserAgent, deviceMaxLen)))
	fmt.Fprintf(&b, "⚠️ <b>Reason:</b> %s\n", html.EscapeString(n.Reason))
	if n.Until != nil {
		fmt.Fprintf(&b, "⏳ <b>Until:</b> %s\n", n.Until.Format(timeLayout))
	}
	b.WriteString("\n💡 <i>The block can be lifted from the admin security page.</i>")
	return b.String()
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "a few minutes"
	}
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}

// Acknowledgements sent back to the chat after a reply is processed
const (
	ackConfirmed = "✅ Login confirmed. You can continue in the admin panel."
	ackDenied    = "❌ Login denied. The device has been blocked."
	ackNotFound  = "❌ Verification code not found or already used."
)

func greeting(chatID string) string {
	return fmt.Sprintf("👋 This bot confirms admin panel logins.\n\nYour chat id is <code>%s</code>. "+
		"Enter it in your security profile to receive login confirmations here.", html.EscapeString(chatID))
}
