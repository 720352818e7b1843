package handlers

import (
	"context"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/observability"
)

// StatusSource reports the state of a verification code
type StatusSource interface {
	Status(ctx context.Context, code string) (auth.StatusReport, error)
}

// StatusHandler serves the three ways a client can wait for a decision:
// JSON polling, an auto-refreshing page and a websocket push channel.
type StatusHandler struct {
	twofa        StatusSource
	logger       *observability.Logger
	pushInterval time.Duration
	refresh      time.Duration
	upgrader     websocket.Upgrader
}

// NewStatusHandler creates a status handler pushing updates every pushInterval
func NewStatusHandler(twofa StatusSource, logger *observability.Logger, pushInterval time.Duration) *StatusHandler {
	if pushInterval <= 0 {
		pushInterval = 5 * time.Second
	}
	return &StatusHandler{
		twofa:        twofa,
		logger:       logger,
		pushInterval: pushInterval,
		refresh:      5 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func codeParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "code"))
}

// HandleStatus handles GET /admin/2fa/status/{code}
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.twofa.Status(r.Context(), codeParam(r))
	if err != nil {
		h.logger.Error("twofa_status_error", map[string]any{"error": err})
		respondWithError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, report)
}

var waitPage = template.Must(template.New("wait").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.RefreshSeconds}}">
<title>Confirm login</title>
</head>
<body>
<h1>Confirm your login</h1>
<p id="message">{{.Message}}</p>
<p>Reply in Telegram with <code>/confirm_{{.Code}}</code> to continue or <code>/deny_{{.Code}}</code> to block this device.</p>
<script>
(function () {
  if (!window.WebSocket) { return; }
  var scheme = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(scheme + location.host + {{.SocketPath}});
  ws.onmessage = function (ev) {
    var msg = JSON.parse(ev.data);
    document.getElementById("message").textContent = msg.message;
    if (msg.status !== "pending" && msg.status !== "sent") { location.reload(); }
  };
})();
</script>
</body>
</html>
`))

type waitView struct {
	Code           string
	Message        string
	SocketPath     string
	RefreshSeconds int
}

// HandleWait handles GET /admin/2fa/wait/{code}. The page refreshes itself until the
// code leaves the waiting states and then redirects.
func (h *StatusHandler) HandleWait(w http.ResponseWriter, r *http.Request) {
	code := codeParam(r)
	report, err := h.twofa.Status(r.Context(), code)
	if err != nil {
		h.logger.Error("twofa_status_error", map[string]any{"error": err})
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}

	if report.Final() {
		if report.Redirect != "" {
			http.Redirect(w, r, report.Redirect, http.StatusSeeOther)
			return
		}
		http.Redirect(w, r, loginErrorPath(string(report.Status)), http.StatusSeeOther)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	view := waitView{
		Code:           strings.ToUpper(code),
		Message:        report.Message,
		SocketPath:     socketPath(strings.ToUpper(code)),
		RefreshSeconds: int(h.refresh / time.Second),
	}
	if err := waitPage.Execute(w, view); err != nil {
		h.logger.Error("twofa_wait_render_error", map[string]any{"error": err})
	}
}

// statusMessage is one websocket push
type statusMessage struct {
	Type     string      `json:"type"`
	Status   auth.Status `json:"status"`
	Message  string      `json:"message"`
	Redirect string      `json:"redirect,omitempty"`
}

const writeWait = 10 * time.Second

// HandleSocket handles GET /admin/2fa/ws/{code}. It pushes the status every push
// interval and closes the connection once the status is final.
func (h *StatusHandler) HandleSocket(w http.ResponseWriter, r *http.Request) {
	code := codeParam(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so close and ping control messages are processed
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	for {
		report, err := h.twofa.Status(ctx, code)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Error("twofa_status_error", map[string]any{"error": err})
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(statusMessage{Type: "error", Message: "status unavailable"}); err != nil {
				return
			}
		} else {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := statusMessage{Type: "status", Status: report.Status, Message: report.Message, Redirect: report.Redirect}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			if report.Final() {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(report.Status))
				_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
