package tests

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oobauth/server/internal/db"
	"github.com/oobauth/server/internal/http/handlers"
)

type socketMessage struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Redirect string `json:"redirect"`
}

// TestBrowserFlowE2E drives the HTML side: form login, wait page, websocket push and completion.
func TestBrowserFlowE2E(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, db.TruncateAll(ts.DB))
	ts.createAdmin(t, "henry", true)
	c := ts.client(t)

	form := url.Values{"username": {"henry"}, "password": {testPassword}}
	req, err := http.NewRequest(http.MethodPost, ts.BaseURL()+"/admin/login", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	waitURL := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(waitURL, "/admin/2fa/wait/"), waitURL)
	code := strings.TrimPrefix(waitURL, "/admin/2fa/wait/")
	assert.Equal(t, code, ts.Bot.LastCode())

	page, err := c.Get(ts.BaseURL() + waitURL)
	require.NoError(t, err)
	page.Body.Close()
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, page.Header.Get("Content-Type"), "text/html")

	wsURL := "ws" + strings.TrimPrefix(ts.BaseURL(), "http") + "/admin/2fa/ws/" + code
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil && wsResp.Body != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var first socketMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "sent", first.Status)

	ts.reply(t, testChatNum, "/confirm_"+code)

	var last socketMessage
	for {
		var msg socketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = msg
	}
	assert.Equal(t, "confirmed", last.Status)
	require.NotEmpty(t, last.Redirect)

	// the wait page now forwards to completion
	page, err = c.Get(ts.BaseURL() + waitURL)
	require.NoError(t, err)
	page.Body.Close()
	assert.Equal(t, http.StatusSeeOther, page.StatusCode)
	assert.Equal(t, last.Redirect, page.Header.Get("Location"))

	// a different browser without the pending cookie cannot complete
	stranger := ts.client(t)
	denied, err := stranger.Get(ts.BaseURL() + last.Redirect)
	require.NoError(t, err)
	denied.Body.Close()
	assert.Contains(t, denied.Header.Get("Location"), "error=session_mismatch")

	done, err := c.Get(ts.BaseURL() + last.Redirect)
	require.NoError(t, err)
	done.Body.Close()
	assert.Equal(t, http.StatusSeeOther, done.StatusCode)
	assert.Equal(t, handlers.AdminHome, done.Header.Get("Location"))

	blocks, err := c.Get(ts.BaseURL() + "/admin/security/blocks")
	require.NoError(t, err)
	blocks.Body.Close()
	assert.Equal(t, http.StatusOK, blocks.StatusCode)
}
