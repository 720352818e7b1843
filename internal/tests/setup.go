package tests

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/oobauth/server/internal/db"
)

// OpenTestDB connects to DATABASE_URL, applies the embedded migrations and empties every table.
// DB_DRIVER selects the driver the same way the server does.
func OpenTestDB(ctx context.Context) (*sql.DB, error) {
	driver := os.Getenv("DB_DRIVER")
	if driver == "" {
		driver = "postgres"
	}
	database, err := db.Open(ctx, driver, os.Getenv("DATABASE_URL"))
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	if err := db.TruncateAll(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

var confirmPattern = regexp.MustCompile(`/confirm_([A-Z2-9]+)`)

// SentMessage is one sendMessage call received by FakeBotAPI
type SentMessage struct {
	Token  string
	ChatID string
	Text   string
}

// FakeBotAPI stands in for api.telegram.org. It records sendMessage calls and can be
// told to fail them.
type FakeBotAPI struct {
	Server *httptest.Server

	mu       sync.Mutex
	messages []SentMessage
	failSend bool
}

// NewFakeBotAPI starts the fake API. Close it with Server.Close.
func NewFakeBotAPI() *FakeBotAPI {
	f := &FakeBotAPI{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

func (f *FakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	// path is /bot<token>/<method>
	var token, method string
	if rest := strings.TrimPrefix(r.URL.Path, "/bot"); rest != r.URL.Path {
		if i := strings.LastIndex(rest, "/"); i >= 0 {
			token, method = rest[:i], rest[i+1:]
		}
	}

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "sendMessage":
		var payload struct {
			ChatID string `json:"chat_id"`
			Text   string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)

		f.mu.Lock()
		fail := f.failSend
		if !fail {
			f.messages = append(f.messages, SentMessage{Token: token, ChatID: payload.ChatID, Text: payload.Text})
		}
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":1},"date":0}}`))
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":777,"is_bot":true,"first_name":"Guard","username":"guard_bot"}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

// FailSends makes every following sendMessage fail
func (f *FakeBotAPI) FailSends(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = fail
}

// Messages returns a copy of the recorded messages
func (f *FakeBotAPI) Messages() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.messages...)
}

// LastCode returns the code of the most recent confirmation request, or ""
func (f *FakeBotAPI) LastCode() string {
	msgs := f.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if m := confirmPattern.FindStringSubmatch(msgs[i].Text); m != nil {
			return m[1]
		}
	}
	return ""
}
