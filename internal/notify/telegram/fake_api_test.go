package telegram

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type apiCall struct {
	Token   string
	Method  string
	Payload map[string]any
}

// fakeAPI is a minimal Bot API. Handlers per method may override the default ok reply.
type fakeAPI struct {
	mu       sync.Mutex
	calls    []apiCall
	handlers map[string]func(call apiCall) (int, string)
	server   *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{handlers: map[string]func(apiCall) (int, string){}}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// path: /bot<token>/<method>
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/bot"), "/", 2)
		call := apiCall{Token: parts[0], Payload: map[string]any{}}
		if len(parts) == 2 {
			call.Method = parts[1]
		}
		_ = json.NewDecoder(r.Body).Decode(&call.Payload)

		f.mu.Lock()
		f.calls = append(f.calls, call)
		h := f.handlers[call.Method]
		f.mu.Unlock()

		status, body := http.StatusOK, `{"ok":true,"result":true}`
		if h != nil {
			status, body = h(call)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) on(method string, h func(call apiCall) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeAPI) client() *Client {
	return NewClient(f.server.URL)
}

func (f *fakeAPI) callsTo(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}
