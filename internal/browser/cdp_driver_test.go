package browser_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/browser"
)

// fakeChrome answers /json/version and speaks enough of the DevTools
// protocol for chromedp to attach to one page target.
type fakeChrome struct {
	srv       *httptest.Server
	noTargets bool
	pageURL   string

	mu      sync.Mutex
	methods []string
	done    chan struct{}
}

type cdpMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

func newFakeChrome(t *testing.T, noTargets bool) *fakeChrome {
	t.Helper()
	f := &fakeChrome{noTargets: noTargets, pageURL: "https://mail.example.com/login", done: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "HeadlessChrome/140.0",
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/devtools/browser/fake", f.serveWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChrome) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeChrome) seen(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.methods {
		if m == method {
			return true
		}
	}
	return false
}

func (f *fakeChrome) serveWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer close(f.done)
	defer conn.Close()

	for {
		var msg cdpMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		f.mu.Lock()
		f.methods = append(f.methods, msg.Method)
		f.mu.Unlock()

		if err := conn.WriteJSON(map[string]any{
			"id":        msg.ID,
			"sessionId": msg.SessionID,
			"result":    f.result(msg),
		}); err != nil {
			return
		}
		if msg.Method == "Target.setDiscoverTargets" && msg.SessionID == "" && !f.noTargets {
			if err := conn.WriteJSON(map[string]any{
				"method": "Target.targetCreated",
				"params": map[string]any{"targetInfo": map[string]any{
					"targetId": "T1", "type": "page", "title": "", "url": "about:blank",
					"attached": false, "canAccessOpener": false,
				}},
			}); err != nil {
				return
			}
		}
	}
}

func (f *fakeChrome) result(msg cdpMessage) map[string]any {
	switch msg.Method {
	case "Target.attachToTarget":
		return map[string]any{"sessionId": "S1"}
	case "Runtime.evaluate":
		var p struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		if p.Expression == "self" {
			return map[string]any{"result": map[string]any{"type": "object", "className": "Window", "objectId": "1"}}
		}
		return map[string]any{"result": map[string]any{"type": "string", "value": f.pageURL}}
	default:
		return map[string]any{}
	}
}

func TestCDPDriverPageOutlivesOpenContext(t *testing.T) {
	chrome := newFakeChrome(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	page, err := browser.CDPDriver{DiscoverTimeout: 2 * time.Second}.Open(ctx, &browser.Instance{CDPURL: chrome.srv.URL})
	cancel()
	require.NoError(t, err)
	assert.True(t, chrome.seen("Target.attachToTarget"))

	assert.Never(t, chrome.closed, 200*time.Millisecond, 10*time.Millisecond, "connection must stay open after Open returns")

	url, err := page.URL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://mail.example.com/login", url)

	require.NoError(t, page.Close())
	assert.Eventually(t, chrome.closed, 2*time.Second, 10*time.Millisecond)
}

func TestCDPDriverOpenTimesOutWithoutTarget(t *testing.T) {
	chrome := newFakeChrome(t, true)

	start := time.Now()
	_, err := browser.CDPDriver{DiscoverTimeout: 300 * time.Millisecond}.Open(context.Background(), &browser.Instance{CDPURL: chrome.srv.URL})
	require.Error(t, err)
	assert.Equal(t, apperr.KindDriver, apperr.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Eventually(t, chrome.closed, 2*time.Second, 10*time.Millisecond)
}

func TestCDPDriverUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := browser.CDPDriver{DiscoverTimeout: 200 * time.Millisecond}.Open(context.Background(), &browser.Instance{CDPURL: url})
	require.Error(t, err)
	assert.Equal(t, apperr.KindDriver, apperr.KindOf(err))
}
