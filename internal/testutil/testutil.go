// Package testutil provides shared test helpers for the HTTP and websocket
// surfaces.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// LoopbackAddr is the RemoteAddr given to requests that must pass the
// loopback check on /debug routes.
const LoopbackAddr = "127.0.0.1:12345"

// Reporter is the part of testing.TB the assertions use.
type Reporter interface {
	Helper()
	Errorf(format string, args ...any)
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t Reporter, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LoopbackRequest creates a server-side test request that appears to come
// from the local machine.
func LoopbackRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = LoopbackAddr
	return req
}

// WebsocketURL turns an http(s) base URL into the ws(s) URL for path.
func WebsocketURL(base, path string) string {
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		return "wss://" + rest + path
	}
	return "ws://" + strings.TrimPrefix(base, "http://") + path
}

// DialWS opens a websocket to path on the server at base and closes it when
// the test ends.
func DialWS(t testing.TB, base, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(WebsocketURL(base, path), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
