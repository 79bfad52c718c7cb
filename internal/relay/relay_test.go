package relay

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// upstream is a stand-in rover: it echoes every message with its type,
// reports each accepted connection on conns and each read error on errs.
type upstream struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	errs  chan error
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{conns: make(chan *websocket.Conn, 4), errs: make(chan error, 4)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	echo := func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.conns <- conn
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				u.errs <- err
				return
			}
			if err := conn.WriteMessage(mt, append([]byte(r.URL.Path+":"), msg...)); err != nil {
				return
			}
		}
	}
	mux.HandleFunc("/ws/control", echo)
	mux.HandleFunc("/ws/telemetry", echo)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"ok","connections":0}`)
	})
	mux.HandleFunc("/emergency_stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		io.WriteString(w, `{"status":"emergency_stop_activated"}`)
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func newRelay(t *testing.T, upstreamURL string) (*Relay, *httptest.Server) {
	t.Helper()
	r, err := New(upstreamURL)
	require.NoError(t, err)
	srv := httptest.NewServer(r.ServeMux())
	t.Cleanup(srv.Close)
	return r, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	return testutil.DialWS(t, srv.URL, path)
}

func TestRelayPreservesMessages(t *testing.T) {
	up := newUpstream(t)
	_, srv := newRelay(t, up.srv.URL)
	conn := dial(t, srv, "/ws/control")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, `/ws/control:{"type":"ping"}`, string(msg))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2}))
	mt, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, append([]byte("/ws/control:"), 0, 1, 2), msg)

	tel := dial(t, srv, "/ws/telemetry")
	require.NoError(t, tel.WriteMessage(websocket.TextMessage, []byte("x")))
	_, msg, err = tel.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "/ws/telemetry:x", string(msg))
}

func TestUpstreamCloseClosesBrowser(t *testing.T) {
	up := newUpstream(t)
	r, srv := newRelay(t, up.srv.URL)
	conn := dial(t, srv, "/ws/telemetry")
	upConn := <-up.conns
	require.Eventually(t, func() bool { return r.Stats().Active == 1 }, time.Second, 5*time.Millisecond)

	// The rover goes away without a close handshake.
	upConn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(CloseGrace+time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected a close frame, got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)

	require.Eventually(t, func() bool { return r.Stats().Active == 0 }, 2*CloseGrace, 10*time.Millisecond)
	assert.Equal(t, int64(1), r.Stats().Total)
}

func TestBrowserCloseClosesUpstream(t *testing.T) {
	up := newUpstream(t)
	_, srv := newRelay(t, up.srv.URL)
	conn := dial(t, srv, "/ws/control")
	<-up.conns

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	// The echo loop on the upstream side sees the forwarded close code.
	var err error
	select {
	case err = <-up.errs:
	case <-time.After(CloseGrace + time.Second):
		t.Fatal("upstream was not closed")
	}
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected a close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "bye", ce.Text)
}

func TestUpstreamDownRejectsHandshake(t *testing.T) {
	up := newUpstream(t)
	url := up.srv.URL
	up.srv.Close()

	_, srv := newRelay(t, url)
	_, resp, err := websocket.DefaultDialer.Dial(testutil.WebsocketURL(srv.URL, "/ws/control"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestForwardedEndpoints(t *testing.T) {
	up := newUpstream(t)
	_, srv := newRelay(t, up.srv.URL)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","connections":0}`, string(body))

	resp, err = http.Post(srv.URL+"/emergency_stop", "application/json", nil)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "emergency_stop_activated")

	resp, err = http.Get(srv.URL + "/emergency_stop")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/relay/status")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `"active":0`)

	resp, err = http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewUpstreamURLs(t *testing.T) {
	r, err := New("ws://rover.local:8001/")
	require.NoError(t, err)
	assert.Equal(t, "ws://rover.local:8001", r.wsBase)
	assert.Equal(t, "http://rover.local:8001", r.httpBase)

	r, err = New("https://rover.example")
	require.NoError(t, err)
	assert.Equal(t, "wss://rover.example", r.wsBase)

	_, err = New("ftp://rover")
	assert.Error(t, err)
	_, err = New("rover:8001")
	assert.Error(t, err)
}

func TestCloseMessageFor(t *testing.T) {
	got := closeMessageFor(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"})
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), got)

	got = closeMessageFor(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseGoingAway, "peer closed"), got)

	got = closeMessageFor(io.EOF)
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseGoingAway, "peer closed"), got)
}
