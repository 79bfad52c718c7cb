// Package relay forwards browser websocket connections to the rover process
// message for message. It never reconnects: when either side of a pair ends,
// the other side is closed too and the browser decides what to do next.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MaxParisotto/bbb-websocket/internal/httputil"
	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/web"
)

const (
	// CloseGrace is how long the surviving side gets to finish its close
	// handshake before the socket is dropped.
	CloseGrace     = time.Second
	writeWait      = 5 * time.Second
	dialTimeout    = 5 * time.Second
	maxMessageSize = 1 << 20
)

// Relay pairs each browser connection with one upstream connection.
type Relay struct {
	wsBase   string
	httpBase string
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	client   httputil.HTTPClient

	active atomic.Int64
	total  atomic.Int64
}

// Option configures a Relay.
type Option func(*Relay)

// WithHTTPClient sets the client used for the forwarded HTTP endpoints.
func WithHTTPClient(c httputil.HTTPClient) Option { return func(r *Relay) { r.client = c } }

// New returns a Relay for the rover at upstream, an http:// or ws:// base URL.
func New(upstream string, opts ...Option) (*Relay, error) {
	u, err := url.Parse(strings.TrimRight(upstream, "/"))
	if err != nil {
		return nil, fmt.Errorf("relay: invalid upstream %q: %w", upstream, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("relay: upstream %q has no host", upstream)
	}

	wsURL, httpURL := *u, *u
	switch u.Scheme {
	case "http", "ws":
		wsURL.Scheme, httpURL.Scheme = "ws", "http"
	case "https", "wss":
		wsURL.Scheme, httpURL.Scheme = "wss", "https"
	default:
		return nil, fmt.Errorf("relay: unsupported upstream scheme %q", u.Scheme)
	}

	r := &Relay{
		wsBase:   wsURL.String(),
		httpBase: httpURL.String(),
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Stats reports relay connection counts.
type Stats struct {
	Upstream string `json:"upstream"`
	Active   int64  `json:"active"`
	Total    int64  `json:"total"`
}

// Stats returns the current counts.
func (r *Relay) Stats() Stats {
	return Stats{Upstream: r.httpBase, Active: r.active.Load(), Total: r.total.Load()}
}

// ServeMux returns the relay routes.
func (r *Relay) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/control", r.handleWS)
	mux.HandleFunc("/ws/telemetry", r.handleWS)

	forward := httputil.Forward(r.client, r.httpBase)
	mux.Handle("/health", forward)
	mux.Handle("/emergency_stop", forward)
	mux.Handle("/reset_emergency_stop", forward)

	mux.HandleFunc("/relay/status", func(w http.ResponseWriter, req *http.Request) {
		if !httputil.RequireMethod(w, req, http.MethodGet) {
			return
		}
		httputil.WriteJSONOK(w, r.Stats())
	})
	mux.Handle("/", web.Handler())
	return mux
}

// handleWS dials upstream first so a rover that is down fails the browser's
// handshake with 502 instead of an open socket that closes at once.
func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	target := r.wsBase + req.URL.Path
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(req.Context(), dialTimeout)
	up, resp, err := r.dialer.DialContext(ctx, target, nil)
	cancel()
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		monitoring.Printf("[relay] dial %s: %v", target, err)
		httputil.BadGateway(w, "rover unavailable")
		return
	}

	down, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		monitoring.Printf("[relay] upgrade failed: %v", err)
		up.Close()
		return
	}

	r.active.Add(1)
	r.total.Add(1)
	defer r.active.Add(-1)

	monitoring.Printf("[relay] %s paired %s <-> %s", req.URL.Path, req.RemoteAddr, target)
	Pipe(down, up)
	monitoring.Printf("[relay] %s closed for %s", req.URL.Path, req.RemoteAddr)
}

// Pipe copies messages between a and b in both directions, preserving the
// message type, until one side ends. It then sends a close frame to the
// other side, waits up to CloseGrace for it to finish, and closes both.
func Pipe(a, b *websocket.Conn) {
	a.SetReadLimit(maxMessageSize)
	b.SetReadLimit(maxMessageSize)

	errc := make(chan error, 2)
	go func() { errc <- copyMessages(b, a) }()
	go func() { errc <- copyMessages(a, b) }()

	first := <-errc
	msg := closeMessageFor(first)
	deadline := time.Now().Add(CloseGrace)
	_ = a.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = b.WriteControl(websocket.CloseMessage, msg, deadline)

	timer := time.NewTimer(CloseGrace)
	defer timer.Stop()
	select {
	case <-errc:
	case <-timer.C:
	}
	a.Close()
	b.Close()
}

// copyMessages forwards src to dst. It is the only writer of data frames to
// dst, so no write lock is needed.
func copyMessages(dst, src *websocket.Conn) error {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			return err
		}
	}
}

// closeMessageFor carries a peer's close code across; anything else is
// reported as going away.
func closeMessageFor(err error) []byte {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		default:
			return websocket.FormatCloseMessage(ce.Code, ce.Text)
		}
	}
	return websocket.FormatCloseMessage(websocket.CloseGoingAway, "peer closed")
}
