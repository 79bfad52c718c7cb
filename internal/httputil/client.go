// Package httputil holds the JSON response helpers and the small HTTP
// forwarding client shared by the rover and relay servers.
package httputil

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient abstracts the one call Forward makes so tests can stub it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientFunc adapts a function to HTTPClient.
type ClientFunc func(req *http.Request) (*http.Response, error)

func (f ClientFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// DefaultForwardTimeout bounds a forwarded request when the caller sets none.
const DefaultForwardTimeout = 5 * time.Second

const maxForwardBody = 64 * 1024

// Forward returns a handler that replays the incoming request against
// base+r.URL.Path and copies status, content type and body back. Any
// transport error becomes a 502.
func Forward(client HTTPClient, base string) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: DefaultForwardTimeout}
	}
	base = strings.TrimRight(base, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), DefaultForwardTimeout)
		defer cancel()

		target := base + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		req, err := http.NewRequestWithContext(ctx, r.Method, target, io.LimitReader(r.Body, maxForwardBody))
		if err != nil {
			InternalServerError(w, err.Error())
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "" {
			req.Header.Set("Content-Type", ct)
		}

		resp, err := client.Do(req)
		if err != nil {
			BadGateway(w, "upstream unavailable: "+err.Error())
			return
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})
}
