// Package api serves the rover's HTTP and websocket surface: health, the
// admin emergency stop endpoints, the journal listing, the dashboard page,
// and the /ws/control and /ws/telemetry channels.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/MaxParisotto/bbb-websocket/internal/command"
	"github.com/MaxParisotto/bbb-websocket/internal/db"
	"github.com/MaxParisotto/bbb-websocket/internal/httputil"
	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/registry"
	"github.com/MaxParisotto/bbb-websocket/internal/safety"
	"github.com/MaxParisotto/bbb-websocket/internal/version"
	"github.com/MaxParisotto/bbb-websocket/internal/web"
)

// EventStore lists journal rows.
type EventStore interface {
	Events(ctx context.Context, limit int) ([]db.SafetyEvent, error)
}

// Server wires HTTP requests to the safety machine, dispatcher and registry.
type Server struct {
	machine    *safety.Machine
	dispatcher *command.Dispatcher
	registry   *registry.Registry
	events     EventStore
}

// NewServer returns a Server. events may be nil when the journal is off.
func NewServer(m *safety.Machine, reg *registry.Registry, events EventStore) *Server {
	return &Server{
		machine:    m,
		dispatcher: command.NewDispatcher(m, nil),
		registry:   reg,
		events:     events,
	}
}

// HealthResponse is the /health body. Connections counts control
// connections only.
type HealthResponse struct {
	Status               string `json:"status"`
	Connections          int    `json:"connections"`
	EmergencyStop        bool   `json:"emergency_stop"`
	State                string `json:"state"`
	TelemetrySubscribers int    `json:"telemetry_subscribers"`
	Version              string `json:"version"`
}

// ServeMux returns the routes served by the rover process.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/emergency_stop", s.emergencyStop)
	mux.HandleFunc("/reset_emergency_stop", s.resetEmergencyStop)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/ws/control", s.handleControl)
	mux.HandleFunc("/ws/telemetry", s.handleTelemetry)
	mux.Handle("/", web.Handler())
	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	st := s.machine.Status()
	httputil.WriteJSONOK(w, HealthResponse{
		Status:               "ok",
		Connections:          s.registry.ControlCount(),
		EmergencyStop:        st.EmergencyStop,
		State:                st.State.String(),
		TelemetrySubscribers: s.registry.TelemetryCount(),
		Version:              version.Version,
	})
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	// The latch holds even if zeroing the outputs failed.
	if err := s.machine.EmergencyStop(safety.CauseAdmin); err != nil {
		monitoring.Printf("[api] emergency stop actuator error: %v", err)
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "emergency_stop_activated"})
}

func (s *Server) resetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	s.machine.Reset()
	httputil.WriteJSONOK(w, map[string]string{"status": "emergency_stop_reset"})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.events == nil {
		httputil.ServiceUnavailable(w, "journal disabled")
		return
	}

	limit := db.DefaultEventsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.events.Events(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve events: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, events)
}

// handleControl runs one control connection. Messages are handled strictly in
// arrival order; each gets exactly one response.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Printf("[api] control upgrade failed: %v", err)
		return
	}
	c := newWSConn(conn)
	id := s.registry.AddControl(c)
	defer s.registry.Remove(id)
	go c.keepalive()

	ctx := r.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !isNormalClose(err) && !errors.Is(err, net.ErrClosed) {
				monitoring.Printf("[api] control %s read: %v", id, err)
			}
			return
		}

		resp, err := json.Marshal(s.dispatcher.Handle(msg))
		if err != nil {
			monitoring.Printf("[api] control %s marshal: %v", id, err)
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
		err = c.Send(sendCtx, resp)
		cancel()
		if err != nil {
			monitoring.Printf("[api] control %s write: %v", id, err)
			return
		}
	}
}

// handleTelemetry registers a telemetry subscriber. The aggregator does the
// writing; this goroutine only reads so pongs and the peer's close arrive.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Printf("[api] telemetry upgrade failed: %v", err)
		return
	}
	c := newWSConn(conn)
	id := s.registry.AddTelemetry(c)
	defer s.registry.Remove(id)
	go c.keepalive()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
