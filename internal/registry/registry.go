// Package registry tracks live control and telemetry connections.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
)

// Subscriber is one connection endpoint. Send delivers one complete message
// and must honour ctx. Close releases the connection; the registry calls it
// exactly once, on removal.
type Subscriber interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Kind distinguishes the two connection sets.
type Kind string

const (
	Control   Kind = "control"
	Telemetry Kind = "telemetry"
)

// Event describes a registration change.
type Event struct {
	ID        string
	Kind      Kind
	Connected bool
	Remaining int
}

// Stopper is the safety transition taken when the last control connection
// goes away.
type Stopper interface {
	DisconnectStop() error
}

// Registry holds the control and telemetry subscriber sets.
type Registry struct {
	stopper  Stopper
	observer func(Event)

	mu        sync.Mutex
	control   map[string]Subscriber
	telemetry map[string]Subscriber
}

// New returns an empty Registry that calls s.DisconnectStop when the last
// control subscriber is removed. observer may be nil.
func New(s Stopper, observer func(Event)) *Registry {
	return &Registry{
		stopper:   s,
		observer:  observer,
		control:   make(map[string]Subscriber),
		telemetry: make(map[string]Subscriber),
	}
}

// AddControl registers a control subscriber and returns its id.
func (r *Registry) AddControl(s Subscriber) string { return r.add(Control, s) }

// AddTelemetry registers a telemetry subscriber and returns its id.
func (r *Registry) AddTelemetry(s Subscriber) string { return r.add(Telemetry, s) }

func (r *Registry) add(kind Kind, s Subscriber) string {
	id := uuid.NewString()
	r.mu.Lock()
	set := r.set(kind)
	set[id] = s
	n := len(set)
	r.mu.Unlock()

	monitoring.Printf("[registry] %s connected: %s (%d active)", kind, id, n)
	r.notify(Event{ID: id, Kind: kind, Connected: true, Remaining: n})
	return id
}

// Remove unregisters id and closes its subscriber. Unknown or already removed
// ids are ignored. Removing the last control subscriber triggers the
// disconnect stop unless another controller registered in the meantime. It
// reports whether id was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	kind := Control
	s, ok := r.control[id]
	if ok {
		delete(r.control, id)
	} else if s, ok = r.telemetry[id]; ok {
		kind = Telemetry
		delete(r.telemetry, id)
	}
	remaining := len(r.set(kind))
	r.mu.Unlock()

	if !ok {
		return false
	}
	monitoring.Printf("[registry] %s disconnected: %s (%d active)", kind, id, remaining)
	r.notify(Event{ID: id, Kind: kind, Remaining: remaining})

	if kind == Control && remaining == 0 {
		r.disconnectStop()
	}
	if err := s.Close(); err != nil {
		monitoring.Printf("[registry] close %s %s: %v", kind, id, err)
	}
	return true
}

// disconnectStop latches the stop if no control subscriber is registered.
// Holding r.mu orders it against a concurrent AddControl.
func (r *Registry) disconnectStop() {
	if r.stopper == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.control) > 0 {
		return
	}
	if err := r.stopper.DisconnectStop(); err != nil {
		monitoring.Printf("[registry] disconnect stop: %v", err)
	}
}

// ControlCount returns the number of live control subscribers.
func (r *Registry) ControlCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.control)
}

// TelemetryCount returns the number of live telemetry subscribers.
func (r *Registry) TelemetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.telemetry)
}

// Telemetry returns a snapshot of the telemetry subscribers keyed by id.
// Callers may send to them without holding any registry lock.
func (r *Registry) Telemetry() map[string]Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Subscriber, len(r.telemetry))
	for id, s := range r.telemetry {
		out[id] = s
	}
	return out
}

// CloseAll removes every subscriber. It is used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.control)+len(r.telemetry))
	for id := range r.control {
		ids = append(ids, id)
	}
	for id := range r.telemetry {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}
}

// set must be called with r.mu held.
func (r *Registry) set(kind Kind) map[string]Subscriber {
	if kind == Control {
		return r.control
	}
	return r.telemetry
}

func (r *Registry) notify(e Event) {
	if r.observer != nil {
		r.observer(e)
	}
}
