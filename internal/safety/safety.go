// Package safety owns the rover's safety state: the Idle/Active/
// EmergencyStopped machine and the command watchdog deadline.
//
// State and deadline are one unit behind a single mutex. Motion and servo
// commands run their actuator writes inside Accept, under that same lock, so
// an emergency stop can never land between a passed safety gate and the
// writes it allowed. A stopped rover therefore stays stopped until Reset.
package safety

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MaxParisotto/bbb-websocket/internal/actuator"
	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/timeutil"
)

// ErrEmergencyStopActive is returned by Accept while the emergency stop is latched.
var ErrEmergencyStopActive = errors.New("emergency stop active")

// Defaults used when no option overrides them.
const (
	DefaultWatchdogTimeout = time.Second
	DefaultCheckInterval   = 100 * time.Millisecond
)

// Transition causes recorded with every state change.
const (
	CauseCommand    = "command"
	CauseAdmin      = "admin"
	CauseDisconnect = "disconnect"
	CauseWatchdog   = "watchdog"
	CauseReset      = "reset"
)

// State is the safety state of the rover.
type State int

const (
	Idle State = iota
	Active
	EmergencyStopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case EmergencyStopped:
		return "emergency_stopped"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition describes one state change.
type Transition struct {
	From  State
	To    State
	Cause string
	At    time.Time
	// Err is set when the stop side effect of the transition failed.
	Err error
}

// Status is a consistent copy of the machine state.
type Status struct {
	State         State     `json:"state"`
	EmergencyStop bool      `json:"emergency_stop"`
	Deadline      time.Time `json:"watchdog_deadline"`
}

// Machine is the safety state machine. The zero value is not usable; call New.
type Machine struct {
	gw       actuator.Gateway
	clock    timeutil.Clock
	timeout  time.Duration
	interval time.Duration
	observer func(Transition)

	mu       sync.Mutex
	state    State
	deadline time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock used for deadlines and the watchdog ticker.
func WithClock(c timeutil.Clock) Option { return func(m *Machine) { m.clock = c } }

// WithWatchdogTimeout sets how long an accepted command keeps the rover Active.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithCheckInterval sets the watchdog tick period.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithObserver registers f to receive every transition. f runs outside the
// machine lock and must not block for long.
func WithObserver(f func(Transition)) Option { return func(m *Machine) { m.observer = f } }

// New returns a Machine in the Idle state driving gw.
func New(gw actuator.Gateway, opts ...Option) *Machine {
	m := &Machine{
		gw:       gw,
		clock:    timeutil.RealClock{},
		timeout:  DefaultWatchdogTimeout,
		interval: DefaultCheckInterval,
		state:    Idle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Accept runs fn as an accepted motion or servo command. While the emergency
// stop is latched it returns ErrEmergencyStopActive without calling fn and
// without touching the deadline. Otherwise the machine becomes Active, the
// deadline moves to now + timeout, and fn runs under the machine lock. fn's
// error is returned unchanged; it does not alter the state.
func (m *Machine) Accept(fn func() error) error {
	m.mu.Lock()
	if m.state == EmergencyStopped {
		m.mu.Unlock()
		return ErrEmergencyStopActive
	}
	prev := m.state
	now := m.clock.Now()
	m.state = Active
	m.deadline = now.Add(m.timeout)
	err := fn()
	m.mu.Unlock()

	if prev != Active {
		m.notify(Transition{From: prev, To: Active, Cause: CauseCommand, At: now})
	}
	return err
}

// EmergencyStop latches the emergency stop and zeroes every output, braking
// when the gateway supports it. Calling it while already stopped re-zeroes
// the outputs. The returned error reports a failed stop side effect only;
// the state is EmergencyStopped either way.
func (m *Machine) EmergencyStop(cause string) error {
	m.mu.Lock()
	prev := m.state
	now := m.clock.Now()
	m.state = EmergencyStopped
	m.deadline = time.Time{}
	err := m.brake()
	m.mu.Unlock()

	if prev != EmergencyStopped {
		monitoring.Printf("[safety] EMERGENCY STOP (%s)", cause)
		m.notify(Transition{From: prev, To: EmergencyStopped, Cause: cause, At: now, Err: err})
	}
	return err
}

// DisconnectStop is the transition taken when the last control connection
// goes away. It is a no-op when the emergency stop is already latched.
func (m *Machine) DisconnectStop() error {
	m.mu.Lock()
	if m.state == EmergencyStopped {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.EmergencyStop(CauseDisconnect)
}

// Reset releases a latched emergency stop back to Idle. It reports whether
// the state changed; resetting a running machine is a no-op.
func (m *Machine) Reset() bool {
	m.mu.Lock()
	if m.state != EmergencyStopped {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now()
	m.state = Idle
	m.deadline = time.Time{}
	m.mu.Unlock()

	monitoring.Printf("[safety] emergency stop reset")
	m.notify(Transition{From: EmergencyStopped, To: Idle, Cause: CauseReset, At: now})
	return true
}

// Check applies the watchdog at time now: an Active machine whose deadline
// has passed drops to Idle and stops every output. It reports whether the
// watchdog fired.
func (m *Machine) Check(now time.Time) bool {
	m.mu.Lock()
	if m.state != Active || !now.After(m.deadline) {
		m.mu.Unlock()
		return false
	}
	overdue := now.Sub(m.deadline) + m.timeout
	m.state = Idle
	m.deadline = time.Time{}
	err := m.gw.StopAll()
	m.mu.Unlock()

	monitoring.Printf("[safety] watchdog timeout (%.2fs without command), motors stopped", overdue.Seconds())
	if err != nil {
		monitoring.Printf("[safety] watchdog stop failed: %v", err)
	}
	m.notify(Transition{From: Active, To: Idle, Cause: CauseWatchdog, At: now, Err: err})
	return true
}

// Run ticks the watchdog every check interval until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			m.Check(m.clock.Now())
		}
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Deadline returns the watchdog deadline. It is zero unless the machine is Active.
func (m *Machine) Deadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadline
}

// Status returns state, latch flag and deadline read atomically.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:         m.state,
		EmergencyStop: m.state == EmergencyStopped,
		Deadline:      m.deadline,
	}
}

// Gateway returns the gateway the machine drives. Commands that need no
// safety gate, such as stop, use it directly.
func (m *Machine) Gateway() actuator.Gateway { return m.gw }

// brake must be called with m.mu held.
func (m *Machine) brake() error {
	if b, ok := m.gw.(actuator.Braker); ok {
		return b.BrakeAll()
	}
	return m.gw.StopAll()
}

func (m *Machine) notify(t Transition) {
	if m.observer != nil {
		m.observer(t)
	}
}
