// Package actuator defines the capability the controller uses to drive
// wheels and servos, plus the implementations wired in by cmd/rover.
package actuator

import (
	"errors"
	"sync"

	"github.com/MaxParisotto/bbb-websocket/internal/kinematics"
)

// Servo limits accepted by SetServo callers.
const (
	ServoChannels = 8
	MinPulseUS    = 500
	MaxPulseUS    = 2500
)

// ErrInvalidTarget is returned for a wheel or servo channel that does not exist.
var ErrInvalidTarget = errors.New("invalid actuator target")

// Gateway is the hardware capability. Calls are expected to return within a
// millisecond; the safety machine holds its lock across them.
type Gateway interface {
	SetWheelSpeed(w kinematics.Wheel, speed float64) error
	SetServo(channel int, pulseUS int) error
	StopAll() error
}

// Braker is implemented by gateways that can actively brake rather than
// coast to a stop.
type Braker interface {
	BrakeAll() error
}

// Tracker decorates a Gateway and remembers the last successfully commanded
// output for every wheel and servo. Telemetry reads wheel commands from it.
type Tracker struct {
	inner Gateway

	mu     sync.RWMutex
	speeds kinematics.WheelSpeeds
	servos map[int]int
}

// NewTracker wraps g.
func NewTracker(g Gateway) *Tracker {
	return &Tracker{inner: g, servos: make(map[int]int)}
}

func (t *Tracker) SetWheelSpeed(w kinematics.Wheel, speed float64) error {
	if !w.Valid() {
		return ErrInvalidTarget
	}
	if err := t.inner.SetWheelSpeed(w, speed); err != nil {
		return err
	}
	t.mu.Lock()
	t.speeds.Set(w, speed)
	t.mu.Unlock()
	return nil
}

func (t *Tracker) SetServo(channel int, pulseUS int) error {
	if channel < 1 || channel > ServoChannels {
		return ErrInvalidTarget
	}
	if err := t.inner.SetServo(channel, pulseUS); err != nil {
		return err
	}
	t.mu.Lock()
	t.servos[channel] = pulseUS
	t.mu.Unlock()
	return nil
}

func (t *Tracker) StopAll() error {
	if err := t.inner.StopAll(); err != nil {
		return err
	}
	t.zero()
	return nil
}

// BrakeAll brakes through the wrapped gateway when it supports braking and
// falls back to StopAll otherwise.
func (t *Tracker) BrakeAll() error {
	b, ok := t.inner.(Braker)
	if !ok {
		return t.StopAll()
	}
	if err := b.BrakeAll(); err != nil {
		return err
	}
	t.zero()
	return nil
}

func (t *Tracker) zero() {
	t.mu.Lock()
	t.speeds = kinematics.WheelSpeeds{}
	t.mu.Unlock()
}

// Speeds returns the last commanded wheel speeds.
func (t *Tracker) Speeds() kinematics.WheelSpeeds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.speeds
}

// Servos returns a copy of the last commanded servo pulses by channel.
func (t *Tracker) Servos() map[int]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]int, len(t.servos))
	for k, v := range t.servos {
		out[k] = v
	}
	return out
}
