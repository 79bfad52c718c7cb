// Package command decodes control-channel messages and executes them against
// the safety machine and actuator gateway.
//
// Every message yields exactly one Response. Failures never escape Handle;
// they become success=false responses carrying a reason code.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/MaxParisotto/bbb-websocket/internal/actuator"
	"github.com/MaxParisotto/bbb-websocket/internal/kinematics"
	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/safety"
	"github.com/MaxParisotto/bbb-websocket/internal/timeutil"
)

// Command types accepted on the control channel.
const (
	TypeMecanum            = "mecanum"
	TypeMotor              = "motor"
	TypeServo              = "servo"
	TypeStop               = "stop"
	TypeEmergencyStop      = "emergency_stop"
	TypeResetEmergencyStop = "reset_emergency_stop"
	TypePing               = "ping"
)

// Reason codes reported in failed responses.
const (
	ReasonInvalidMessage      = "InvalidMessage"
	ReasonUnknownCommand      = "UnknownCommand"
	ReasonInvalidServoPulse   = "InvalidServoPulse"
	ReasonEmergencyStopActive = "EmergencyStopActive"
	ReasonActuatorFault       = "ActuatorFault"
)

var (
	ErrInvalidMessage    = errors.New("invalid message")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrInvalidServoPulse = errors.New("invalid servo pulse")
)

// Motion is the echoed mecanum input.
type Motion struct {
	VX    float64 `json:"vx"`
	VY    float64 `json:"vy"`
	Omega float64 `json:"omega"`
}

// Response is the reply to one control message. Fields that do not apply to
// the command kind are omitted from the JSON form.
type Response struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`

	Input         *Motion                 `json:"input,omitempty"`
	WheelSpeeds   *kinematics.WheelSpeeds `json:"wheel_speeds,omitempty"`
	Speeds        *kinematics.WheelSpeeds `json:"speeds,omitempty"`
	Servos        map[string]int          `json:"servos,omitempty"`
	EmergencyStop *bool                   `json:"emergency_stop,omitempty"`
	Timestamp     float64                 `json:"timestamp,omitempty"`
}

// Dispatcher executes control messages. It is safe for concurrent use; each
// control connection calls Handle from its own goroutine in arrival order.
type Dispatcher struct {
	machine *safety.Machine
	gw      actuator.Gateway
	clock   timeutil.Clock
	faults  *monitoring.Limiter
}

// NewDispatcher returns a Dispatcher driving the gateway owned by m.
func NewDispatcher(m *safety.Machine, clock timeutil.Clock) *Dispatcher {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Dispatcher{
		machine: m,
		gw:      m.Gateway(),
		clock:   clock,
		faults:  monitoring.NewLimiter(5 * time.Second),
	}
}

// Handle decodes raw and executes it. The order is parse, validate, safety
// gate, execute, respond; a failure at any step short-circuits the rest.
func (d *Dispatcher) Handle(raw []byte) Response {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return failure("error", fmt.Errorf("%w: not a JSON object", ErrInvalidMessage))
	}
	typeRaw, ok := fields["type"]
	if !ok {
		return failure("error", fmt.Errorf("%w: missing type", ErrInvalidMessage))
	}
	var kind string
	if err := json.Unmarshal(typeRaw, &kind); err != nil {
		return failure("error", fmt.Errorf("%w: type must be a string", ErrInvalidMessage))
	}
	if kind == "" {
		return failure("error", fmt.Errorf("%w: empty type", ErrInvalidMessage))
	}

	switch kind {
	case TypeMecanum:
		return d.mecanum(fields)
	case TypeMotor:
		return d.motor(fields)
	case TypeServo:
		return d.servo(fields)
	case TypeStop:
		return d.stop()
	case TypeEmergencyStop:
		if err := d.machine.EmergencyStop(safety.CauseCommand); err != nil {
			d.faults.Printf("estop", "[command] emergency stop actuator error: %v", err)
		}
		return d.latch(kind)
	case TypeResetEmergencyStop:
		d.machine.Reset()
		return d.latch(kind)
	case TypePing:
		return Response{Type: "pong", Success: true, Timestamp: unixSeconds(d.clock.Now())}
	}
	return failure(kind, fmt.Errorf("%w: %q", ErrUnknownCommand, kind))
}

func (d *Dispatcher) mecanum(fields map[string]json.RawMessage) Response {
	const kind = TypeMecanum
	var in Motion
	for _, f := range []struct {
		name string
		dst  *float64
	}{{"vx", &in.VX}, {"vy", &in.VY}, {"omega", &in.Omega}} {
		if err := number(fields, f.name, f.dst); err != nil {
			return failure(kind, err)
		}
	}

	speeds := kinematics.Drive(in.VX, in.VY, in.Omega)
	if err := d.machine.Accept(func() error { return d.setWheels(speeds) }); err != nil {
		return failure(kind, err)
	}
	return Response{Type: kind + "_response", Success: true, Input: &in, WheelSpeeds: &speeds}
}

func (d *Dispatcher) motor(fields map[string]json.RawMessage) Response {
	const kind = TypeMotor
	var speeds kinematics.WheelSpeeds
	for _, w := range kinematics.Wheels {
		var v float64
		if err := number(fields, "motor_"+strconv.Itoa(int(w)), &v); err != nil {
			return failure(kind, err)
		}
		speeds.Set(w, kinematics.Clamp(v))
	}

	if err := d.machine.Accept(func() error { return d.setWheels(speeds) }); err != nil {
		return failure(kind, err)
	}
	return Response{Type: kind + "_response", Success: true, Speeds: &speeds}
}

func (d *Dispatcher) servo(fields map[string]json.RawMessage) Response {
	const kind = TypeServo
	pulses := make(map[int]int)
	for ch := 1; ch <= actuator.ServoChannels; ch++ {
		name := "servo_" + strconv.Itoa(ch)
		if _, ok := fields[name]; !ok {
			continue
		}
		var v float64
		if err := number(fields, name, &v); err != nil {
			return failure(kind, err)
		}
		if v != math.Trunc(v) || v < actuator.MinPulseUS || v > actuator.MaxPulseUS {
			return failure(kind, fmt.Errorf("%w: %s=%v outside [%d, %d]",
				ErrInvalidServoPulse, name, v, actuator.MinPulseUS, actuator.MaxPulseUS))
		}
		pulses[ch] = int(v)
	}
	if len(pulses) == 0 {
		return failure(kind, fmt.Errorf("%w: no servo_1..servo_%d channel given",
			ErrInvalidMessage, actuator.ServoChannels))
	}

	err := d.machine.Accept(func() error {
		for ch := 1; ch <= actuator.ServoChannels; ch++ {
			p, ok := pulses[ch]
			if !ok {
				continue
			}
			if err := d.gw.SetServo(ch, p); err != nil {
				return fmt.Errorf("servo %d: %w", ch, err)
			}
		}
		return nil
	})
	if err != nil {
		return failure(kind, err)
	}

	out := make(map[string]int, len(pulses))
	for ch, p := range pulses {
		out[strconv.Itoa(ch)] = p
	}
	return Response{Type: kind + "_response", Success: true, Servos: out}
}

func (d *Dispatcher) stop() Response {
	if err := d.gw.StopAll(); err != nil {
		d.faults.Printf("stop", "[command] stop failed: %v", err)
	}
	return Response{Type: TypeStop + "_response", Success: true}
}

func (d *Dispatcher) latch(kind string) Response {
	stopped := d.machine.Status().EmergencyStop
	return Response{Type: kind + "_response", Success: true, EmergencyStop: &stopped}
}

// setWheels runs under the safety machine lock.
func (d *Dispatcher) setWheels(speeds kinematics.WheelSpeeds) error {
	for _, w := range kinematics.Wheels {
		if err := d.gw.SetWheelSpeed(w, speeds.Get(w)); err != nil {
			d.faults.Printf("wheel", "[command] set %s: %v", w, err)
			return fmt.Errorf("set %s: %w", w, err)
		}
	}
	return nil
}

// number decodes the optional numeric field name into dst. Absent and null
// fields leave dst untouched.
func number(fields map[string]json.RawMessage, name string, dst *float64) error {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s must be a number", ErrInvalidMessage, name)
	}
	return nil
}

func failure(kind string, err error) Response {
	return Response{
		Type:    kind + "_response",
		Success: false,
		Reason:  ReasonFor(err),
		Error:   err.Error(),
	}
}

// ReasonFor maps an error from Handle's pipeline to its reason code.
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return ReasonInvalidMessage
	case errors.Is(err, ErrUnknownCommand):
		return ReasonUnknownCommand
	case errors.Is(err, ErrInvalidServoPulse):
		return ReasonInvalidServoPulse
	case errors.Is(err, safety.ErrEmergencyStopActive):
		return ReasonEmergencyStopActive
	}
	return ReasonActuatorFault
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
