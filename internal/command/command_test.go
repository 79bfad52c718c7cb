package command

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxParisotto/bbb-websocket/internal/actuator"
	"github.com/MaxParisotto/bbb-websocket/internal/kinematics"
	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/safety"
	"github.com/MaxParisotto/bbb-websocket/internal/timeutil"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func init() {
	monitoring.SetLogger(nil)
}

type fixture struct {
	d       *Dispatcher
	m       *safety.Machine
	sim     *actuator.Sim
	tracker *actuator.Tracker
	clock   *timeutil.MockClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := actuator.NewSim()
	tracker := actuator.NewTracker(sim)
	clock := timeutil.NewMockClock(epoch)
	m := safety.New(tracker, safety.WithClock(clock))
	return &fixture{d: NewDispatcher(m, clock), m: m, sim: sim, tracker: tracker, clock: clock}
}

func (f *fixture) handle(t *testing.T, msg string) Response {
	t.Helper()
	return f.d.Handle([]byte(msg))
}

func TestMecanumForward(t *testing.T) {
	f := newFixture(t)

	resp := f.handle(t, `{"type":"mecanum","vx":1}`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "mecanum_response", resp.Type)
	assert.Equal(t, &Motion{VX: 1}, resp.Input)
	want := kinematics.WheelSpeeds{1, 1, 1, 1}
	assert.Equal(t, &want, resp.WheelSpeeds)
	assert.Equal(t, want, f.sim.Speeds())
	assert.Equal(t, safety.Active, f.m.State())
}

func TestMecanumStrafeAndWireForm(t *testing.T) {
	f := newFixture(t)

	resp := f.handle(t, `{"type":"mecanum","vy":1}`)
	require.True(t, resp.Success)
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	want := map[string]any{
		"type":         "mecanum_response",
		"success":      true,
		"input":        map[string]any{"vx": 0.0, "vy": 1.0, "omega": 0.0},
		"wheel_speeds": map[string]any{"1": 1.0, "2": -1.0, "3": 1.0, "4": -1.0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestMotorClampsEachSpeed(t *testing.T) {
	f := newFixture(t)

	resp := f.handle(t, `{"type":"motor","motor_1":2.5,"motor_2":-7,"motor_3":0.25}`)
	require.True(t, resp.Success)
	want := kinematics.WheelSpeeds{1, -1, 0.25, 0}
	assert.Equal(t, &want, resp.Speeds)
	assert.Equal(t, want, f.sim.Speeds())
}

func TestServoAcceptsValidPulses(t *testing.T) {
	f := newFixture(t)

	resp := f.handle(t, `{"type":"servo","servo_1":1500,"servo_8":500}`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, map[string]int{"1": 1500, "8": 500}, resp.Servos)

	p, ok := f.sim.Servo(1)
	require.True(t, ok)
	assert.Equal(t, 1500, p)
	p, ok = f.sim.Servo(8)
	require.True(t, ok)
	assert.Equal(t, 500, p)
	assert.Equal(t, safety.Active, f.m.State())
}

func TestServoRejectsWholeCommand(t *testing.T) {
	for name, msg := range map[string]string{
		"too high":     `{"type":"servo","servo_1":1500,"servo_2":3000}`,
		"too low":      `{"type":"servo","servo_1":1500,"servo_2":499}`,
		"non integral": `{"type":"servo","servo_1":1500,"servo_2":1500.5}`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			resp := f.handle(t, msg)
			assert.False(t, resp.Success)
			assert.Equal(t, "servo_response", resp.Type)
			assert.Equal(t, ReasonInvalidServoPulse, resp.Reason)
			assert.NotEmpty(t, resp.Error)

			_, ok := f.sim.Servo(1)
			assert.False(t, ok, "no channel may be updated")
			assert.Equal(t, safety.Idle, f.m.State(), "rejected command must not arm the watchdog")
			assert.True(t, f.m.Deadline().IsZero())
		})
	}
}

func TestEmergencyStopBlocksMotion(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.handle(t, `{"type":"mecanum","vx":0.5}`).Success)

	resp := f.handle(t, `{"type":"emergency_stop"}`)
	require.True(t, resp.Success)
	assert.Equal(t, "emergency_stop_response", resp.Type)
	require.NotNil(t, resp.EmergencyStop)
	assert.True(t, *resp.EmergencyStop)

	for _, msg := range []string{
		`{"type":"mecanum","vx":1}`,
		`{"type":"motor","motor_1":1}`,
		`{"type":"servo","servo_3":1200}`,
	} {
		resp := f.handle(t, msg)
		assert.False(t, resp.Success, msg)
		assert.Equal(t, ReasonEmergencyStopActive, resp.Reason, msg)
	}
	assert.Equal(t, kinematics.WheelSpeeds{}, f.sim.Speeds())
	_, ok := f.sim.Servo(3)
	assert.False(t, ok)
}

func TestResetAllowsMotionAgain(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.handle(t, `{"type":"emergency_stop"}`).Success)

	resp := f.handle(t, `{"type":"reset_emergency_stop"}`)
	require.True(t, resp.Success)
	require.NotNil(t, resp.EmergencyStop)
	assert.False(t, *resp.EmergencyStop)

	resp = f.handle(t, `{"type":"mecanum","vx":0.5}`)
	require.True(t, resp.Success)
	assert.Equal(t, safety.Active, f.m.State())
}

func TestStopKeepsState(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.handle(t, `{"type":"motor","motor_1":0.4}`).Success)

	resp := f.handle(t, `{"type":"stop"}`)
	assert.Equal(t, Response{Type: "stop_response", Success: true}, resp)
	assert.Equal(t, kinematics.WheelSpeeds{}, f.sim.Speeds())
	assert.Equal(t, safety.Active, f.m.State())
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(1500 * time.Millisecond)

	resp := f.handle(t, `{"type":"ping"}`)
	assert.Equal(t, "pong", resp.Type)
	assert.True(t, resp.Success)
	assert.InDelta(t, float64(epoch.Unix())+1.5, resp.Timestamp, 1e-6)
	assert.Equal(t, safety.Idle, f.m.State(), "ping must not arm the watchdog")
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, `{"type":"fly"}`)
	assert.Equal(t, "fly_response", resp.Type)
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonUnknownCommand, resp.Reason)
	assert.Equal(t, safety.Idle, f.m.State())
}

func TestInvalidMessages(t *testing.T) {
	tests := []struct {
		msg      string
		wantType string
	}{
		{`not json`, "error_response"},
		{`[1,2,3]`, "error_response"},
		{`null`, "error_response"},
		{`{"vx":1}`, "error_response"},
		{`{"type":7}`, "error_response"},
		{`{"type":""}`, "error_response"},
		{`{"type":"mecanum","vx":"fast"}`, "mecanum_response"},
		{`{"type":"motor","motor_2":true}`, "motor_response"},
		{`{"type":"servo","servo_1":"1500"}`, "servo_response"},
		{`{"type":"servo"}`, "servo_response"},
		{`{"type":"servo","servo1":1500}`, "servo_response"},
		{`{"type":"servo","servo_9":1500}`, "servo_response"},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			f := newFixture(t)
			resp := f.handle(t, tt.msg)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantType, resp.Type)
			assert.Equal(t, ReasonInvalidMessage, resp.Reason)
			assert.Equal(t, kinematics.WheelSpeeds{}, f.sim.Speeds())
			assert.Equal(t, safety.Idle, f.m.State())
		})
	}
}

type brokenGateway struct{ actuator.Gateway }

var errLink = errors.New("link down")

func (brokenGateway) SetWheelSpeed(kinematics.Wheel, float64) error { return errLink }

func TestActuatorFault(t *testing.T) {
	sim := actuator.NewSim()
	m := safety.New(brokenGateway{sim})
	d := NewDispatcher(m, nil)

	resp := d.Handle([]byte(`{"type":"mecanum","vx":1}`))
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonActuatorFault, resp.Reason)
	assert.Contains(t, resp.Error, "link down")
	assert.NotEqual(t, safety.EmergencyStopped, m.State(), "a fault alone does not latch the stop")
}

func TestWatchdogStopsAfterCommands(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.handle(t, `{"type":"mecanum","vx":0.5,"omega":0.2}`).Success)

	f.clock.Advance(1100 * time.Millisecond)
	assert.True(t, f.m.Check(f.clock.Now()))
	assert.Equal(t, safety.Idle, f.m.State())
	assert.Equal(t, kinematics.WheelSpeeds{}, f.sim.Speeds())
	assert.Equal(t, kinematics.WheelSpeeds{}, f.tracker.Speeds())
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonEmergencyStopActive, ReasonFor(safety.ErrEmergencyStopActive))
	assert.Equal(t, ReasonInvalidServoPulse, ReasonFor(ErrInvalidServoPulse))
	assert.Equal(t, ReasonActuatorFault, ReasonFor(errLink))
}

func TestMecanumReportsFirstBadField(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		resp := f.handle(t, `{"type":"mecanum","vx":"a","vy":"b","omega":"c"}`)
		require.Equal(t, ReasonInvalidMessage, resp.Reason)
		require.Contains(t, resp.Error, "vx must be a number")
	}
}
