package actuator

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxParisotto/bbb-websocket/internal/kinematics"
)

type recordingLink struct {
	lines []string
	err   error
}

func (r *recordingLink) SendCommand(line string) error {
	if r.err != nil {
		return r.err
	}
	r.lines = append(r.lines, line)
	return nil
}

// coaster is a gateway without braking support.
type coaster struct{ stops int }

func (c *coaster) SetWheelSpeed(kinematics.Wheel, float64) error { return nil }
func (c *coaster) SetServo(int, int) error                       { return nil }
func (c *coaster) StopAll() error                                { c.stops++; return nil }

func TestSerial_LineProtocol(t *testing.T) {
	link := &recordingLink{}
	g := NewSerial(link)

	require.NoError(t, g.SetWheelSpeed(kinematics.FrontRight, -0.25))
	require.NoError(t, g.SetServo(3, 1500))
	require.NoError(t, g.StopAll())
	require.NoError(t, g.BrakeAll())

	want := []string{"M2 -0.250", "S3 1500", "STOP", "BRAKE"}
	if diff := cmp.Diff(want, link.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestSerial_WrapsLinkError(t *testing.T) {
	linkErr := errors.New("port closed")
	g := NewSerial(&recordingLink{err: linkErr})

	err := g.SetWheelSpeed(kinematics.FrontLeft, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, linkErr)
	assert.Contains(t, err.Error(), "front_left")
}

func TestTracker_RecordsCommandedOutputs(t *testing.T) {
	sim := NewSim()
	tr := NewTracker(sim)

	require.NoError(t, tr.SetWheelSpeed(kinematics.FrontLeft, 0.5))
	require.NoError(t, tr.SetWheelSpeed(kinematics.RearLeft, -0.5))
	require.NoError(t, tr.SetServo(2, 1200))

	assert.Equal(t, kinematics.WheelSpeeds{0.5, 0, 0, -0.5}, tr.Speeds())
	assert.Equal(t, map[int]int{2: 1200}, tr.Servos())
	assert.Equal(t, tr.Speeds(), sim.Speeds())

	require.NoError(t, tr.StopAll())
	assert.Equal(t, kinematics.WheelSpeeds{}, tr.Speeds())
	assert.Equal(t, 1, sim.Stops())
}

func TestTracker_RejectsUnknownTargets(t *testing.T) {
	tr := NewTracker(NewSim())
	assert.ErrorIs(t, tr.SetWheelSpeed(kinematics.Wheel(9), 1), ErrInvalidTarget)
	assert.ErrorIs(t, tr.SetServo(0, 1500), ErrInvalidTarget)
	assert.ErrorIs(t, tr.SetServo(ServoChannels+1, 1500), ErrInvalidTarget)
}

func TestTracker_BrakeFallsBackToStop(t *testing.T) {
	c := &coaster{}
	tr := NewTracker(c)
	require.NoError(t, tr.BrakeAll())
	assert.Equal(t, 1, c.stops)

	sim := NewSim()
	tr = NewTracker(sim)
	require.NoError(t, tr.SetWheelSpeed(kinematics.FrontLeft, 1))
	require.NoError(t, tr.BrakeAll())
	assert.Equal(t, 1, sim.Brakes())
	assert.Equal(t, 0, sim.Stops())
	assert.Equal(t, kinematics.WheelSpeeds{}, tr.Speeds())
}

func TestTracker_FailedWriteNotRecorded(t *testing.T) {
	tr := NewTracker(NewSerial(&recordingLink{err: errors.New("boom")}))
	assert.Error(t, tr.SetWheelSpeed(kinematics.FrontLeft, 1))
	assert.Equal(t, kinematics.WheelSpeeds{}, tr.Speeds())
}
