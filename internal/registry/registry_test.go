package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxParisotto/bbb-websocket/internal/actuator"
	"github.com/MaxParisotto/bbb-websocket/internal/kinematics"
	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/safety"
)

func init() {
	monitoring.SetLogger(nil)
}

type fakeSub struct {
	closed atomic.Int32
}

func (f *fakeSub) Send(context.Context, []byte) error { return nil }
func (f *fakeSub) Close() error                       { f.closed.Add(1); return nil }

type countingStopper struct{ calls atomic.Int32 }

func (c *countingStopper) DisconnectStop() error { c.calls.Add(1); return nil }

func TestAddAndCount(t *testing.T) {
	r := New(nil, nil)
	id := r.AddControl(&fakeSub{})
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	r.AddTelemetry(&fakeSub{})
	r.AddTelemetry(&fakeSub{})

	assert.Equal(t, 1, r.ControlCount())
	assert.Equal(t, 2, r.TelemetryCount())
	assert.Len(t, r.Telemetry(), 2)
}

func TestRemoveIsIdempotent(t *testing.T) {
	stopper := &countingStopper{}
	r := New(stopper, nil)
	sub := &fakeSub{}
	id := r.AddControl(sub)

	assert.True(t, r.Remove(id))
	assert.False(t, r.Remove(id))
	assert.False(t, r.Remove("no-such-id"))

	assert.Equal(t, int32(1), sub.closed.Load())
	assert.Equal(t, int32(1), stopper.calls.Load())
}

func TestOnlyLastControlTriggersStop(t *testing.T) {
	stopper := &countingStopper{}
	r := New(stopper, nil)
	a := r.AddControl(&fakeSub{})
	b := r.AddControl(&fakeSub{})
	tel := r.AddTelemetry(&fakeSub{})

	r.Remove(a)
	assert.Equal(t, int32(0), stopper.calls.Load())
	r.Remove(tel)
	assert.Equal(t, int32(0), stopper.calls.Load(), "telemetry removal has no safety effect")
	r.Remove(b)
	assert.Equal(t, int32(1), stopper.calls.Load())
}

func TestDisconnectLatchesEmergencyStop(t *testing.T) {
	sim := actuator.NewSim()
	m := safety.New(sim)
	r := New(m, nil)
	id := r.AddControl(&fakeSub{})

	require.NoError(t, m.Accept(func() error {
		return sim.SetWheelSpeed(kinematics.FrontLeft, 0.6)
	}))
	r.Remove(id)

	assert.Equal(t, safety.EmergencyStopped, m.State())
	assert.Equal(t, kinematics.WheelSpeeds{}, sim.Speeds())
}

func TestObserverSeesEvents(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	r := New(nil, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	id := r.AddTelemetry(&fakeSub{})
	r.Remove(id)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, Event{ID: id, Kind: Telemetry, Connected: true, Remaining: 1}, events[0])
	assert.Equal(t, Event{ID: id, Kind: Telemetry, Remaining: 0}, events[1])
}

func TestConcurrentAddRemove(t *testing.T) {
	stopper := &countingStopper{}
	r := New(stopper, nil)
	keep := r.AddControl(&fakeSub{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var id string
			if i%2 == 0 {
				id = r.AddControl(&fakeSub{})
			} else {
				id = r.AddTelemetry(&fakeSub{})
			}
			_ = r.Telemetry()
			r.Remove(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.ControlCount())
	assert.Equal(t, 0, r.TelemetryCount())
	assert.Equal(t, int32(0), stopper.calls.Load())
	r.Remove(keep)
	assert.Equal(t, int32(1), stopper.calls.Load())
}

func TestCloseAll(t *testing.T) {
	r := New(nil, nil)
	subs := []*fakeSub{{}, {}, {}}
	r.AddControl(subs[0])
	r.AddTelemetry(subs[1])
	r.AddTelemetry(subs[2])

	r.CloseAll()
	for _, s := range subs {
		assert.Equal(t, int32(1), s.closed.Load())
	}
	assert.Zero(t, r.ControlCount())
	assert.Zero(t, r.TelemetryCount())
}

func TestControllerArrivingDuringDisconnectIsNotStopped(t *testing.T) {
	stopper := &countingStopper{}
	var r *Registry
	r = New(stopper, func(e Event) {
		if e.Kind == Control && !e.Connected {
			r.AddControl(&fakeSub{})
		}
	})
	id := r.AddControl(&fakeSub{})

	r.Remove(id)
	assert.Equal(t, 1, r.ControlCount())
	assert.Equal(t, int32(0), stopper.calls.Load())
}

type orderedSub struct {
	fakeSub
	stopper      *countingStopper
	stopsAtClose int32
}

func (o *orderedSub) Close() error {
	o.stopsAtClose = o.stopper.calls.Load()
	return o.fakeSub.Close()
}

func TestDisconnectStopPrecedesClose(t *testing.T) {
	stopper := &countingStopper{}
	r := New(stopper, nil)
	sub := &orderedSub{stopper: stopper}
	id := r.AddControl(sub)

	r.Remove(id)
	assert.Equal(t, int32(1), sub.stopsAtClose, "stop must latch before the socket close")
	assert.Equal(t, int32(1), sub.closed.Load())
}
