package sensors

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MaxParisotto/bbb-websocket/internal/kinematics"
	"github.com/MaxParisotto/bbb-websocket/internal/timeutil"
)

// Simulator constants. Encoders count simTicksPerSecond at full wheel speed.
const (
	simTicksPerSecond = 1200.0
	simMaxYawRate     = 2.0 // rad/s at omega = 1
	simFullVoltage    = 12.6
	simEmptyVoltage   = 10.5
	simDrainPerHour   = 0.6
	simLoadSag        = 0.3
	gravity           = 9.80665
)

// Simulator produces deterministic synthetic readings for --dev mode. Wheel
// commands drive the encoders and yaw rate, so the dashboard reacts to the
// controls without hardware. It implements IMUSource, EncoderSource and
// BatterySource.
type Simulator struct {
	clock  timeutil.Clock
	speeds func() kinematics.WheelSpeeds
	start  time.Time

	mu    sync.Mutex
	last  time.Time
	ticks [4]float64
}

// NewSimulator returns a Simulator that reads commanded wheel speeds from
// speeds, typically an actuator.Tracker's Speeds method.
func NewSimulator(clock timeutil.Clock, speeds func() kinematics.WheelSpeeds) *Simulator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &Simulator{clock: clock, speeds: speeds, start: now, last: now}
}

func (s *Simulator) ReadIMU(ctx context.Context) (IMU, error) {
	if err := ctx.Err(); err != nil {
		return IMU{}, err
	}
	t := s.clock.Since(s.start).Seconds()
	sp := s.speeds()
	fl, fr := sp.Get(kinematics.FrontLeft), sp.Get(kinematics.FrontRight)
	rr, rl := sp.Get(kinematics.RearRight), sp.Get(kinematics.RearLeft)

	// Inverse of the mixing matrix.
	vx := (fl + fr + rr + rl) / 4
	vy := (fl - fr + rr - rl) / 4
	omega := (fl - fr - rr + rl) / 4

	return IMU{
		AccelX: 0.5*vx + 0.02*math.Sin(2*math.Pi*1.3*t),
		AccelY: 0.5*vy + 0.02*math.Cos(2*math.Pi*0.7*t),
		AccelZ: gravity + 0.01*math.Sin(2*math.Pi*3.1*t),
		GyroX:  0.005 * math.Sin(2*math.Pi*0.9*t),
		GyroY:  0.005 * math.Cos(2*math.Pi*1.1*t),
		GyroZ:  omega * simMaxYawRate,
		Temp:   35 + 0.5*math.Sin(t/60),
	}, nil
}

func (s *Simulator) ReadEncoders(ctx context.Context) (Encoders, error) {
	if err := ctx.Err(); err != nil {
		return Encoders{}, err
	}
	sp := s.speeds()
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	dt := now.Sub(s.last).Seconds()
	s.last = now
	var out Encoders
	for i, w := range kinematics.Wheels {
		s.ticks[i] += sp.Get(w) * simTicksPerSecond * dt
		out[i] = int64(math.Round(s.ticks[i]))
	}
	return out, nil
}

func (s *Simulator) ReadBattery(ctx context.Context) (Battery, error) {
	if err := ctx.Err(); err != nil {
		return Battery{}, err
	}
	hours := s.clock.Since(s.start).Hours()
	sp := s.speeds()
	var load float64
	for _, v := range sp {
		load += math.Abs(v)
	}
	v := simFullVoltage - hours*simDrainPerHour - simLoadSag*load/4
	return Battery{Voltage: math.Max(v, simEmptyVoltage)}, nil
}
