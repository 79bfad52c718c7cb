package actuator

import (
	"sync"

	"github.com/MaxParisotto/bbb-websocket/internal/kinematics"
)

// Sim is an in-memory gateway used in --dev mode and by tests. It never fails.
type Sim struct {
	mu     sync.Mutex
	speeds kinematics.WheelSpeeds
	servos map[int]int
	stops  int
	brakes int
}

// NewSim returns a Sim with every output at rest.
func NewSim() *Sim {
	return &Sim{servos: make(map[int]int)}
}

func (s *Sim) SetWheelSpeed(w kinematics.Wheel, speed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speeds.Set(w, speed)
	return nil
}

func (s *Sim) SetServo(channel int, pulseUS int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servos[channel] = pulseUS
	return nil
}

func (s *Sim) StopAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speeds = kinematics.WheelSpeeds{}
	s.stops++
	return nil
}

func (s *Sim) BrakeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speeds = kinematics.WheelSpeeds{}
	s.brakes++
	return nil
}

// Speeds returns the current wheel outputs.
func (s *Sim) Speeds() kinematics.WheelSpeeds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speeds
}

// Servo returns the pulse last sent to channel and whether one was sent.
func (s *Sim) Servo(channel int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.servos[channel]
	return v, ok
}

// Stops returns how many times StopAll has been called.
func (s *Sim) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Brakes returns how many times BrakeAll has been called.
func (s *Sim) Brakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brakes
}
