package actuator

import (
	"fmt"

	"github.com/MaxParisotto/bbb-websocket/internal/kinematics"
)

// Commander sends one text line to the motor controller. serialmux.SerialMux
// satisfies it.
type Commander interface {
	SendCommand(string) error
}

// Serial drives the motor controller board over the serial line protocol:
//
//	M<motor> <speed>   wheel speed in [-1, 1], three decimals
//	S<channel> <us>    servo pulse width in microseconds
//	STOP               all motors to zero (coast)
//	BRAKE              all motors to zero (brake)
type Serial struct {
	link Commander
}

// NewSerial returns a gateway writing to link.
func NewSerial(link Commander) *Serial {
	return &Serial{link: link}
}

func (s *Serial) SetWheelSpeed(w kinematics.Wheel, speed float64) error {
	if err := s.link.SendCommand(fmt.Sprintf("M%d %.3f", int(w), speed)); err != nil {
		return fmt.Errorf("set %s: %w", w, err)
	}
	return nil
}

func (s *Serial) SetServo(channel int, pulseUS int) error {
	if err := s.link.SendCommand(fmt.Sprintf("S%d %d", channel, pulseUS)); err != nil {
		return fmt.Errorf("set servo %d: %w", channel, err)
	}
	return nil
}

func (s *Serial) StopAll() error {
	if err := s.link.SendCommand("STOP"); err != nil {
		return fmt.Errorf("stop all: %w", err)
	}
	return nil
}

func (s *Serial) BrakeAll() error {
	if err := s.link.SendCommand("BRAKE"); err != nil {
		return fmt.Errorf("brake all: %w", err)
	}
	return nil
}
