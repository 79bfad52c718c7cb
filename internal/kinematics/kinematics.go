// Package kinematics converts normalized rover motion intent into per-wheel
// speeds for a four-wheel mecanum chassis.
//
// Wheel arrangement (top view), numbered by motor output:
//
//	FL [1] \\  // [2] FR
//	RL [4] //  \\ [3] RR
package kinematics

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Wheel identifies a wheel by the motor output it is wired to.
type Wheel int

const (
	FrontLeft  Wheel = 1
	FrontRight Wheel = 2
	RearRight  Wheel = 3
	RearLeft   Wheel = 4
)

// Wheels lists every wheel in motor order.
var Wheels = [...]Wheel{FrontLeft, FrontRight, RearRight, RearLeft}

func (w Wheel) String() string {
	switch w {
	case FrontLeft:
		return "front_left"
	case FrontRight:
		return "front_right"
	case RearRight:
		return "rear_right"
	case RearLeft:
		return "rear_left"
	}
	return fmt.Sprintf("wheel(%d)", int(w))
}

// Valid reports whether w names one of the four wheels.
func (w Wheel) Valid() bool { return w >= FrontLeft && w <= RearLeft }

// WheelSpeeds holds one speed in [-1, 1] per wheel, indexed by motor order.
// On the wire it is an object keyed by motor number ("1".."4").
type WheelSpeeds [4]float64

// Get returns the speed for w.
func (s WheelSpeeds) Get(w Wheel) float64 { return s[w-1] }

// Set stores the speed for w.
func (s *WheelSpeeds) Set(w Wheel, v float64) { s[w-1] = v }

// MarshalJSON encodes the speeds as {"1": fl, "2": fr, "3": rr, "4": rl}.
func (s WheelSpeeds) MarshalJSON() ([]byte, error) {
	m := make(map[string]float64, len(s))
	for _, w := range Wheels {
		m[strconv.Itoa(int(w))] = s.Get(w)
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the keyed object form. Missing wheels are zero.
func (s *WheelSpeeds) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*s = WheelSpeeds{}
	for k, v := range m {
		n, err := strconv.Atoi(k)
		if err != nil || !Wheel(n).Valid() {
			return fmt.Errorf("invalid wheel key %q", k)
		}
		s.Set(Wheel(n), v)
	}
	return nil
}

// mix maps (vx, vy, omega) to wheel speeds; rows follow motor order.
var mix = mat.NewDense(4, 3, []float64{
	1, 1, 1, // front left
	1, -1, -1, // front right
	1, 1, -1, // rear right
	1, -1, 1, // rear left
})

// Clamp limits v to [-1, 1]. NaN clamps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}

// Drive computes wheel speeds for forward velocity vx, strafe vy (positive
// right) and rotation omega (positive clockwise). Inputs are clamped to
// [-1, 1]. When any raw wheel value exceeds unit magnitude every wheel is
// divided by the largest magnitude, so the ratio between wheels (and with it
// the direction of travel) is preserved.
func Drive(vx, vy, omega float64) WheelSpeeds {
	in := mat.NewVecDense(3, []float64{Clamp(vx), Clamp(vy), Clamp(omega)})
	var out mat.VecDense
	out.MulVec(mix, in)

	peak := 1.0
	for i := 0; i < out.Len(); i++ {
		peak = math.Max(peak, math.Abs(out.AtVec(i)))
	}

	var speeds WheelSpeeds
	for i := range speeds {
		speeds[i] = out.AtVec(i) / peak
	}
	return speeds
}
