// Package sensors defines the sensor families sampled for telemetry and the
// sources that produce them: the controller's serial feed, a simulator for
// --dev mode and the host's own system metrics.
package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoReading is returned when a source has nothing fresh to report.
var ErrNoReading = errors.New("no sensor reading")

// IMU is one accelerometer/gyroscope sample. Acceleration is in m/s², rates
// in rad/s and temperature in °C.
type IMU struct {
	AccelX float64 `json:"accel_x"`
	AccelY float64 `json:"accel_y"`
	AccelZ float64 `json:"accel_z"`
	GyroX  float64 `json:"gyro_x"`
	GyroY  float64 `json:"gyro_y"`
	GyroZ  float64 `json:"gyro_z"`
	Temp   float64 `json:"temp"`
}

// Encoders holds the tick count of each wheel encoder, indexed by wheel
// number minus one.
type Encoders [4]int64

// MarshalJSON renders the counts as {"encoder_1": n, ...}.
func (e Encoders) MarshalJSON() ([]byte, error) {
	m := make(map[string]int64, len(e))
	for i, v := range e {
		m["encoder_"+strconv.Itoa(i+1)] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts the object form written by MarshalJSON.
func (e *Encoders) UnmarshalJSON(data []byte) error {
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	var out Encoders
	for k, v := range m {
		n, err := strconv.Atoi(strings.TrimPrefix(k, "encoder_"))
		if err != nil || !strings.HasPrefix(k, "encoder_") || n < 1 || n > len(out) {
			return fmt.Errorf("invalid encoder key %q", k)
		}
		out[n-1] = v
	}
	*e = out
	return nil
}

// Battery is the main pack voltage.
type Battery struct {
	Voltage float64 `json:"voltage"`
}

// System holds host metrics.
type System struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	CPUTemp       float64 `json:"cpu_temp"`
}

// IMUSource reads the inertial measurement unit.
type IMUSource interface {
	ReadIMU(ctx context.Context) (IMU, error)
}

// EncoderSource reads the wheel encoders.
type EncoderSource interface {
	ReadEncoders(ctx context.Context) (Encoders, error)
}

// BatterySource reads the battery voltage.
type BatterySource interface {
	ReadBattery(ctx context.Context) (Battery, error)
}

// SystemSource reads host metrics.
type SystemSource interface {
	ReadSystem(ctx context.Context) (System, error)
}
