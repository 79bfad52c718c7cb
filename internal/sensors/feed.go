package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/serialmux"
	"github.com/MaxParisotto/bbb-websocket/internal/timeutil"
)

// DefaultMaxAge is how long an IMU or encoder value stays fresh without an
// update. Battery reports arrive once a second and get batteryMaxAge.
const (
	DefaultMaxAge = 500 * time.Millisecond
	batteryMaxAge = 3 * time.Second
)

var errEmptyLine = errors.New("sensor line carries no known field")

// feedLine is one JSON report from the controller. A line may carry any
// combination of the three fields.
type feedLine struct {
	IMU  *IMU     `json:"imu"`
	Enc  []int64  `json:"enc"`
	Batt *float64 `json:"batt"`
}

type stamped[T any] struct {
	v  T
	at time.Time
}

// Feed keeps the latest IMU, encoder and battery values reported over the
// serial link. It implements IMUSource, EncoderSource and BatterySource.
type Feed struct {
	clock  timeutil.Clock
	maxAge time.Duration
	warn   *monitoring.Limiter

	mu   sync.Mutex
	imu  stamped[IMU]
	enc  stamped[Encoders]
	batt stamped[Battery]
}

// NewFeed returns an empty Feed. Values older than maxAge read as
// ErrNoReading.
func NewFeed(clock timeutil.Clock, maxAge time.Duration) *Feed {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Feed{clock: clock, maxAge: maxAge, warn: monitoring.NewLimiter(10 * time.Second)}
}

// Run subscribes to mux and ingests sensor lines until ctx is done or the
// mux closes the subscription.
func (f *Feed) Run(ctx context.Context, mux serialmux.SerialMuxInterface) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch serialmux.ClassifyLine(line) {
			case serialmux.LineSensor:
				if err := f.Ingest(line); err != nil {
					f.warn.Printf("parse", "[sensors] bad feed line %q: %v", line, err)
				}
			case serialmux.LineError:
				f.warn.Printf("controller", "[sensors] controller: %s", line)
			}
		}
	}
}

// Ingest parses one JSON sensor line and stores its values.
func (f *Feed) Ingest(line string) error {
	var l feedLine
	if err := json.Unmarshal([]byte(line), &l); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if l.IMU == nil && l.Enc == nil && l.Batt == nil {
		return errEmptyLine
	}
	var enc Encoders
	if l.Enc != nil {
		if len(l.Enc) != len(enc) {
			return fmt.Errorf("enc: want %d counts, got %d", len(enc), len(l.Enc))
		}
		copy(enc[:], l.Enc)
	}

	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.IMU != nil {
		f.imu = stamped[IMU]{*l.IMU, now}
	}
	if l.Enc != nil {
		f.enc = stamped[Encoders]{enc, now}
	}
	if l.Batt != nil {
		f.batt = stamped[Battery]{Battery{Voltage: *l.Batt}, now}
	}
	return nil
}

func (f *Feed) ReadIMU(context.Context) (IMU, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fresh(f.clock, f.imu, f.maxAge)
}

func (f *Feed) ReadEncoders(context.Context) (Encoders, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fresh(f.clock, f.enc, f.maxAge)
}

func (f *Feed) ReadBattery(context.Context) (Battery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fresh(f.clock, f.batt, batteryMaxAge)
}

func fresh[T any](clock timeutil.Clock, s stamped[T], maxAge time.Duration) (T, error) {
	if s.at.IsZero() || clock.Since(s.at) > maxAge {
		var zero T
		return zero, ErrNoReading
	}
	return s.v, nil
}
