// Package telemetry samples the rover's sensor families at their own rates
// and broadcasts merged snapshots to every telemetry subscriber.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MaxParisotto/bbb-websocket/internal/kinematics"
	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/registry"
	"github.com/MaxParisotto/bbb-websocket/internal/safety"
	"github.com/MaxParisotto/bbb-websocket/internal/sensors"
	"github.com/MaxParisotto/bbb-websocket/internal/timeutil"
)

// SafetySection is the safety state carried in every snapshot.
type SafetySection struct {
	State         safety.State `json:"state"`
	EmergencyStop bool         `json:"emergency_stop"`
}

// Snapshot is one broadcast cycle. It is never modified after it is built.
type Snapshot struct {
	Timestamp float64                `json:"timestamp"`
	IMU       sensors.IMU            `json:"imu"`
	Encoders  sensors.Encoders       `json:"encoders"`
	Battery   sensors.Battery        `json:"battery"`
	System    sensors.System         `json:"system"`
	Motors    kinematics.WheelSpeeds `json:"motors"`
	Safety    SafetySection          `json:"safety"`

	At time.Time `json:"-"`
}

// Config holds the aggregator rates and limits.
type Config struct {
	// BroadcastInterval is the snapshot period (50 Hz).
	BroadcastInterval time.Duration
	// FastInterval is the IMU and encoder sampling period.
	FastInterval time.Duration
	// SlowInterval is the battery and system sampling period.
	SlowInterval time.Duration
	// SendTimeout bounds one send to one subscriber.
	SendTimeout time.Duration
	// RecentEvery keeps every Nth snapshot in the recent ring.
	RecentEvery int
	// RecentSize is the capacity of the recent ring.
	RecentSize int
}

// DefaultConfig returns the standard rates.
func DefaultConfig() Config {
	return Config{
		BroadcastInterval: 20 * time.Millisecond,
		FastInterval:      20 * time.Millisecond,
		SlowInterval:      time.Second,
		SendTimeout:       50 * time.Millisecond,
		RecentEvery:       5,
		RecentSize:        600,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = d.BroadcastInterval
	}
	if c.FastInterval <= 0 {
		c.FastInterval = d.FastInterval
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = d.SlowInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.RecentEvery <= 0 {
		c.RecentEvery = d.RecentEvery
	}
	if c.RecentSize <= 0 {
		c.RecentSize = d.RecentSize
	}
	return c
}

// Sources are the sensor collaborators. A nil source leaves its section at
// the zero value.
type Sources struct {
	IMU      sensors.IMUSource
	Encoders sensors.EncoderSource
	Battery  sensors.BatterySource
	System   sensors.SystemSource
}

// Subscribers is the part of the registry the broadcast loop uses.
type Subscribers interface {
	Telemetry() map[string]registry.Subscriber
	Remove(id string) bool
}

// Stats counts broadcast activity.
type Stats struct {
	Snapshots uint64 `json:"snapshots"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
}

// slot holds the most recent value of one sensor family.
type slot[T any] struct {
	mu sync.RWMutex
	v  T
}

func (s *slot[T]) load() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

func (s *slot[T]) store(v T) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

// Aggregator runs the samplers and the broadcast loop.
type Aggregator struct {
	cfg    Config
	clock  timeutil.Clock
	src    Sources
	subs   Subscribers
	motors func() kinematics.WheelSpeeds
	status func() safety.Status
	warn   *monitoring.Limiter

	imu  slot[sensors.IMU]
	enc  slot[sensors.Encoders]
	batt slot[sensors.Battery]
	sys  slot[sensors.System]

	recent *Ring
	latest atomic.Pointer[Snapshot]

	snapshots atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock for tickers and timestamps.
func WithClock(c timeutil.Clock) Option { return func(a *Aggregator) { a.clock = c } }

// WithMotors sets where the motors section comes from, usually
// actuator.Tracker.Speeds.
func WithMotors(f func() kinematics.WheelSpeeds) Option {
	return func(a *Aggregator) { a.motors = f }
}

// WithSafety sets where the safety section comes from, usually
// safety.Machine.Status.
func WithSafety(f func() safety.Status) Option { return func(a *Aggregator) { a.status = f } }

// New returns an Aggregator broadcasting to subs.
func New(cfg Config, src Sources, subs Subscribers, opts ...Option) *Aggregator {
	cfg = cfg.withDefaults()
	a := &Aggregator{
		cfg:    cfg,
		clock:  timeutil.RealClock{},
		src:    src,
		subs:   subs,
		warn:   monitoring.NewLimiter(10 * time.Second),
		recent: NewRing(cfg.RecentSize),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts one sampler per configured source plus the broadcast loop and
// blocks until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.src.IMU != nil {
		g.Go(func() error {
			return sample(ctx, a, "imu", a.cfg.FastInterval, a.src.IMU.ReadIMU, &a.imu)
		})
	}
	if a.src.Encoders != nil {
		g.Go(func() error {
			return sample(ctx, a, "encoders", a.cfg.FastInterval, a.src.Encoders.ReadEncoders, &a.enc)
		})
	}
	if a.src.Battery != nil {
		g.Go(func() error {
			return sample(ctx, a, "battery", a.cfg.SlowInterval, a.src.Battery.ReadBattery, &a.batt)
		})
	}
	if a.src.System != nil {
		g.Go(func() error {
			return sample(ctx, a, "system", a.cfg.SlowInterval, a.src.System.ReadSystem, &a.sys)
		})
	}
	g.Go(func() error { return a.broadcastLoop(ctx) })

	monitoring.Printf("[telemetry] aggregator started: broadcast every %s", a.cfg.BroadcastInterval)
	return g.Wait()
}

// sample reads one source on its own ticker. Each read gets half a period;
// a failed read keeps the previous slot value.
func sample[T any](ctx context.Context, a *Aggregator, name string, period time.Duration, read func(context.Context) (T, error), s *slot[T]) error {
	poll := func() {
		rctx, cancel := context.WithTimeout(ctx, period/2)
		defer cancel()
		v, err := read(rctx)
		if err != nil {
			if ctx.Err() == nil {
				a.warn.Printf(name, "[telemetry] %s read failed: %v", name, err)
			}
			return
		}
		s.store(v)
	}

	poll()
	ticker := a.clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			poll()
		}
	}
}

func (a *Aggregator) broadcastLoop(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			snap := a.Snapshot()
			if err := a.Broadcast(ctx, snap); err != nil {
				a.warn.Printf("marshal", "[telemetry] %v", err)
			}
		}
	}
}

// Snapshot builds a snapshot from the current slot values without waiting
// on any sampler.
func (a *Aggregator) Snapshot() *Snapshot {
	now := a.clock.Now()
	snap := &Snapshot{
		Timestamp: float64(now.UnixNano()) / 1e9,
		IMU:       a.imu.load(),
		Encoders:  a.enc.load(),
		Battery:   a.batt.load(),
		System:    a.sys.load(),
		At:        now,
	}
	if a.motors != nil {
		snap.Motors = a.motors()
	}
	if a.status != nil {
		st := a.status()
		snap.Safety = SafetySection{State: st.State, EmergencyStop: st.EmergencyStop}
	}
	return snap
}

// Broadcast marshals snap once and sends it to every telemetry subscriber
// concurrently. A subscriber whose send fails or exceeds the send timeout is
// removed from the registry; the others are unaffected.
func (a *Aggregator) Broadcast(ctx context.Context, snap *Snapshot) error {
	msg, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	n := a.snapshots.Add(1)
	a.latest.Store(snap)
	if (n-1)%uint64(a.cfg.RecentEvery) == 0 {
		a.recent.Add(*snap)
	}

	subs := a.subs.Telemetry()
	if len(subs) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for id, sub := range subs {
		wg.Add(1)
		go func(id string, sub registry.Subscriber) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
			defer cancel()
			if err := sub.Send(sctx, msg); err != nil {
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
				if ctx.Err() == nil {
					monitoring.Printf("[telemetry] dropping subscriber %s: %v", id, err)
				}
				return
			}
			a.sent.Add(1)
		}(id, sub)
	}
	wg.Wait()

	for _, id := range failed {
		a.dropped.Add(1)
		a.subs.Remove(id)
	}
	return nil
}

// Latest returns the last broadcast snapshot, or nil before the first one.
func (a *Aggregator) Latest() *Snapshot { return a.latest.Load() }

// Recent returns the retained window of snapshots, oldest first.
func (a *Aggregator) Recent() []Snapshot { return a.recent.Items() }

// Stats returns broadcast counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Snapshots: a.snapshots.Load(),
		Sent:      a.sent.Load(),
		Dropped:   a.dropped.Load(),
	}
}
