// Package mqttexport publishes telemetry snapshots to an MQTT broker. The
// exporter is an ordinary telemetry subscriber: a failed publish gets it
// dropped like any slow websocket, and it registers again once the broker
// connection is back.
package mqttexport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/registry"
)

const (
	// DefaultRetryInterval is how often a dropped exporter checks the broker.
	DefaultRetryInterval = 5 * time.Second
	publishTimeout       = time.Second
)

var (
	errNotConnected = errors.New("mqtt broker not connected")
	errDropped      = errors.New("mqtt exporter removed")
)

// Client is the part of mqtt.Client the exporter uses.
type Client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Registrar is the part of the registry the exporter registers with.
type Registrar interface {
	AddTelemetry(registry.Subscriber) string
	Remove(id string) bool
}

// Dial returns a paho client that connects to broker in the background and
// keeps reconnecting.
func Dial(broker, clientID string) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(DefaultRetryInterval)
	opts.SetOrderMatters(false)
	opts.OnConnect = func(mqtt.Client) {
		monitoring.Printf("[mqtt] connected to %s", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		monitoring.Printf("[mqtt] connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	// With ConnectRetry set the token only completes once connected.
	client.Connect()
	return client
}

// Exporter publishes every Nth snapshot to a topic.
type Exporter struct {
	client Client
	reg    Registrar
	topic  string
	every  int
	retry  time.Duration

	published atomic.Int64
	failed    atomic.Int64
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithRetryInterval sets how often the broker is checked after a drop.
func WithRetryInterval(d time.Duration) Option {
	return func(e *Exporter) {
		if d > 0 {
			e.retry = d
		}
	}
}

// New returns an Exporter publishing every Nth snapshot on topic.
func New(client Client, reg Registrar, topic string, every int, opts ...Option) *Exporter {
	if every < 1 {
		every = 1
	}
	e := &Exporter{
		client: client,
		reg:    reg,
		topic:  topic,
		every:  every,
		retry:  DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run keeps one subscriber registered while the broker is reachable. It
// returns ctx.Err() after unregistering and disconnecting.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.retry)
	defer ticker.Stop()

	var (
		sub *subscriber
		id  string
	)
	for {
		if sub == nil && e.client.IsConnectionOpen() {
			sub = &subscriber{e: e, done: make(chan struct{})}
			id = e.reg.AddTelemetry(sub)
			monitoring.Printf("[mqtt] exporting every %d snapshot(s) to %q", e.every, e.topic)
		}

		var dropped <-chan struct{}
		if sub != nil {
			dropped = sub.done
		}
		select {
		case <-ctx.Done():
			if sub != nil {
				e.reg.Remove(id)
			}
			e.client.Disconnect(250)
			return ctx.Err()
		case <-dropped:
			monitoring.Printf("[mqtt] exporter dropped; re-registering when the broker is reachable")
			sub = nil
		case <-ticker.C:
		}
	}
}

// Published returns the number of snapshots published.
func (e *Exporter) Published() int64 { return e.published.Load() }

// Failed returns the number of failed publishes.
func (e *Exporter) Failed() int64 { return e.failed.Load() }

type subscriber struct {
	e     *Exporter
	count atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscriber) Send(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return errDropped
	default:
	}
	if (s.count.Add(1)-1)%int64(s.e.every) != 0 {
		return nil
	}
	if !s.e.client.IsConnectionOpen() {
		s.e.failed.Add(1)
		return errNotConnected
	}

	wait := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	tok := s.e.client.Publish(s.e.topic, 0, false, msg)
	if !tok.WaitTimeout(wait) {
		s.e.failed.Add(1)
		return fmt.Errorf("mqtt publish: %w", context.DeadlineExceeded)
	}
	if err := tok.Error(); err != nil {
		s.e.failed.Add(1)
		return fmt.Errorf("mqtt publish: %w", err)
	}
	s.e.published.Add(1)
	return nil
}

func (s *subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
