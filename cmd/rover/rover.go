package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MaxParisotto/bbb-websocket/internal/actuator"
	"github.com/MaxParisotto/bbb-websocket/internal/api"
	"github.com/MaxParisotto/bbb-websocket/internal/config"
	"github.com/MaxParisotto/bbb-websocket/internal/db"
	"github.com/MaxParisotto/bbb-websocket/internal/httputil"
	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/mqttexport"
	"github.com/MaxParisotto/bbb-websocket/internal/registry"
	"github.com/MaxParisotto/bbb-websocket/internal/safety"
	"github.com/MaxParisotto/bbb-websocket/internal/sensors"
	"github.com/MaxParisotto/bbb-websocket/internal/serialmux"
	"github.com/MaxParisotto/bbb-websocket/internal/telemetry"
	"github.com/MaxParisotto/bbb-websocket/internal/telemetry/stream"
	"github.com/MaxParisotto/bbb-websocket/internal/timeutil"
)

const shutdownTimeout = time.Second

// rover is the assembled control process.
type rover struct {
	cfg *config.Config

	link    serialmux.SerialMuxInterface
	feed    *sensors.Feed
	tracker *actuator.Tracker
	machine *safety.Machine
	reg     *registry.Registry
	agg     *telemetry.Aggregator
	store   *db.DB
	journal *db.Journal
	mqtt    *mqttexport.Exporter
	mux     *http.ServeMux
}

// newRover builds every component from cfg. open is used for the serial
// link outside dev mode.
func newRover(cfg *config.Config, open serialmux.Opener) (*rover, error) {
	r := &rover{cfg: cfg}
	clock := timeutil.RealClock{}

	if path := cfg.GetDBPath(); path != "" {
		store, err := db.NewDB(path)
		if err != nil {
			return nil, fmt.Errorf("open journal %s: %w", path, err)
		}
		r.store = store
		r.journal = db.NewJournal(store, db.DefaultJournalBuffer)
	}

	var src telemetry.Sources
	if cfg.GetDev() {
		sim := actuator.NewSim()
		r.tracker = actuator.NewTracker(sim)
		r.link = serialmux.NewDisabledSerialMux()
		s := sensors.NewSimulator(clock, r.tracker.Speeds)
		src = telemetry.Sources{IMU: s, Encoders: s, Battery: s}
		monitoring.Printf("[rover] dev mode: simulated gateway and sensors")
	} else {
		link, err := open(cfg.GetSerialPort(), serialmux.PortOptions{BaudRate: cfg.GetBaudRate()})
		if err != nil {
			r.close()
			return nil, fmt.Errorf("open serial port %s: %w", cfg.GetSerialPort(), err)
		}
		r.link = link
		if err := link.Initialize(); err != nil {
			r.close()
			return nil, fmt.Errorf("initialize controller: %w", err)
		}
		r.tracker = actuator.NewTracker(actuator.NewSerial(link))
		r.feed = sensors.NewFeed(clock, cfg.GetSensorMaxAge())
		src = telemetry.Sources{IMU: r.feed, Encoders: r.feed, Battery: r.feed}
	}
	src.System = sensors.NewHost(nil)

	r.machine = safety.New(r.tracker,
		safety.WithWatchdogTimeout(cfg.GetWatchdogTimeout()),
		safety.WithCheckInterval(cfg.GetWatchdogInterval()),
		safety.WithObserver(r.onTransition),
	)
	r.reg = registry.New(r.machine, r.onConnection)

	r.agg = telemetry.New(telemetry.Config{
		BroadcastInterval: cfg.GetBroadcastInterval(),
		FastInterval:      cfg.GetFastInterval(),
		SlowInterval:      cfg.GetSlowInterval(),
		SendTimeout:       cfg.GetSendTimeout(),
		RecentEvery:       cfg.GetRecentEvery(),
		RecentSize:        cfg.GetRecentSize(),
	}, src, r.reg,
		telemetry.WithMotors(r.tracker.Speeds),
		telemetry.WithSafety(r.machine.Status),
	)

	if broker := cfg.GetMQTTBroker(); broker != "" {
		hostname, _ := os.Hostname()
		client := mqttexport.Dial(broker, "rover-"+hostname)
		r.mqtt = mqttexport.New(client, r.reg, cfg.GetMQTTTopic(), cfg.GetMQTTEvery())
	}

	var events api.EventStore
	if r.store != nil {
		events = r.store
	}
	r.mux = api.NewServer(r.machine, r.reg, events).ServeMux()
	r.link.AttachAdminRoutes(r.mux)
	r.agg.AttachAdminRoutes(r.mux)
	if r.store != nil {
		if err := r.store.AttachAdminRoutes(r.mux); err != nil {
			r.close()
			return nil, fmt.Errorf("attach journal routes: %w", err)
		}
	}
	return r, nil
}

func (r *rover) onTransition(t safety.Transition) {
	if t.Err != nil {
		monitoring.Printf("[safety] %s -> %s (%s): %v", t.From, t.To, t.Cause, t.Err)
	} else {
		monitoring.Printf("[safety] %s -> %s (%s)", t.From, t.To, t.Cause)
	}
	if r.journal != nil {
		r.journal.Transition(t)
	}
}

func (r *rover) onConnection(e registry.Event) {
	state := "closed"
	if e.Connected {
		state = "opened"
	}
	monitoring.Printf("[registry] %s %s %s, %d remaining", e.Kind, e.ID, state, e.Remaining)
	if r.journal != nil {
		r.journal.Connection(e)
	}
}

func (r *rover) handler() http.Handler {
	return httputil.LoggingMiddleware(r.mux)
}

// run serves until ctx is done, then stops the rover and releases every
// resource. The first component error cancels the others.
func (r *rover) run(ctx context.Context, httpLis, grpcLis net.Listener) error {
	defer r.close()

	// The journal outlives the group so the shutdown stop is recorded.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		if r.journal != nil {
			_ = r.journal.Run(journalCtx)
		}
	}()
	defer func() {
		stopJournal()
		<-journalDone
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(r.machine.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(r.agg.Run(ctx)) })
	g.Go(func() error {
		if err := r.link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serial monitor: %w", err)
		}
		return nil
	})
	if r.feed != nil {
		g.Go(func() error { return ignoreCanceled(r.feed.Run(ctx, r.link)) })
	}
	if r.mqtt != nil {
		g.Go(func() error { return ignoreCanceled(r.mqtt.Run(ctx)) })
	}
	if grpcLis != nil {
		g.Go(func() error { return stream.NewServer(r.reg).Serve(ctx, grpcLis) })
	}

	server := &http.Server{Handler: r.handler()}
	g.Go(func() error {
		monitoring.Printf("[rover] listening on %s", httpLis.Addr())
		if err := server.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		monitoring.Printf("[rover] shutting down HTTP server...")

		// Hijacked websockets are not tracked by Shutdown.
		r.reg.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Printf("[rover] HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				monitoring.Printf("[rover] HTTP server force close error: %v", err)
			}
		}
		return nil
	})

	err := g.Wait()
	if stopErr := r.tracker.StopAll(); stopErr != nil {
		monitoring.Printf("[rover] final stop failed: %v", stopErr)
	}
	return err
}

func (r *rover) close() {
	if r.link != nil {
		if err := r.link.Close(); err != nil {
			monitoring.Printf("[rover] close serial link: %v", err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			monitoring.Printf("[rover] close journal: %v", err)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
