// Command rover runs the control and telemetry process: the /ws/control and
// /ws/telemetry endpoints, the safety machine, the telemetry broadcaster and
// the serial link to the motor controller.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/MaxParisotto/bbb-websocket/internal/config"
	"github.com/MaxParisotto/bbb-websocket/internal/serialmux"
	"github.com/MaxParisotto/bbb-websocket/internal/version"
)

func main() {
	fs := pflag.NewFlagSet("rover", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to a JSON config file (comments allowed)")
	showVersion := fs.Bool("version", false, "print version and exit")
	overrides := config.BindFlags(fs)
	fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if err := overrides.Apply(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	r, err := newRover(cfg, serialmux.OpenPort)
	if err != nil {
		log.Fatalf("failed to start rover: %v", err)
	}

	httpLis, err := net.Listen("tcp", cfg.GetListen())
	if err != nil {
		r.close()
		log.Fatalf("failed to listen on %s: %v", cfg.GetListen(), err)
	}
	var grpcLis net.Listener
	if addr := cfg.GetGRPCListen(); addr != "" {
		grpcLis, err = net.Listen("tcp", addr)
		if err != nil {
			r.close()
			log.Fatalf("failed to listen on %s: %v", addr, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("rover %s starting", version.String())
	if err := r.run(ctx, httpLis, grpcLis); err != nil {
		log.Fatalf("rover stopped: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
