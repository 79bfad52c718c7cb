// Command relay serves the dashboard to browsers and forwards their
// websocket and admin traffic to the rover process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/MaxParisotto/bbb-websocket/internal/httputil"
	"github.com/MaxParisotto/bbb-websocket/internal/relay"
	"github.com/MaxParisotto/bbb-websocket/internal/version"
)

func main() {
	fs := pflag.NewFlagSet("relay", pflag.ExitOnError)
	listen := fs.String("listen", ":8080", "HTTP listen address")
	upstream := fs.String("upstream", "http://localhost:8001", "base URL of the rover process")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	r, err := relay.New(*upstream)
	if err != nil {
		log.Fatalf("failed to create relay: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    *listen,
		Handler: httputil.LoggingMiddleware(r.ServeMux()),
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("relay %s listening on %s, upstream %s", version.String(), *listen, *upstream)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start server: %v", err)
		}
	case <-ctx.Done():
	}

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), relay.CloseGrace+time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}
