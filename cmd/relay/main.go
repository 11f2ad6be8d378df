// V2X relay PER monitor
//
// This server accepts WebRTC connections from on-board or roadside units
// that relay the V2X broadcasts they hear as RTP, one stream per remote
// transmitter, with each message's MsgCount in a header extension. It
// tracks the Packet Error Ratio of every stream, reports it back to the
// unit in RTCP Receiver Reports and publishes it as JSON.
//
// Usage:
//
//	go run ./cmd/relay -addr :8080
//	curl http://localhost:8080/per
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/logging"

	"github.com/thesyncim/v2x/cmd/relay/server"
)

func main() {
	cfg := server.DefaultConfig()

	addr := flag.String("addr", ":8080", "HTTP listen address")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", cfg.ReportInterval, "PER report interval")
	flag.DurationVar(&cfg.SubInterval, "sub-interval", cfg.SubInterval, "PER window slot duration")
	logLevel := flag.String("log-level", "info", "Interceptor log level (error, warn, info, debug, trace)")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid -log-level: %v", err)
	}
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = level

	cfg.Addr = *addr
	cfg.LoggerFactory = loggerFactory

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	listenAddr, err := srv.Start()
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	fmt.Printf(`
V2X Relay PER Monitor
=====================
POST offers to http://%[1]s/offer
Current PER at  http://%[1]s/per

`, listenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
		os.Exit(1)
	}
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("unknown level %q", s)
}
