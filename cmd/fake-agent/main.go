// ABOUTME: Reference agent for coven-dispatch: handshakes, polls, echoes payloads back as results
// ABOUTME: Usage: fake-agent [-url http://localhost:8080] [-id host-1] [-key agent.pem]

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "gateway HTTP base URL")
	agentID := flag.String("id", "", "agent id (empty lets the gateway assign one)")
	keyPath := flag.String("key", "", "RSA private key PEM; created when missing (empty uses a throwaway key)")
	wait := flag.Int("wait", 25, "long-poll wait in seconds")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	key, err := loadOrCreateKey(*keyPath)
	if err != nil {
		logger.Error("loading agent key", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &agent{
		base:     *url,
		id:       *agentID,
		key:      key,
		wait:     *wait,
		client:   &http.Client{Timeout: time.Duration(*wait)*time.Second + 15*time.Second},
		handle:   echo,
		platform: "fake",
		version:  "dev",
		logger:   logger.With("component", "fake-agent"),
	}
	if err := a.run(ctx); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

// echo returns the command payload unchanged.
func echo(payload []byte) (status string, code int, out []byte) {
	return "success", 0, payload
}
