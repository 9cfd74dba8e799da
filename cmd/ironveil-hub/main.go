// Command ironveil-hub runs a standalone signalling hub for local/LAN
// deployments. It relays connection offers, answers, and trickled ICE
// candidates between connected ironveil agents over HTTP long-poll.
//
// Usage:
//
//	ironveil-hub -addr :8080
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kuuji/ironveil/internal/signaling"
)

// relayList collects repeated -relay flags.
type relayList []string

func (r *relayList) String() string     { return strings.Join(*r, ",") }
func (r *relayList) Set(v string) error { *r = append(*r, v); return nil }

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	turnSecret := flag.String("turn-secret", "", "shared secret for minting relay credentials")
	var relays relayList
	flag.Var(&relays, "relay", "TURN relay address to announce (repeatable, e.g. 203.0.113.1:3478)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	hub := signaling.NewHub(logger)
	if len(relays) > 0 {
		if *turnSecret == "" {
			logger.Error("-relay requires -turn-secret")
			os.Exit(1)
		}
		hub.ConfigureRelays(relays, *turnSecret)
	}

	srv := &http.Server{
		Addr:    *addr,
		Handler: hub,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := srv.Close(); err != nil {
			logger.Error("server close", "error", err)
		}
	}()

	logger.Info("signalling hub listening", "addr", *addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
