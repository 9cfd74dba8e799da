//go:build linux

package main

import (
	"log/slog"

	"github.com/kuuji/ironveil/internal/config"
	"github.com/kuuji/ironveil/internal/turnserver"
)

// firewall receives the server's allocation commands so the host
// firewall tracks the set of live relay ports.
type firewall interface {
	Apply(turnserver.Command) error
	Close() error
}

type noopFirewall struct{}

func (noopFirewall) Apply(turnserver.Command) error { return nil }
func (noopFirewall) Close() error                   { return nil }

func newFirewall(cfg *config.Config, logger *slog.Logger) (firewall, error) {
	if !cfg.Relay.ManageFirewall {
		return noopFirewall{}, nil
	}
	low, high := cfg.Relay.PortLow, cfg.Relay.PortHigh
	if low == 0 || high == 0 {
		low, high = turnserver.DefaultPortLow, turnserver.DefaultPortHigh
	}
	return turnserver.NewPortFirewall(low, high, logger)
}
