//go:build !linux

package main

import (
	"log/slog"

	"github.com/kuuji/ironveil/internal/config"
	"github.com/kuuji/ironveil/internal/turnserver"
)

// firewall receives the server's allocation commands; only Linux has an
// nftables-backed implementation.
type firewall interface {
	Apply(turnserver.Command) error
	Close() error
}

type noopFirewall struct{}

func (noopFirewall) Apply(turnserver.Command) error { return nil }
func (noopFirewall) Close() error                   { return nil }

func newFirewall(cfg *config.Config, logger *slog.Logger) (firewall, error) {
	if cfg.Relay.ManageFirewall {
		logger.Warn("relay.manage_firewall is only supported on Linux; ignoring")
	}
	return noopFirewall{}, nil
}
