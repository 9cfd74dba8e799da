package main

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/kuuji/ironveil/internal/config"
)

// resolvedConfigPath returns the config path in effect: the --config
// flag when given, the system default otherwise.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the full configuration (secrets included).
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(resolvedConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config (run 'ironveil-agent init' first?): %w", err)
	}
	return cfg, nil
}

// validateConfig checks that all fields the agent needs are present.
func validateConfig(cfg *config.Config) error {
	if cfg.Network.HubURL == "" {
		return fmt.Errorf("network.hub_url is required")
	}
	if cfg.Network.DeviceID == "" {
		return fmt.Errorf("network.device_id is required")
	}
	if cfg.Device.PrivateKey.IsZero() {
		return fmt.Errorf("device.private_key is required")
	}
	return nil
}

// resolveServers turns "host:port" entries into literal address:port
// strings, resolving DNS names once at startup. Entries that don't
// resolve are dropped with a warning.
func resolveServers(servers []string) []string {
	var out []string
	for _, s := range servers {
		if _, err := netip.ParseAddrPort(s); err == nil {
			out = append(out, s)
			continue
		}
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			globalLogger.Warn("skipping malformed server entry", "server", s, "err", err)
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			globalLogger.Warn("skipping server with bad port", "server", s, "err", err)
			continue
		}
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			globalLogger.Warn("skipping unresolvable server", "server", s, "err", err)
			continue
		}
		addr, ok := netip.AddrFromSlice(ips[0])
		if !ok {
			continue
		}
		out = append(out, netip.AddrPortFrom(addr.Unmap(), uint16(port)).String())
	}
	return out
}
