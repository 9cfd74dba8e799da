package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/ironveil/internal/agent"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Connect to the network",
	Long: `Start the ironveil agent: bind the tunnel socket, join the
signalling hub, and keep encrypted connections to every peer in the
network, negotiating direct or relayed paths as connectivity allows.`,
	RunE: runUp,
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	// Resolve STUN hostnames once; the core only handles literal addresses.
	cfg.STUN.Servers = resolveServers(cfg.STUN.Servers)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, globalLogger)

	globalLogger.Info("starting ironveil-agent", "config", resolvedConfigPath())

	if err := a.Run(ctx); err != nil {
		if ctx.Err() != nil {
			// Signal received — clean shutdown.
			globalLogger.Info("ironveil-agent stopped")
			return nil
		}
		return err
	}
	return nil
}
