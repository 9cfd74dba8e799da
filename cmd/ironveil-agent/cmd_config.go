package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/ironveil/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (secrets omitted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadPublicConfig(resolvedConfigPath())
		if err != nil {
			return err
		}
		// Never print key material, even when secrets.toml is readable.
		cfg.Device.PrivateKey = config.Key{}
		cfg.Network.TURNSecret = ""

		out, err := config.MarshalTOML(cfg)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path in effect",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(resolvedConfigPath())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}
