package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/ironveil/internal/config"
)

var (
	initHubURL   string
	initDeviceID string
	initName     string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an initial configuration",
	Long: `Write a fresh config.toml and secrets.toml with a newly generated
device key. Fails if a config already exists unless --force is given.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initHubURL, "hub-url", "", "signalling hub URL (required)")
	initCmd.Flags().StringVar(&initDeviceID, "device-id", "", "device identifier within the network (required)")
	initCmd.Flags().StringVar(&initName, "name", "", "human-readable device name")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	if initHubURL == "" || initDeviceID == "" {
		return fmt.Errorf("--hub-url and --device-id are required")
	}

	path := resolvedConfigPath()
	if !initForce {
		if _, err := config.LoadPublicConfig(path); err == nil {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}
	}

	privKey, err := config.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating device key: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Network.HubURL = initHubURL
	cfg.Network.DeviceID = initDeviceID
	cfg.Device.Name = initName
	cfg.Device.PrivateKey = privKey

	if err := config.SaveConfig(path, cfg); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Printf("device public key: %s\n", config.PublicKey(privKey))
	return nil
}
