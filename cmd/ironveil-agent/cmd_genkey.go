package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kuuji/ironveil/internal/config"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new device private key",
	Long: `Generate a Curve25519 private key and print it to stdout as base64.
Pair with pubkey to derive the matching public key:

  ironveil-agent genkey | tee device.key | ironveil-agent pubkey`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := config.GeneratePrivateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Derive the public key for a private key read from stdin",
	Long: `Read a base64 private key from stdin and print the corresponding
public key to stdout. This is the value other devices configure as this
device's identity.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(cmd.InOrStdin())
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading private key from stdin: %w", err)
		}
		key, err := config.ParseKey(strings.TrimSpace(line))
		if err != nil {
			return fmt.Errorf("stdin does not hold a private key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), key.Public())
		return nil
	},
}
