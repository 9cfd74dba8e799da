package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun.cloudflare.com:3478",
	"stun.l.google.com:19302",
}

// DefaultConfigDir is the system-wide config directory for ironveil.
const DefaultConfigDir = "/etc/ironveil"

// DefaultListenPort is the UDP port the agent binds when none is configured.
const DefaultListenPort = 51820

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// Config is the top-level configuration for ironveil.
// It is persisted as a TOML file at DefaultConfigPath().
type Config struct {
	Network NetworkConfig `toml:"network"`
	Device  DeviceConfig  `toml:"device"`
	STUN    STUNConfig    `toml:"stun"`
	TURN    TURNConfig    `toml:"turn"`
	Relay   RelayConfig   `toml:"relay"`
}

// NetworkConfig identifies the ironveil network and its coordination service.
type NetworkConfig struct {
	// Name is a human-readable name for this network.
	Name string `toml:"name"`

	// HubURL is the HTTP(S) URL of the signalling hub.
	HubURL string `toml:"hub_url"`

	// TURNSecret is the shared secret used to derive time-limited TURN
	// credentials. Received from the coordination service during device
	// registration; also consumed directly by ironveild.
	TURNSecret string `toml:"turn_secret"`

	// DeviceID is the unique identifier for this device within the network.
	DeviceID string `toml:"device_id"`
}

// DeviceConfig identifies this device within the network.
type DeviceConfig struct {
	// Name is a human-readable name for this device (e.g. "home-server", "laptop").
	Name string `toml:"name"`

	// PrivateKey is the Curve25519 static private key for this device.
	// It is stored as base64 and decoded via Key.UnmarshalText.
	PrivateKey Key `toml:"private_key"`

	// ListenPort is the UDP port the agent binds on every interface.
	ListenPort uint16 `toml:"listen_port,omitempty"`
}

// STUNConfig lists the STUN servers used to learn server-reflexive addresses.
type STUNConfig struct {
	// Servers is a list of "host:port" STUN server addresses.
	Servers []string `toml:"servers"`
}

// TURNConfig lists statically configured TURN relays. Most deployments
// receive relays (and per-device credentials) over signalling instead;
// static entries are for self-hosted relays and testing.
type TURNConfig struct {
	Servers []TURNServer `toml:"servers,omitempty"`
}

// TURNServer is one statically configured relay.
type TURNServer struct {
	Addr     string `toml:"addr"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
}

// RelayConfig configures the ironveild TURN relay daemon. It is unused
// by the agent.
type RelayConfig struct {
	// ListenPort is the relay's client-facing UDP port.
	ListenPort uint16 `toml:"listen_port,omitempty"`

	// PublicIPv4 / PublicIPv6 are the relay's public addresses; at least
	// one must be set for ironveild to start.
	PublicIPv4 string `toml:"public_ipv4,omitempty"`
	PublicIPv6 string `toml:"public_ipv6,omitempty"`

	// Realm is the authentication realm announced in 401 challenges.
	Realm string `toml:"realm,omitempty"`

	// PortLow / PortHigh bound the relay allocation port range.
	PortLow  uint16 `toml:"port_low,omitempty"`
	PortHigh uint16 `toml:"port_high,omitempty"`

	// ManageFirewall opens and closes allocated relay ports via
	// nftables as allocations come and go (Linux only).
	ManageFirewall bool `toml:"manage_firewall,omitempty"`
}

// configFile is the TOML representation for config.toml (world-readable, no secrets).
type configFile struct {
	Network netConfigFile `toml:"network"`
	Device  devConfigFile `toml:"device"`
	STUN    STUNConfig    `toml:"stun"`
	TURN    TURNConfig    `toml:"turn"`
	Relay   RelayConfig   `toml:"relay"`
}

type netConfigFile struct {
	Name     string `toml:"name"`
	HubURL   string `toml:"hub_url"`
	DeviceID string `toml:"device_id"`
}

type devConfigFile struct {
	Name       string `toml:"name"`
	ListenPort uint16 `toml:"listen_port,omitempty"`
}

// secretsFile is the TOML representation for secrets.toml (0660, root + invoking user).
type secretsFile struct {
	Network netSecretsFile `toml:"network"`
	Device  devSecretsFile `toml:"device"`
}

type netSecretsFile struct {
	TURNSecret string `toml:"turn_secret"`
}

type devSecretsFile struct {
	PrivateKey Key `toml:"private_key"`
}

// toConfigFile extracts the non-secret fields from a Config for config.toml.
func toConfigFile(cfg *Config) *configFile {
	return &configFile{
		Network: netConfigFile{
			Name:     cfg.Network.Name,
			HubURL:   cfg.Network.HubURL,
			DeviceID: cfg.Network.DeviceID,
		},
		Device: devConfigFile{
			Name:       cfg.Device.Name,
			ListenPort: cfg.Device.ListenPort,
		},
		STUN:  cfg.STUN,
		TURN:  cfg.TURN,
		Relay: cfg.Relay,
	}
}

// toSecretsFile extracts the secret fields from a Config for secrets.toml.
func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{
		Network: netSecretsFile{
			TURNSecret: cfg.Network.TURNSecret,
		},
		Device: devSecretsFile{
			PrivateKey: cfg.Device.PrivateKey,
		},
	}
}

// mergeSecrets overlays secret fields from a secretsFile onto a Config.
func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Network.TURNSecret = s.Network.TURNSecret
	cfg.Device.PrivateKey = s.Device.PrivateKey
}

// DefaultConfig returns a Config populated with sensible defaults.
// Network-specific fields (name, hub_url, turn_secret) and device-specific
// fields (name, private_key) are left empty and must be filled in by the
// user or by `ironveil-agent init`.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ListenPort: DefaultListenPort,
		},
		STUN: STUNConfig{
			Servers: append([]string(nil), DefaultSTUNServers...),
		},
	}
}

// applyDefaults fills in defaults for fields left empty in a decoded config.
func applyDefaults(cfg *Config) {
	if cfg.Device.ListenPort == 0 {
		cfg.Device.ListenPort = DefaultListenPort
	}
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
}

// DefaultConfigPath returns the default path for the ironveil config file.
// The config is stored at /etc/ironveil/config.toml since the daemons run as root.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, "config.toml")
}

// DefaultSecretsPath returns the default path for the ironveil secrets file.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml path.
// It replaces the filename, keeping secrets.toml alongside config.toml.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml from the config directory,
// merging them into a single Config. If config.toml does not exist, it returns
// an error wrapping fs.ErrNotExist. If secrets.toml does not exist, the secret
// fields are left at their zero values (this supports commands that only need
// non-secret fields).
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	// Load secrets from the companion file.
	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
		// secrets.toml missing — leave secret fields at zero values.
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml (the world-readable, non-secret
// portion of the configuration). Use this for commands that do not need
// secrets and should work without root.
func LoadPublicConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path. Parent directories are created with mode 0755 if they
// don't exist.
//
// When running via sudo, both files are chowned to root:<invoking-user-gid>
// so the invoking user can read and write them without sudo:
//   - config.toml:  0664 (world-readable, group-writable — no secrets)
//   - secrets.toml: 0660 (group-readable + group-writable — contains secrets)
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	// Ensure directory is world-readable even if it existed with old 0700 perms.
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
	}

	// Write config.toml (world-readable, group-writable — no secrets).
	if err := writeFile(path, 0664, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	// Write secrets.toml (group-readable + group-writable — contains secrets).
	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// SaveSecrets writes only the secrets.toml file for the given config path.
// Use this when only secret fields have changed (e.g. TURN secret rotation)
// and re-writing config.toml is unnecessary.
func SaveSecrets(configPath string, cfg *Config) error {
	secretsPath := SecretsPathFromConfig(configPath)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)
	return nil
}

// applyUserOwnership sets group ownership on a config file so the user who
// ran sudo can read and write it without elevation. When running as root via
// sudo, the SUDO_GID environment variable identifies the invoking user's
// primary group. The file is chowned to root:<sudo-gid>.
//
// This is a best-effort operation — errors are silently ignored because the
// file is already written successfully and root can always access it.
func applyUserOwnership(path string) {
	// Only relevant when running as root.
	if os.Getuid() != 0 {
		return
	}

	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}

	// chown root:<sudo-user-gid>
	// 0 keeps root as owner; gid grants group access to the invoking user.
	_ = os.Chown(path, 0, gid)
}

// writeFile encodes v as TOML and writes it to path with the given file mode.
func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	// Ensure permissions are correct even if the file already existed
	// with different permissions (WriteFile only sets mode on creation).
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}

	return nil
}

// PublicKey derives the device's public key from its private key.
// Returns an error if the private key is not set.
func (c *Config) PublicKey() (Key, error) {
	if c.Device.PrivateKey.IsZero() {
		return Key{}, errors.New("device private key is not set")
	}
	return PublicKey(c.Device.PrivateKey), nil
}

// ParseTOML decodes a TOML config from a string.
func ParseTOML(s string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(s, cfg); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// MarshalTOML encodes a Config to a TOML string.
func MarshalTOML(cfg *Config) (string, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("encoding TOML config: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
