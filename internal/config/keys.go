package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/kuuji/ironveil/internal/crypto"
)

// KeySize is the length in bytes of a device identity key.
const KeySize = crypto.KeySize

// Key is a device identity key: the Curve25519 scalar that is this
// device's static private key, or the curve point that is a peer's
// public key. Configuration files and signalling both carry keys as
// standard base64, which TextMarshaler/TextUnmarshaler handle so a Key
// can sit directly in a TOML or JSON struct field.
//
// The zero Key means "not set"; IsZero is the check every loader uses
// before trusting one.
type Key [KeySize]byte

// GeneratePrivateKey returns a fresh private key, clamped for use as a
// Curve25519 scalar. The clamping lives in internal/crypto alongside
// the rest of the X25519 material, so the handshake and the config
// layer can never disagree on it.
func GeneratePrivateKey() (Key, error) {
	priv, err := crypto.NewPrivateKey(rand.Read)
	if err != nil {
		return Key{}, fmt.Errorf("generating private key: %w", err)
	}
	return Key(priv), nil
}

// Public derives the public key for a private key.
func (k Key) Public() Key {
	return Key(crypto.PublicKey([KeySize]byte(k)))
}

// PublicKey derives the Curve25519 public key from a private key.
func PublicKey(private Key) Key {
	return private.Public()
}

// ParseKey decodes a base64-encoded key.
func ParseKey(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("key decodes to %d bytes, want %d", len(raw), KeySize)
	}
	return Key(raw), nil
}

// String returns the key in its base64 wire/config form.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
