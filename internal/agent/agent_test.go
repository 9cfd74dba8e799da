package agent

import (
	"encoding/base64"
	"testing"

	"github.com/kuuji/ironveil/internal/config"
)

func TestParseKey(t *testing.T) {
	t.Parallel()

	priv, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	pub := config.PublicKey(priv)

	parsed, err := parseKey(pub.String())
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if parsed != [32]byte(pub) {
		t.Error("parsed key mismatch")
	}

	if _, err := parseKey("not base64!"); err == nil {
		t.Error("invalid base64 accepted")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := parseKey(short); err == nil {
		t.Error("wrong-length key accepted")
	}
}

func TestStunServersSkipsUnparseable(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.STUN.Servers = []string{
		"192.0.2.1:3478",
		"[2001:db8::1]:3478",
		"still-a-hostname.example:3478", // unresolved entries are skipped
		"garbage",
	}
	a := New(cfg, nil)

	servers := a.stunServers()
	if len(servers) != 2 {
		t.Fatalf("servers: got %d (%v), want 2", len(servers), servers)
	}
}
