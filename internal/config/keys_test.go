package config

import (
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestGeneratePrivateKeyIsClamped(t *testing.T) {
	t.Parallel()

	k, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	if k.IsZero() {
		t.Fatal("generated key is zero")
	}

	// RFC 7748 §5 clamping: low 3 bits clear, bit 255 clear, bit 254 set.
	if k[0]&0b111 != 0 || k[31]&0x80 != 0 || k[31]&0x40 == 0 {
		t.Errorf("key not clamped: first=%#02x last=%#02x", k[0], k[31])
	}

	other, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating second key: %v", err)
	}
	if k == other {
		t.Fatal("two generated keys are identical")
	}
}

func TestPublicDerivation(t *testing.T) {
	t.Parallel()

	// RFC 7748 §6.1: Alice's scalar and the public key it produces.
	priv := mustKeyHex(t, "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a")
	wantPub := mustKeyHex(t, "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a")

	if got := priv.Public(); got != wantPub {
		t.Errorf("Public():\n got  %x\n want %x", got[:], wantPub[:])
	}
	// The package-level helper is the same derivation.
	if PublicKey(priv) != wantPub {
		t.Error("PublicKey disagrees with Key.Public")
	}
}

func TestKeyTextRoundTrip(t *testing.T) {
	t.Parallel()

	orig, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	parsed, err := ParseKey(orig.String())
	if err != nil {
		t.Fatalf("parsing own String(): %v", err)
	}
	if parsed != orig {
		t.Error("String/ParseKey roundtrip mismatch")
	}

	text, err := orig.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Key
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != orig {
		t.Error("MarshalText/UnmarshalText roundtrip mismatch")
	}
}

func TestParseKeyRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
	}{
		{"not base64", "!!definitely not base64!!"},
		{"too short", base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{"too long", base64.StdEncoding.EncodeToString(make([]byte, 48))},
		{"empty", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := ParseKey(c.in); err == nil {
				t.Errorf("ParseKey(%q) accepted", c.in)
			}
			var k Key
			if err := k.UnmarshalText([]byte(c.in)); err == nil {
				t.Errorf("UnmarshalText(%q) accepted", c.in)
			}
		})
	}
}

func TestKeyIsZero(t *testing.T) {
	t.Parallel()

	var zero Key
	if !zero.IsZero() {
		t.Error("zero key not reported as zero")
	}
	k, _ := GeneratePrivateKey()
	if k.IsZero() {
		t.Error("generated key reported as zero")
	}
}

func mustKeyHex(t *testing.T, s string) Key {
	t.Helper()
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != KeySize {
		t.Fatalf("bad hex fixture %q: %v", s, err)
	}
	return Key(raw)
}
