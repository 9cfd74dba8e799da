package turncred

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestGenerateCredentials(t *testing.T) {
	t.Parallel()

	secret := "test-secret-key"
	salt := "home-server"

	username, password := GenerateCredentials(secret, salt, DefaultCredentialLifetime)

	// Username should be "<expiry>:<salt>".
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		t.Fatalf("username format: got %q, want '<expiry>:<salt>'", username)
	}
	if parts[1] != salt {
		t.Errorf("salt: got %q, want %q", parts[1], salt)
	}

	// Password should be non-empty base64.
	if password == "" {
		t.Fatal("password is empty")
	}
}

func TestGenerateCredentials_DefaultLifetime(t *testing.T) {
	t.Parallel()

	username, _ := GenerateCredentials("secret", "peer", 0)

	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		t.Fatalf("username format: got %q", username)
	}
	// With default lifetime (24h), expiry should be ~24h from now.
	// Allow 5 seconds of slack.
	expected := time.Now().Add(DefaultCredentialLifetime).Unix()
	got, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		t.Fatalf("parsing expiry: %v", err)
	}
	diff := got - expected
	if diff < -5 || diff > 5 {
		t.Errorf("expiry: got %d, want ~%d (within 5s)", got, expected)
	}
}

func TestValidateCredentials_Valid(t *testing.T) {
	t.Parallel()

	secret := "shared-secret"
	username, password := GenerateCredentials(secret, "laptop", DefaultCredentialLifetime)

	if err := ValidateCredentials(secret, username, password); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
}

func TestValidateCredentials_Expired(t *testing.T) {
	t.Parallel()

	secret := "shared-secret"
	// Craft credentials with an expiry far in the past.
	username := "1:laptop"
	password := computePassword(secret, username)

	err := ValidateCredentials(secret, username, password)
	if err == nil {
		t.Fatal("expired credentials accepted")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Errorf("error should mention 'expired': %v", err)
	}
}

func TestValidateCredentials_WrongSecret(t *testing.T) {
	t.Parallel()

	username, password := GenerateCredentials("secret-A", "peer", DefaultCredentialLifetime)

	err := ValidateCredentials("secret-B", username, password)
	if err == nil {
		t.Fatal("wrong secret accepted")
	}
	if !strings.Contains(err.Error(), "invalid password") {
		t.Errorf("error should mention 'invalid password': %v", err)
	}
}

func TestValidateCredentials_MalformedUsername(t *testing.T) {
	t.Parallel()

	err := ValidateCredentials("secret", "no-colon-here", "password")
	if err == nil {
		t.Fatal("malformed username accepted")
	}
	if !strings.Contains(err.Error(), "invalid username format") {
		t.Errorf("error should mention 'invalid username format': %v", err)
	}
}

func TestValidateCredentials_BadExpiry(t *testing.T) {
	t.Parallel()

	err := ValidateCredentials("secret", "notanumber:peer", "password")
	if err == nil {
		t.Fatal("bad expiry accepted")
	}
	if !strings.Contains(err.Error(), "invalid expiry") {
		t.Errorf("error should mention 'invalid expiry': %v", err)
	}
}
