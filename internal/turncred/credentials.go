// Package turncred implements the time-limited TURN credential scheme
// shared by the coordination service (which mints credentials per
// device) and ironveild (which validates them).
package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultCredentialLifetime is the default validity period for TURN credentials.
const DefaultCredentialLifetime = 24 * time.Hour

// GenerateCredentials creates time-limited TURN credentials from a shared secret.
// The username encodes the expiry timestamp and a per-device salt. The password
// is an HMAC-SHA1 of the username, keyed by the shared secret.
//
// This follows the TURN REST API convention used by coturn:
//
//	username = "<unix_expiry>:<salt>"
//	password = base64(HMAC-SHA1(secret, username))
func GenerateCredentials(secret, salt string, lifetime time.Duration) (username, password string) {
	if lifetime == 0 {
		lifetime = DefaultCredentialLifetime
	}
	expiry := time.Now().Add(lifetime).Unix()
	username = fmt.Sprintf("%d:%s", expiry, salt)
	password = computePassword(secret, username)
	return username, password
}

// ValidateCredentials checks that TURN credentials are valid and not expired.
// It recomputes the password from the shared secret and compares it to the
// provided password.
func ValidateCredentials(secret, username, password string) error {
	// Parse expiry from username.
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid username format: expected '<expiry>:<salt>'")
	}

	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry in username: %w", err)
	}

	if time.Now().Unix() > expiry {
		return fmt.Errorf("credentials expired at %d", expiry)
	}

	expected := computePassword(secret, username)
	if !hmac.Equal([]byte(password), []byte(expected)) {
		return fmt.Errorf("invalid password")
	}

	return nil
}

// computePassword generates the HMAC-SHA1 password for a username.
func computePassword(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
