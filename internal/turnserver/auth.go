package turnserver

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kuuji/ironveil/internal/wireformat"
)

// nonceMaxUses is how many authenticated requests a single nonce may
// cover before the server demands a fresh one with 438 Stale Nonce.
const nonceMaxUses = 100

// nonceTracker is the set of currently valid nonces, each with a
// remaining use budget. Nonces are rolling UUIDs: one is minted per 401
// challenge and retired once its budget is spent.
type nonceTracker struct {
	remaining map[string]int
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{remaining: make(map[string]int)}
}

// mint creates and registers a fresh nonce.
func (n *nonceTracker) mint() string {
	nonce := uuid.NewString()
	n.remaining[nonce] = nonceMaxUses
	return nonce
}

// consume spends one use of nonce, reporting whether it was still valid.
func (n *nonceTracker) consume(nonce string) bool {
	left, ok := n.remaining[nonce]
	if !ok || left <= 0 {
		delete(n.remaining, nonce)
		return false
	}
	if left == 1 {
		delete(n.remaining, nonce)
	} else {
		n.remaining[nonce] = left - 1
	}
	return true
}

// credentialPassword recomputes the time-limited password for username:
// base64(HMAC-SHA1(authSecret, username)). This is the TURN REST API
// convention; the coordination service hands clients the same value.
func credentialPassword(authSecret, username string) string {
	mac := hmac.New(sha1.New, []byte(authSecret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// parseUsernameExpiry extracts the Unix expiry prefix from a username of
// the form "<unix_expiry>:<salt>".
func parseUsernameExpiry(username string) (time.Time, error) {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("username %q is not of the form expiry:salt", username)
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("username expiry prefix: %w", err)
	}
	return time.Unix(expiry, 0), nil
}

// authResult is the outcome of authenticating one protected request.
type authResult struct {
	username string
	key      []byte // MESSAGE-INTEGRITY key, also used to sign the response
}

// authErr carries the STUN error class an authentication failure maps to.
type authErr struct {
	code   int
	reason string
	// freshNonce is set on 401/438 so the client can retry.
	freshNonce string
}

func (e *authErr) Error() string { return fmt.Sprintf("%d %s", e.code, e.reason) }

// authenticate validates the Username/Nonce/MessageIntegrity triple on a
// protected request, per the long-term credential mechanism with
// time-expiring usernames.
func (s *Server) authenticate(raw []byte, msg *wireformat.Message, now time.Time) (*authResult, *authErr) {
	username := msg.GetUsername()
	nonce := msg.GetNonce()
	hasIntegrity := msg.GetAttr(wireformat.AttrMessageIntegrity) != nil

	if username == "" || nonce == "" || !hasIntegrity {
		return nil, &authErr{code: 401, reason: "Unauthorized", freshNonce: s.nonces.mint()}
	}

	if !s.nonces.consume(nonce) {
		return nil, &authErr{code: 438, reason: "Stale Nonce", freshNonce: s.nonces.mint()}
	}

	expiry, err := parseUsernameExpiry(username)
	if err != nil {
		return nil, &authErr{code: 401, reason: "Unauthorized", freshNonce: s.nonces.mint()}
	}
	if now.After(expiry) {
		return nil, &authErr{code: 401, reason: "Unauthorized", freshNonce: s.nonces.mint()}
	}

	password := credentialPassword(s.authSecret, username)
	key := wireformat.DeriveAuthKey(username, s.realm, password)
	if err := wireformat.CheckIntegrity(raw, key); err != nil {
		return nil, &authErr{code: 441, reason: "Wrong Credentials"}
	}

	return &authResult{username: username, key: key}, nil
}
