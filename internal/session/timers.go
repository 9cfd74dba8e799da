// Package session implements the sans-IO per-peer tunnel: the Tunn type
// turns plaintext packets into WireGuard transport messages and back,
// driving the Noise handshake (internal/noise) and key rotation needed to
// keep doing so indefinitely. Like internal/noise, it never touches a
// socket -- callers call Encapsulate/Decapsulate/UpdateTimers and act on
// the returned Outcome.
package session

import "time"

// Timer and counter limits from the WireGuard protocol, unchanged by this
// port: a keypair is retired after too many messages or too much time,
// a handshake attempt is abandoned after RekeyAttemptTime of silence, and
// an idle-but-healthy session exchanges keepalives to hold state alive
// through NAT.
const (
	RekeyAfterMessages  = uint64(1) << 60
	RejectAfterMessages = ^uint64(0) - (uint64(1) << 13)

	RekeyAfterTime  = 120 * time.Second
	RejectAfterTime = 180 * time.Second

	RekeyAttemptTime = 90 * time.Second
	RekeyTimeout     = 5 * time.Second

	KeepaliveTimeout       = 10 * time.Second
	CookieReplyTimeout     = 15 * time.Second
	DefaultHandshakeRateHz = 100
)
