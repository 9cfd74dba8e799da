package noise

import "github.com/kuuji/ironveil/internal/crypto"

// mac1Key derives the key used for MAC1: BLAKE2s("mac1----" || responder's
// static public key). Both the initiator and the responder compute this
// from the responder's own static public key, so it needs no handshake
// state to derive.
func mac1Key(responderStatic [32]byte) [32]byte {
	return crypto.Hash([]byte(labelMAC1), responderStatic[:])
}

// cookieKey derives the key used to encrypt/decrypt cookie values:
// BLAKE2s("cookie--" || responder's static public key).
func cookieKey(responderStatic [32]byte) [32]byte {
	return crypto.Hash([]byte(labelCookie), responderStatic[:])
}

// computeMAC1 computes MAC1 over msgPrefix (the message up to but not
// including MAC1 itself) keyed by the responder's static public key.
func computeMAC1(responderStatic [32]byte, msgPrefix []byte) [16]byte {
	key := mac1Key(responderStatic)
	return crypto.KeyedMAC16(key[:], msgPrefix)
}

// computeMAC2 computes MAC2 over msgPrefix (the message up to but not
// including MAC2, i.e. including MAC1) keyed by a cookie value received
// from the responder. Returns the zero MAC if no cookie is held, which is
// the wire representation of "no cookie in use".
func computeMAC2(cookie *[16]byte, msgPrefix []byte) [16]byte {
	if cookie == nil {
		return [16]byte{}
	}
	return crypto.KeyedMAC16(cookie[:], msgPrefix)
}
