package noise

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/kuuji/ironveil/internal/crypto"
)

// Lifetime of a cookie-reply secret and of a cookie value derived from it.
// Mirrors wireguard-go's cookie checker/generator timing: the responder
// rotates its secret every two minutes, and an initiator's held cookie is
// considered stale after the same interval.
const (
	cookieSecretMaxAge = 2 * time.Minute
	CookieMaxAge       = 2 * time.Minute
)

// CookieChecker is held by a responder that has decided it is under load
// (per the session layer's handshake rate limiter). It mints CookieReply
// messages whose cookie value is an HMAC over the initiator's source
// address, so the cookie can be verified later without server-side state.
type CookieChecker struct {
	mu         sync.Mutex
	secret     [32]byte
	secretSet  time.Time
	haveSecret bool
}

func (c *CookieChecker) currentSecret() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveSecret || time.Since(c.secretSet) > cookieSecretMaxAge {
		rand.Read(c.secret[:])
		c.secretSet = time.Now()
		c.haveSecret = true
	}
	return c.secret
}

// MakeCookie derives the 16-byte cookie value for a given source address
// (the UDP wire address the initiation arrived from, serialized as
// IP||port by the caller).
func (c *CookieChecker) MakeCookie(srcAddr []byte) [16]byte {
	secret := c.currentSecret()
	mac := crypto.KeyedMAC16(secret[:], srcAddr)
	return mac
}

// CreateReply builds a CookieReply for an initiation that carried MAC1
// mac1 and was addressed to local index receiverIndex, encrypting the
// derived cookie under the responder's own static public key and using
// mac1 as the AEAD's associated data (so the initiator can only make use
// of the reply if it actually sent that initiation).
func (c *CookieChecker) CreateReply(responderStatic [32]byte, receiverIndex uint32, mac1 [16]byte, srcAddr []byte) (*CookieReply, error) {
	cookie := c.MakeCookie(srcAddr)

	var nonce [crypto.XNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	key := cookieKey(responderStatic)
	sealed, err := crypto.XAEADSeal(nil, key[:], nonce, cookie[:], mac1[:])
	if err != nil {
		return nil, err
	}

	reply := &CookieReply{Receiver: receiverIndex, Nonce: nonce}
	copy(reply.Cookie[:], sealed)
	return reply, nil
}

// VerifyMAC2 checks the trailing MAC2 of a raw handshake message against
// the cookie this checker would currently mint for srcAddr. Used by a
// responder under load to decide whether an initiation already carries a
// valid cookie and may bypass the cookie challenge.
func (c *CookieChecker) VerifyMAC2(srcAddr, rawMsg []byte) bool {
	if len(rawMsg) < 32 {
		return false
	}
	cookie := c.MakeCookie(srcAddr)
	expected := crypto.KeyedMAC16(cookie[:], rawMsg[:len(rawMsg)-16])
	return crypto.ConstantTimeEqual(expected[:], rawMsg[len(rawMsg)-16:])
}

// CookieGenerator is held by an initiator. It remembers the most recent
// cookie handed to it by a responder's CookieReply and uses it to compute
// MAC2 on subsequent initiations to that peer.
type CookieGenerator struct {
	mu         sync.Mutex
	cookie     [16]byte
	have       bool
	receivedAt time.Time
}

// ConsumeReply decrypts reply under the responder's static public key,
// using lastMAC1 (the MAC1 value of the initiation this reply answers) as
// the AEAD associated data. On success the decrypted cookie is stored for
// use in future MAC2 computations.
func (g *CookieGenerator) ConsumeReply(reply *CookieReply, responderStatic [32]byte, lastMAC1 [16]byte) error {
	key := cookieKey(responderStatic)
	plain, err := crypto.XAEADOpen(nil, key[:], reply.Nonce, reply.Cookie[:], lastMAC1[:])
	if err != nil {
		return err
	}

	g.mu.Lock()
	copy(g.cookie[:], plain)
	g.have = true
	g.receivedAt = time.Now()
	g.mu.Unlock()
	return nil
}

// MAC2Key returns the cookie to use as the keying material for MAC2 on the
// next outgoing message, or nil if no (still-fresh) cookie is held.
func (g *CookieGenerator) MAC2Key() *[16]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.have || time.Since(g.receivedAt) > CookieMaxAge {
		return nil
	}
	cookie := g.cookie
	return &cookie
}
