package noise

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/kuuji/ironveil/internal/crypto"
)

// Errors specific to handshake processing. Message parse/AEAD failures
// surface crypto.ErrInvalidAeadTag / crypto.ErrInvalidPacket directly.
var (
	ErrReplay       = errors.New("noise: stale or replayed handshake initiation")
	ErrWrongState   = errors.New("noise: handshake message received in the wrong state")
	ErrMACMismatch  = errors.New("noise: MAC1 verification failed")
	ErrUnknownIndex = errors.New("noise: response does not match any outstanding initiation")
)

// State is the handshake's current position in the IKpsk2 exchange. A
// Handshake only ever represents one exchange at a time; once a Response
// is created or consumed, session keys are handed off to the caller and
// the Handshake resets to Idle, ready for the next rekey.
type State int

const (
	StateIdle State = iota
	StateInitSent
	StateInitReceived
	StateExpired
)

// Params are the fixed, peer-scoped inputs to a Handshake: both static
// identities and the optional preshared key mixed in at the IKpsk2 step.
// PresharedKey is all-zero when the peer has none configured.
type Params struct {
	LocalStaticPrivate [32]byte
	LocalStaticPublic  [32]byte
	RemoteStatic       [32]byte
	PresharedKey       [32]byte
}

type initSentState struct {
	localIndex    uint32
	hash          [32]byte
	chainKey      [32]byte
	ephemeralPriv [32]byte
	sentAt        time.Time
}

type initReceivedState struct {
	hash          [32]byte
	chainKey      [32]byte
	peerEphemeral [32]byte
	peerIndex     uint32
}

// Handshake drives one peer's IKpsk2 exchange. It owns no socket and no
// timer; internal/session calls CreateInitiation/ConsumeResponse (or
// ConsumeInitiation/CreateResponse, on the other role) and is responsible
// for retransmission and rekey scheduling.
type Handshake struct {
	mu sync.Mutex

	params       Params
	staticStatic [32]byte // DH(LocalStaticPrivate, RemoteStatic), precomputed once

	state        State
	initSent     *initSentState
	initReceived *initReceivedState

	// previous retains the prior InitSent attempt for one generation, so a
	// Response to an initiation we've since superseded with a retry is
	// still accepted rather than silently dropped.
	previous *initSentState

	CookieGen CookieGenerator

	lastTimestampReceived Timestamp

	indexAllocator func() uint32
}

// NewHandshake constructs a Handshake for one peer, precomputing the
// static-static DH shared secret used on both the initiation and response
// legs of the exchange.
func NewHandshake(params Params, indexAllocator func() uint32) (*Handshake, error) {
	ss, err := crypto.DH(params.LocalStaticPrivate, params.RemoteStatic)
	if err != nil {
		return nil, err
	}
	return &Handshake{
		params:         params,
		staticStatic:   ss,
		indexAllocator: indexAllocator,
	}, nil
}

// Params returns the fixed peer-scoped parameters this handshake was
// built with.
func (h *Handshake) Params() Params {
	return h.params
}

// State returns the handshake's current state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// CreateInitiation builds a new Initiation message, moving the handshake
// to StateInitSent. Calling this while already InitSent supersedes the
// outstanding attempt (the old one is retained in `previous` for one
// generation) -- used for rekey-timeout retries.
func (h *Handshake) CreateInitiation() (*Initiation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hash := crypto.Hash(initialHash[:], h.params.RemoteStatic[:])
	chain := initialChainKey

	ephemeralPriv, err := crypto.NewPrivateKey(rand.Read)
	if err != nil {
		return nil, err
	}
	ephemeralPub := crypto.PublicKey(ephemeralPriv)

	chain = crypto.KDF1(chain[:], ephemeralPub[:])
	hash = crypto.Hash(hash[:], ephemeralPub[:])

	dh1, err := crypto.DH(ephemeralPriv, h.params.RemoteStatic)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	chain, key = crypto.KDF2(chain[:], dh1[:])

	staticCipher, err := crypto.AEADSeal(nil, key[:], 0, h.params.LocalStaticPublic[:], hash[:])
	if err != nil {
		return nil, err
	}
	hash = crypto.Hash(hash[:], staticCipher)

	chain, key = crypto.KDF2(chain[:], h.staticStatic[:])

	ts := Now()
	timestampCipher, err := crypto.AEADSeal(nil, key[:], 0, ts[:], hash[:])
	if err != nil {
		return nil, err
	}
	hash = crypto.Hash(hash[:], timestampCipher)

	localIndex := h.indexAllocator()

	msg := &Initiation{Sender: localIndex}
	copy(msg.Ephemeral[:], ephemeralPub[:])
	copy(msg.Static[:], staticCipher)
	copy(msg.Timestamp[:], timestampCipher)
	msg.MAC1 = computeMAC1(h.params.RemoteStatic, msg.macInput())
	msg.MAC2 = computeMAC2(h.CookieGen.MAC2Key(), append(append([]byte{}, msg.macInput()...), msg.MAC1[:]...))

	if h.state == StateInitSent {
		h.previous = h.initSent
	}
	h.state = StateInitSent
	h.initSent = &initSentState{
		localIndex:    localIndex,
		hash:          hash,
		chainKey:      chain,
		ephemeralPriv: ephemeralPriv,
		sentAt:        time.Now(),
	}
	return msg, nil
}

// VerifyMAC1 checks a message's MAC1 field against the key derived from
// localStaticPublic -- the static public key of whichever side is meant
// to receive the message. Both Initiation and Response messages are
// verified this way, since MAC1 is always keyed by the recipient's own
// static identity.
func VerifyMAC1(localStaticPublic [32]byte, macInput []byte, mac1 [16]byte) bool {
	expected := computeMAC1(localStaticPublic, macInput)
	return crypto.ConstantTimeEqual(expected[:], mac1[:])
}

// IdentifyInitiation performs the anonymous, read-only prefix of
// responder-side initiation processing: it decrypts the embedded static
// public key using only the local static private key, without mutating
// any per-peer Handshake state. The caller uses the returned remote
// static key to look up (or reject) the peer's Handshake object, then
// passes the returned hash/chain back into that Handshake's
// ConsumeInitiation to finish validation.
//
// This function does not check MAC1, MAC2, or the replay timestamp --
// callers must call VerifyMAC1 (and, under load, the CookieChecker)
// before invoking it, since decryption is wasted work for a message that
// fails those cheaper checks.
func IdentifyInitiation(msg *Initiation, localStaticPrivate, localStaticPublic [32]byte) (remoteStatic, hash, chainKey [32]byte, err error) {
	hash = crypto.Hash(initialHash[:], localStaticPublic[:])
	chain := initialChainKey

	chain = crypto.KDF1(chain[:], msg.Ephemeral[:])
	hash = crypto.Hash(hash[:], msg.Ephemeral[:])

	dh1, err := crypto.DH(localStaticPrivate, msg.Ephemeral)
	if err != nil {
		return remoteStatic, hash, chainKey, err
	}
	var key [32]byte
	chain, key = crypto.KDF2(chain[:], dh1[:])

	plain, err := crypto.AEADOpen(nil, key[:], 0, msg.Static[:], hash[:])
	if err != nil {
		return remoteStatic, hash, chainKey, err
	}
	copy(remoteStatic[:], plain)
	hash = crypto.Hash(hash[:], msg.Static[:])

	return remoteStatic, hash, chain, nil
}

// ConsumeInitiation finishes validating an Initiation whose sender has
// already been identified as this Handshake's peer (via
// IdentifyInitiation). It decrypts the embedded timestamp using the
// precomputed static-static secret, enforces the replay rule (the
// timestamp must be strictly newer than the last one accepted from this
// peer), and on success moves the handshake to StateInitReceived.
func (h *Handshake) ConsumeInitiation(msg *Initiation, hash, chainKey [32]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	chain, key := crypto.KDF2(chainKey[:], h.staticStatic[:])

	tsPlain, err := crypto.AEADOpen(nil, key[:], 0, msg.Timestamp[:], hash[:])
	if err != nil {
		return err
	}
	var ts Timestamp
	copy(ts[:], tsPlain)

	if !h.lastTimestampReceived.IsZero() && !ts.After(h.lastTimestampReceived) {
		return ErrReplay
	}

	newHash := crypto.Hash(hash[:], msg.Timestamp[:])

	h.lastTimestampReceived = ts
	h.state = StateInitReceived
	h.initReceived = &initReceivedState{
		hash:          newHash,
		chainKey:      chain,
		peerEphemeral: msg.Ephemeral,
		peerIndex:     msg.Sender,
	}
	return nil
}

// SessionKeys is the pair of transport keys derived at the end of a
// successful handshake, handed to internal/session to seed a Keypair.
type SessionKeys struct {
	Send, Recv  [32]byte
	LocalIndex  uint32
	RemoteIndex uint32
	IsInitiator bool
}

// CreateResponse builds the Response message for a peer whose Initiation
// has already been accepted by ConsumeInitiation, deriving the transport
// session keys in the same step and resetting the handshake to Idle.
func (h *Handshake) CreateResponse() (*Response, SessionKeys, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitReceived || h.initReceived == nil {
		return nil, SessionKeys{}, ErrWrongState
	}
	ir := h.initReceived

	ephemeralPriv, err := crypto.NewPrivateKey(rand.Read)
	if err != nil {
		return nil, SessionKeys{}, err
	}
	ephemeralPub := crypto.PublicKey(ephemeralPriv)

	chain := crypto.KDF1(ir.chainKey[:], ephemeralPub[:])
	hash := crypto.Hash(ir.hash[:], ephemeralPub[:])

	dh1, err := crypto.DH(ephemeralPriv, ir.peerEphemeral)
	if err != nil {
		return nil, SessionKeys{}, err
	}
	chain = crypto.KDF1(chain[:], dh1[:])

	dh2, err := crypto.DH(ephemeralPriv, h.params.RemoteStatic)
	if err != nil {
		return nil, SessionKeys{}, err
	}
	chain = crypto.KDF1(chain[:], dh2[:])

	var tau, key [32]byte
	chain, tau, key = crypto.KDF3(chain[:], h.params.PresharedKey[:])
	hash = crypto.Hash(hash[:], tau[:])

	empty, err := crypto.AEADSeal(nil, key[:], 0, nil, hash[:])
	if err != nil {
		return nil, SessionKeys{}, err
	}
	hash = crypto.Hash(hash[:], empty)

	localIndex := h.indexAllocator()

	msg := &Response{Sender: localIndex, Receiver: ir.peerIndex}
	copy(msg.Ephemeral[:], ephemeralPub[:])
	copy(msg.Empty[:], empty)
	msg.MAC1 = computeMAC1(h.params.RemoteStatic, msg.macInput())
	msg.MAC2 = computeMAC2(h.CookieGen.MAC2Key(), append(append([]byte{}, msg.macInput()...), msg.MAC1[:]...))

	t0, t1 := crypto.KDF2(chain[:], nil)

	h.resetLocked()

	return msg, SessionKeys{
		Send:        t1,
		Recv:        t0,
		LocalIndex:  localIndex,
		RemoteIndex: ir.peerIndex,
		IsInitiator: false,
	}, nil
}

// ConsumeResponse finishes the initiator side of the exchange: it
// verifies the Response's authentication tag, derives transport session
// keys, and resets the handshake to Idle.
func (h *Handshake) ConsumeResponse(msg *Response) (SessionKeys, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	is := h.initSent
	if h.state != StateInitSent || is == nil || msg.Receiver != is.localIndex {
		if h.previous != nil && msg.Receiver == h.previous.localIndex {
			is = h.previous
		} else {
			return SessionKeys{}, ErrUnknownIndex
		}
	}

	hash := crypto.Hash(is.hash[:], msg.Ephemeral[:])

	dh1, err := crypto.DH(is.ephemeralPriv, msg.Ephemeral)
	if err != nil {
		return SessionKeys{}, err
	}
	chain := crypto.KDF1(is.chainKey[:], dh1[:])

	dh2, err := crypto.DH(h.params.LocalStaticPrivate, msg.Ephemeral)
	if err != nil {
		return SessionKeys{}, err
	}
	chain = crypto.KDF1(chain[:], dh2[:])

	var tau, key [32]byte
	chain, tau, key = crypto.KDF3(chain[:], h.params.PresharedKey[:])
	hash = crypto.Hash(hash[:], tau[:])

	if _, err := crypto.AEADOpen(nil, key[:], 0, msg.Empty[:], hash[:]); err != nil {
		return SessionKeys{}, err
	}
	hash = crypto.Hash(hash[:], msg.Empty[:])

	t0, t1 := crypto.KDF2(chain[:], nil)

	localIndex := is.localIndex
	h.resetLocked()

	return SessionKeys{
		Send:        t0,
		Recv:        t1,
		LocalIndex:  localIndex,
		RemoteIndex: msg.Sender,
		IsInitiator: true,
	}, nil
}

// resetLocked clears handshake-scoped secrets and returns to StateIdle.
// Caller must hold h.mu.
func (h *Handshake) resetLocked() {
	if h.initSent != nil {
		crypto.SetZero(h.initSent.ephemeralPriv[:])
	}
	h.initSent = nil
	h.initReceived = nil
	h.previous = nil
	h.state = StateIdle
}

// Expire marks the handshake as abandoned (rekey-attempt timeout
// exceeded); the next CreateInitiation call starts fresh.
func (h *Handshake) Expire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked()
	h.state = StateExpired
}

// LastInitiationSentAt reports when the current outstanding initiation
// (if any) was created, for the session layer's rekey-timeout timer.
func (h *Handshake) LastInitiationSentAt() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initSent == nil {
		return time.Time{}, false
	}
	return h.initSent.sentAt, true
}
