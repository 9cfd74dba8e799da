package session

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/kuuji/ironveil/internal/crypto"
	"github.com/kuuji/ironveil/internal/noise"
)

// ErrUnknownReceiver is returned by Decapsulate when a transport packet's
// receiver index doesn't match any keypair this Tunn holds -- the caller
// should drop the packet, not tear anything down.
var ErrUnknownReceiver = errors.New("session: transport packet names an unknown receiver index")

// ErrConnectionExpired is returned by UpdateTimers once handshake
// attempts have gone unanswered for the whole rekey-attempt window; the
// owner should tear the connection down and let the signalling layer
// propose a fresh one.
var ErrConnectionExpired = errors.New("session: handshake attempts exhausted")

// OutcomeKind tags the variant of an Outcome. Go has no sum types, so the
// Tunn's encapsulate/decapsulate/update_timers calls return this instead
// of the enum spec §4.C describes, with Packet/Err populated only for the
// kinds that carry a payload.
type OutcomeKind int

const (
	Done OutcomeKind = iota
	WriteToNetwork
	WriteToTunnelV4
	WriteToTunnelV6
	OutcomeErr
)

// Outcome is the result of every Tunn operation: at most one of a wire
// packet to send, a plaintext packet to deliver to the local TUN, or an
// error to log and discard.
type Outcome struct {
	Kind   OutcomeKind
	Packet []byte
	Err    error
}

func doneOutcome() Outcome                 { return Outcome{Kind: Done} }
func errOutcome(err error) Outcome         { return Outcome{Kind: OutcomeErr, Err: err} }
func networkOutcome(packet []byte) Outcome { return Outcome{Kind: WriteToNetwork, Packet: packet} }

func tunnelOutcome(packet []byte) Outcome {
	if len(packet) > 0 && packet[0]>>4 == 6 {
		return Outcome{Kind: WriteToTunnelV6, Packet: packet}
	}
	return Outcome{Kind: WriteToTunnelV4, Packet: packet}
}

// Tunn is one peer's sans-IO tunnel: it owns the Noise handshake, the
// rotating transport keypairs, and the timers that decide when to rekey
// or send a keepalive. It never reads or writes a socket; internal/pool
// owns the datagrams and calls into this type.
type Tunn struct {
	mu sync.Mutex

	handshake *noise.Handshake
	keys      KeypairSet

	persistentKeepalive time.Duration

	lastInitiationMAC1 [16]byte
	rekeyCycleStart    time.Time

	lastSentAt     time.Time
	lastReceivedAt time.Time

	handshakeWanted bool
}

// NewTunn constructs a Tunn for one peer. persistentKeepalive of zero
// disables the persistent-keepalive timer (the default); a configured
// interval keeps NAT/firewall state alive even with no application
// traffic, per spec §4.C.
func NewTunn(params noise.Params, indexAllocator func() uint32, persistentKeepalive time.Duration) (*Tunn, error) {
	hs, err := noise.NewHandshake(params, indexAllocator)
	if err != nil {
		return nil, err
	}
	return &Tunn{
		handshake:           hs,
		persistentKeepalive: persistentKeepalive,
	}, nil
}

// InitiateHandshake forces a fresh handshake attempt, overriding whatever
// state the handshake was previously in. Used both for the first contact
// with a peer and for an application-triggered rekey.
func (t *Tunn) InitiateHandshake(now time.Time) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.beginHandshakeLocked(now)
}

func (t *Tunn) beginHandshakeLocked(now time.Time) Outcome {
	msg, err := t.handshake.CreateInitiation()
	if err != nil {
		return errOutcome(err)
	}
	t.lastInitiationMAC1 = msg.MAC1
	if t.rekeyCycleStart.IsZero() {
		t.rekeyCycleStart = now
	}
	t.handshakeWanted = false
	return networkOutcome(msg.Marshal())
}

// HandleInitiation finishes responder-side processing of an Initiation
// already identified as belonging to this peer by
// noise.IdentifyInitiation (which internal/pool calls first, since it
// alone can tell which peer's Tunn an anonymous initiation is for). It
// returns the wire bytes of the Response to send back.
func (t *Tunn) HandleInitiation(msg *noise.Initiation, hash, chainKey [32]byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.handshake.ConsumeInitiation(msg, hash, chainKey); err != nil {
		return nil, err
	}
	resp, keys, err := t.handshake.CreateResponse()
	if err != nil {
		return nil, err
	}
	t.keys.Insert(keys)
	return resp.Marshal(), nil
}

// HandleResponse finishes initiator-side processing of a Response to our
// outstanding Initiation, establishing the session.
func (t *Tunn) HandleResponse(msg *noise.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys, err := t.handshake.ConsumeResponse(msg)
	if err != nil {
		return err
	}
	t.keys.Insert(keys)
	t.rekeyCycleStart = time.Time{}
	return nil
}

// HandleCookieReply consumes a CookieReply answering our most recent
// initiation, so the next initiation we send carries a valid MAC2.
func (t *Tunn) HandleCookieReply(msg *noise.CookieReply, responderStatic [32]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshake.CookieGen.ConsumeReply(msg, responderStatic, t.lastInitiationMAC1)
}

// Encapsulate seals plaintext (a full IP packet, or nil/empty for a
// keepalive) under the current keypair, returning the wire transport
// message to send. If no session is established yet, it instead triggers
// a handshake and returns that message -- the plaintext is dropped and is
// not queued here or by internal/pool.
func (t *Tunn) Encapsulate(plaintext []byte) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encapsulateLocked(plaintext, time.Now())
}

func (t *Tunn) encapsulateLocked(plaintext []byte, now time.Time) Outcome {
	kp := t.keys.Current
	if kp == nil || kp.Expired() {
		t.keys.Current = nil
		return t.beginHandshakeLocked(now)
	}

	counter := kp.NextSendCounter()
	if counter >= RejectAfterMessages {
		t.keys.Current = nil
		return t.beginHandshakeLocked(now)
	}

	header := make([]byte, noise.TransportHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], noise.MessageTypeTransport)
	binary.LittleEndian.PutUint32(header[4:8], kp.RemoteIndex)
	binary.LittleEndian.PutUint64(header[8:16], counter)

	sealed, err := crypto.AEADSeal(header, kp.Send[:], counter, plaintext, nil)
	if err != nil {
		return errOutcome(err)
	}

	t.lastSentAt = now
	return networkOutcome(sealed)
}

// Decapsulate opens a transport-data wire message, returning its
// plaintext tagged with the IP version the caller should deliver it to.
// Handshake-type messages (Initiation/Response/CookieReply) are not
// handled here -- internal/pool demuxes those to HandleInitiation,
// HandleResponse, and HandleCookieReply, since routing an Initiation
// requires identifying its sender before any particular Tunn is known.
func (t *Tunn) Decapsulate(packet []byte) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decapsulateLocked(packet, time.Now())
}

func (t *Tunn) decapsulateLocked(packet []byte, now time.Time) Outcome {
	if len(packet) < noise.TransportHeaderSize {
		return errOutcome(crypto.ErrInvalidPacket)
	}
	if typ, ok := noise.MessageType(packet); !ok || typ != noise.MessageTypeTransport {
		return errOutcome(crypto.ErrInvalidPacket)
	}

	receiverIndex := binary.LittleEndian.Uint32(packet[4:8])
	counter := binary.LittleEndian.Uint64(packet[8:16])

	kp := t.keys.ByLocalIndex(receiverIndex)
	if kp == nil {
		return errOutcome(ErrUnknownReceiver)
	}
	if kp.Expired() {
		return doneOutcome()
	}
	if !kp.Replay.ValidateCounter(counter) {
		return doneOutcome()
	}

	plaintext, err := crypto.AEADOpen(nil, kp.Recv[:], counter, packet[noise.TransportHeaderSize:], nil)
	if err != nil {
		return errOutcome(err)
	}

	t.keys.ReceivedWithKeypair(kp)
	t.lastReceivedAt = now

	if len(plaintext) == 0 {
		return doneOutcome()
	}
	return tunnelOutcome(plaintext)
}

// TimeSinceLastReceived reports how long it has been since any transport
// data was received from this peer, and whether anything has been
// received yet at all.
func (t *Tunn) TimeSinceLastReceived() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastReceivedAt.IsZero() {
		return 0, false
	}
	return time.Since(t.lastReceivedAt), true
}

// UpdateTimers advances rekey and keepalive timers and returns whatever
// the caller needs to do as a result: start or retry a handshake, send a
// keepalive, or nothing (Done). It should be called periodically (the
// spec leaves the exact cadence to the caller; internal/pool polls every
// second, per DESIGN.md's resolution of the relevant Open Question).
func (t *Tunn) UpdateTimers(now time.Time) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if kp := t.keys.Current; kp != nil {
		if kp.Expired() {
			t.keys.Current = nil
		} else if kp.NeedsRekey() && t.handshake.State() == noise.StateIdle {
			return t.beginHandshakeLocked(now)
		}
	}

	switch t.handshake.State() {
	case noise.StateInitSent:
		if sentAt, ok := t.handshake.LastInitiationSentAt(); ok {
			if !t.rekeyCycleStart.IsZero() && now.Sub(t.rekeyCycleStart) > RekeyAttemptTime {
				t.handshake.Expire()
				t.rekeyCycleStart = time.Time{}
				return errOutcome(ErrConnectionExpired)
			}
			if now.Sub(sentAt) > RekeyTimeout {
				return t.beginHandshakeLocked(now)
			}
		}
		return doneOutcome()
	case noise.StateIdle, noise.StateExpired:
		if t.keys.Current == nil && t.handshakeWanted {
			return t.beginHandshakeLocked(now)
		}
	}

	if t.keys.Current == nil {
		return doneOutcome()
	}

	if t.persistentKeepalive > 0 && now.Sub(t.lastSentAt) >= t.persistentKeepalive {
		return t.encapsulateLocked(nil, now)
	}

	if !t.lastReceivedAt.IsZero() &&
		now.Sub(t.lastReceivedAt) < KeepaliveTimeout &&
		now.Sub(t.lastSentAt) >= KeepaliveTimeout {
		return t.encapsulateLocked(nil, now)
	}

	return doneOutcome()
}

// WantHandshake marks that a handshake should be initiated at the next
// UpdateTimers call once the current one (if any) finishes or times out --
// used by the pool when a connection is negotiated, so a handshake starts
// without waiting for outbound traffic.
func (t *Tunn) WantHandshake() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handshakeWanted = true
}

// HasSession reports whether a current transport keypair is installed.
func (t *Tunn) HasSession() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keys.Current != nil
}
