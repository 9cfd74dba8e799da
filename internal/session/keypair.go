package session

import (
	"sync/atomic"
	"time"

	"github.com/kuuji/ironveil/internal/noise"
)

// Keypair is one generation of transport session keys, valid until it is
// retired by message count, age, or superseded by a rekey.
type Keypair struct {
	Send, Recv  [32]byte
	sendCounter uint64 // atomic
	Replay      ReplayFilter
	CreatedAt   time.Time
	IsInitiator bool
	LocalIndex  uint32
	RemoteIndex uint32
}

// NextSendCounter atomically allocates the next transport counter value
// for an outbound packet under this keypair.
func (kp *Keypair) NextSendCounter() uint64 {
	return atomic.AddUint64(&kp.sendCounter, 1) - 1
}

// SendCounter returns how many send counters have been allocated (the
// value NextSendCounter would return next), without allocating a new one -- used by the rekey-after-messages timer check.
func (kp *Keypair) SendCounter() uint64 {
	return atomic.LoadUint64(&kp.sendCounter)
}

// Expired reports whether kp has exceeded the message-count or wall-clock
// limits past which it must never be used again (spec §4.C / §8 universal
// invariants).
func (kp *Keypair) Expired() bool {
	if kp.SendCounter() >= RejectAfterMessages {
		return true
	}
	return time.Since(kp.CreatedAt) >= RejectAfterTime
}

// NeedsRekey reports whether this keypair has been used enough (by
// sent-message count; received messages are not counted) or, on the
// initiator side, is old enough that a new
// handshake should be initiated proactively, before Expired forces a
// hard cutover.
func (kp *Keypair) NeedsRekey() bool {
	if kp.SendCounter() > RekeyAfterMessages {
		return true
	}
	if kp.IsInitiator && time.Since(kp.CreatedAt) > RekeyAfterTime {
		return true
	}
	return false
}

// KeypairSet holds the (at most) three live generations of transport
// keys for a peer: the one in active use, the one it replaced (kept
// briefly so in-flight packets under it still decrypt), and the one
// prepared by a not-yet-confirmed responder handshake.
//
// This mirrors wireguard-go's Current/Previous/Next slots, adapted from
// an atomic-pointer-swap design (needed there because multiple goroutines
// touch a peer's keys concurrently) to plain fields guarded by the
// caller's single-threaded cooperative loop (spec §5).
type KeypairSet struct {
	Current, Previous, Next *Keypair
}

// Insert installs newly derived session keys into the set. An
// initiator-side result (from ConsumeResponse) is immediately promoted to
// Current, since the initiator is, by construction, the first to send
// under it. A responder-side result (from CreateResponse) is staged in
// Next and only promoted once ReceivedWithKeypair confirms the initiator
// has actually switched to sending with it.
func (ks *KeypairSet) Insert(keys noise.SessionKeys) *Keypair {
	kp := &Keypair{
		Send:        keys.Send,
		Recv:        keys.Recv,
		CreatedAt:   time.Now(),
		IsInitiator: keys.IsInitiator,
		LocalIndex:  keys.LocalIndex,
		RemoteIndex: keys.RemoteIndex,
	}

	if keys.IsInitiator {
		ks.Previous = ks.Current
		ks.Current = kp
		ks.Next = nil
	} else {
		ks.Next = kp
	}
	return kp
}

// ReceivedWithKeypair reports that an authenticated transport packet was
// just received under kp. If kp is the staged Next keypair, this
// confirms the initiator has switched over: Next is promoted to Current,
// the old Current demoted to Previous (discarding whatever was there),
// and Next cleared.
func (ks *KeypairSet) ReceivedWithKeypair(kp *Keypair) {
	if ks.Next == nil || kp != ks.Next {
		return
	}
	ks.Previous = ks.Current
	ks.Current = ks.Next
	ks.Next = nil
}

// ByLocalIndex returns whichever of Current/Previous/Next carries the
// given local index, used to dispatch an inbound transport packet to
// the right keypair before its AEAD tag is even checked.
func (ks *KeypairSet) ByLocalIndex(index uint32) *Keypair {
	switch {
	case ks.Current != nil && ks.Current.LocalIndex == index:
		return ks.Current
	case ks.Previous != nil && ks.Previous.LocalIndex == index:
		return ks.Previous
	case ks.Next != nil && ks.Next.LocalIndex == index:
		return ks.Next
	}
	return nil
}
