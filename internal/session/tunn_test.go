package session

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/kuuji/ironveil/internal/crypto"
	"github.com/kuuji/ironveil/internal/noise"
)

// testTunnels builds a connected pair of Tunns and completes the
// handshake between them, so transport tests start from a live session.
func testTunnels(t *testing.T) (initiator, responder *Tunn) {
	t.Helper()

	aPriv, err := crypto.NewPrivateKey(rand.Read)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	bPriv, err := crypto.NewPrivateKey(rand.Read)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	var psk [32]byte
	rand.Read(psk[:])

	var aIdx, bIdx uint32
	initiator, err = NewTunn(noise.Params{
		LocalStaticPrivate: aPriv,
		LocalStaticPublic:  crypto.PublicKey(aPriv),
		RemoteStatic:       crypto.PublicKey(bPriv),
		PresharedKey:       psk,
	}, func() uint32 { aIdx++; return aIdx }, 0)
	if err != nil {
		t.Fatalf("initiator tunn: %v", err)
	}
	responder, err = NewTunn(noise.Params{
		LocalStaticPrivate: bPriv,
		LocalStaticPublic:  crypto.PublicKey(bPriv),
		RemoteStatic:       crypto.PublicKey(aPriv),
		PresharedKey:       psk,
	}, func() uint32 { bIdx += 10; return bIdx }, 0)
	if err != nil {
		t.Fatalf("responder tunn: %v", err)
	}

	completeHandshake(t, initiator, responder)
	return initiator, responder
}

func completeHandshake(t *testing.T, initiator, responder *Tunn) {
	t.Helper()

	out := initiator.InitiateHandshake(time.Now())
	if out.Kind != WriteToNetwork {
		t.Fatalf("initiation outcome: got %v, want WriteToNetwork", out.Kind)
	}

	initMsg, err := noise.ParseInitiation(out.Packet)
	if err != nil {
		t.Fatalf("parsing initiation: %v", err)
	}
	_, hash, chain, err := noise.IdentifyInitiation(initMsg,
		responder.handshake.Params().LocalStaticPrivate,
		responder.handshake.Params().LocalStaticPublic)
	if err != nil {
		t.Fatalf("identifying initiation: %v", err)
	}
	respWire, err := responder.HandleInitiation(initMsg, hash, chain)
	if err != nil {
		t.Fatalf("handling initiation: %v", err)
	}

	respMsg, err := noise.ParseResponse(respWire)
	if err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if err := initiator.HandleResponse(respMsg); err != nil {
		t.Fatalf("handling response: %v", err)
	}
}

func TestTransportRoundTrip(t *testing.T) {
	t.Parallel()

	initiator, responder := testTunnels(t)

	payload := []byte{0x45, 0, 0, 20, 1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0, 10, 0, 0, 1}

	out := initiator.Encapsulate(payload)
	if out.Kind != WriteToNetwork {
		t.Fatalf("encapsulate outcome: got %v, want WriteToNetwork", out.Kind)
	}

	in := responder.Decapsulate(out.Packet)
	if in.Kind != WriteToTunnelV4 {
		t.Fatalf("decapsulate outcome: got %v (err=%v), want WriteToTunnelV4", in.Kind, in.Err)
	}
	if !bytes.Equal(in.Packet, payload) {
		t.Error("roundtrip payload mismatch")
	}

	// And the reverse direction, confirming the responder's staged
	// keypair was promoted by the first receive.
	v6payload := append([]byte{0x60}, bytes.Repeat([]byte{0}, 39)...)
	back := responder.Encapsulate(v6payload)
	if back.Kind != WriteToNetwork {
		t.Fatalf("responder encapsulate: got %v, want WriteToNetwork", back.Kind)
	}
	got := initiator.Decapsulate(back.Packet)
	if got.Kind != WriteToTunnelV6 {
		t.Fatalf("initiator decapsulate: got %v, want WriteToTunnelV6", got.Kind)
	}
}

func TestTransportCounterReplayDropped(t *testing.T) {
	t.Parallel()

	initiator, responder := testTunnels(t)

	out := initiator.Encapsulate([]byte{0x45, 1, 2, 3})
	if out.Kind != WriteToNetwork {
		t.Fatalf("encapsulate: got %v", out.Kind)
	}
	packet := append([]byte(nil), out.Packet...)

	if in := responder.Decapsulate(packet); in.Kind != WriteToTunnelV4 {
		t.Fatalf("first delivery: got %v", in.Kind)
	}
	// The identical datagram again: silently dropped by the replay window.
	if in := responder.Decapsulate(packet); in.Kind != Done {
		t.Errorf("replayed delivery: got %v, want Done", in.Kind)
	}
}

func TestKeepaliveIsConsumedSilently(t *testing.T) {
	t.Parallel()

	initiator, responder := testTunnels(t)

	out := initiator.Encapsulate(nil)
	if out.Kind != WriteToNetwork {
		t.Fatalf("keepalive encapsulate: got %v", out.Kind)
	}
	if in := responder.Decapsulate(out.Packet); in.Kind != Done {
		t.Errorf("keepalive delivery: got %v, want Done", in.Kind)
	}
}

func TestEncapsulateWithoutSessionStartsHandshake(t *testing.T) {
	t.Parallel()

	aPriv, _ := crypto.NewPrivateKey(rand.Read)
	bPriv, _ := crypto.NewPrivateKey(rand.Read)
	var idx uint32
	tunn, err := NewTunn(noise.Params{
		LocalStaticPrivate: aPriv,
		LocalStaticPublic:  crypto.PublicKey(aPriv),
		RemoteStatic:       crypto.PublicKey(bPriv),
	}, func() uint32 { idx++; return idx }, 0)
	if err != nil {
		t.Fatalf("tunn: %v", err)
	}

	out := tunn.Encapsulate([]byte{0x45, 0, 0, 0})
	if out.Kind != WriteToNetwork {
		t.Fatalf("outcome: got %v, want WriteToNetwork", out.Kind)
	}
	if typ, _ := noise.MessageType(out.Packet); typ != noise.MessageTypeInitiation {
		t.Errorf("message type: got %d, want initiation", typ)
	}
	if tunn.HasSession() {
		t.Error("session reported before handshake completed")
	}
}

func TestUpdateTimersRetriesInitiation(t *testing.T) {
	t.Parallel()

	aPriv, _ := crypto.NewPrivateKey(rand.Read)
	bPriv, _ := crypto.NewPrivateKey(rand.Read)
	var idx uint32
	tunn, _ := NewTunn(noise.Params{
		LocalStaticPrivate: aPriv,
		LocalStaticPublic:  crypto.PublicKey(aPriv),
		RemoteStatic:       crypto.PublicKey(bPriv),
	}, func() uint32 { idx++; return idx }, 0)

	start := time.Now()
	if out := tunn.InitiateHandshake(start); out.Kind != WriteToNetwork {
		t.Fatalf("initiate: got %v", out.Kind)
	}

	// Before the rekey timeout: nothing to do.
	if out := tunn.UpdateTimers(start.Add(RekeyTimeout - time.Second)); out.Kind != Done {
		t.Fatalf("early tick: got %v, want Done", out.Kind)
	}
	// Past the rekey timeout: retransmit a fresh initiation.
	if out := tunn.UpdateTimers(start.Add(RekeyTimeout + time.Second)); out.Kind != WriteToNetwork {
		t.Fatalf("retry tick: got %v, want WriteToNetwork", out.Kind)
	}
	// Past the whole attempt window: give up.
	out := tunn.UpdateTimers(start.Add(RekeyAttemptTime + 2*time.Second))
	if out.Kind != OutcomeErr || out.Err != ErrConnectionExpired {
		t.Fatalf("expiry tick: got %v (%v), want ErrConnectionExpired", out.Kind, out.Err)
	}
}

func TestPersistentKeepaliveFires(t *testing.T) {
	t.Parallel()

	initiator, responder := testTunnels(t)
	_ = responder

	// Force the keepalive path by setting the interval after handshake.
	initiator.persistentKeepalive = 5 * time.Second

	out := initiator.UpdateTimers(time.Now().Add(10 * time.Second))
	if out.Kind != WriteToNetwork {
		t.Fatalf("keepalive tick: got %v, want WriteToNetwork", out.Kind)
	}
	if typ, _ := noise.MessageType(out.Packet); typ != noise.MessageTypeTransport {
		t.Errorf("keepalive message type: got %d, want transport", typ)
	}
}
