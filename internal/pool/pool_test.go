package pool

import (
	"bytes"
	"crypto/rand"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/ironveil/internal/crypto"
	"github.com/kuuji/ironveil/internal/iceagent"
)

var (
	addrA  = netip.MustParseAddrPort("192.0.2.1:51820")
	addrB  = netip.MustParseAddrPort("192.0.2.2:51820")
	localA = netip.MustParseAddrPort("10.0.0.1:51820")
	localB = netip.MustParseAddrPort("10.0.0.2:51820")
)

// testPools builds two pools negotiated with each other over a direct
// path, skipping ICE (the tunnels are wired to fixed remote sockets, the
// way a nomination would).
func testPools(t *testing.T) (a, b *Pool) {
	t.Helper()

	aPriv, err := crypto.NewPrivateKey(rand.Read)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	bPriv, err := crypto.NewPrivateKey(rand.Read)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	a = New(Config{PrivateKey: aPriv, LocalPort: 51820})
	b = New(Config{PrivateKey: bPriv, LocalPort: 51820})

	var sessionKey [32]byte
	rand.Read(sessionKey[:])

	now := time.Now()
	connAB, err := a.newNegotiated("b", newTestAgent(t, true, localA), b.publicKey, sessionKey, nil, nil, now)
	if err != nil {
		t.Fatalf("a->b connection: %v", err)
	}
	connBA, err := b.newNegotiated("a", newTestAgent(t, false, localB), a.publicKey, sessionKey, nil, nil, now)
	if err != nil {
		t.Fatalf("b->a connection: %v", err)
	}

	connAB.remote = RemoteSocket{Kind: RemoteDirect, Src: localA, Dst: addrB}
	connAB.hasRemote = true
	connBA.remote = RemoteSocket{Kind: RemoteDirect, Src: localB, Dst: addrA}
	connBA.hasRemote = true
	return a, b
}

func newTestAgent(t *testing.T, controlling bool, local netip.AddrPort) *iceagent.Agent {
	t.Helper()
	agent, err := iceagent.New(iceagent.Config{Controlling: controlling, LocalAddr: local})
	if err != nil {
		t.Fatalf("creating ICE agent: %v", err)
	}
	t.Cleanup(func() { agent.Close() })
	return agent
}

// shuttle completes the Noise handshake between the two pools by
// carrying buffered datagrams back and forth.
func shuttle(t *testing.T, a, b *Pool) {
	t.Helper()
	now := time.Now()

	// a's first Encapsulate has no session: it emits an initiation
	// through the tunnel and drops the payload.
	tr, err := a.Encapsulate("b", []byte{0x45, 0, 0, 0}, now)
	if err != nil {
		t.Fatalf("initial encapsulate: %v", err)
	}
	if tr == nil {
		t.Fatal("no initiation emitted")
	}

	if _, err := b.Decapsulate(localB, addrA, tr.Payload, now); err != nil {
		t.Fatalf("b handling initiation: %v", err)
	}
	if len(b.buffered) != 1 {
		t.Fatalf("b buffered %d transmits, want 1 (the response)", len(b.buffered))
	}
	resp := b.buffered[0]
	b.buffered = nil

	if _, err := a.Decapsulate(localA, addrB, resp.Payload, now); err != nil {
		t.Fatalf("a handling response: %v", err)
	}
}

func TestPoolHandshakeAndTransport(t *testing.T) {
	t.Parallel()

	a, b := testPools(t)
	shuttle(t, a, b)

	now := time.Now()
	payload := []byte{0x45, 0, 0, 20, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 1, 10, 0, 0, 2}

	tr, err := a.Encapsulate("b", payload, now)
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	if tr == nil {
		t.Fatal("no transport datagram")
	}
	if tr.Dst != addrB || tr.Src != localA {
		t.Errorf("transmit addressing: src=%v dst=%v", tr.Src, tr.Dst)
	}

	plaintext, err := b.Decapsulate(localB, addrA, tr.Payload, now)
	if err != nil {
		t.Fatalf("decapsulate: %v", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Error("roundtrip payload mismatch")
	}
}

func TestPoolRoamingFollowsNewSource(t *testing.T) {
	t.Parallel()

	a, b := testPools(t)
	shuttle(t, a, b)
	now := time.Now()

	// One a→b transport packet first, so b's responder-side keypair is
	// confirmed and b can send transport data of its own.
	tr0, err := a.Encapsulate("b", []byte{0x45, 0, 0, 0}, now)
	if err != nil || tr0 == nil {
		t.Fatalf("confirming packet: tr=%v err=%v", tr0, err)
	}
	if _, err := b.Decapsulate(localB, addrA, tr0.Payload, now); err != nil {
		t.Fatalf("b confirming decapsulate: %v", err)
	}

	// b sends transport data, but it arrives at a from a new address
	// (the peer roamed). a must accept it (possible socket) and then
	// send its next packet to the new address.
	roamed := netip.MustParseAddrPort("198.51.100.77:40000")
	a.conns["b"].possibleSockets[roamed] = struct{}{}

	tr, err := b.Encapsulate("a", []byte{0x45, 1, 2, 3}, now)
	if err != nil || tr == nil {
		t.Fatalf("b encapsulate: tr=%v err=%v", tr, err)
	}
	if _, err := a.Decapsulate(localA, roamed, tr.Payload, now); err != nil {
		t.Fatalf("a decapsulate from roamed source: %v", err)
	}

	conn := a.conns["b"]
	if !conn.hasRemote || conn.remote.Dst != roamed || conn.remote.Kind != RemoteDirect {
		t.Fatalf("remote socket after roam: %+v", conn.remote)
	}

	// The very next outbound packet follows the new path.
	out, err := a.Encapsulate("b", []byte{0x45, 9, 9, 9}, now)
	if err != nil || out == nil {
		t.Fatalf("a encapsulate after roam: %v", err)
	}
	if out.Dst != roamed {
		t.Errorf("outbound dst after roam: got %v, want %v", out.Dst, roamed)
	}
}

func TestPoolUnmatchedPacket(t *testing.T) {
	t.Parallel()

	a, _ := testPools(t)
	stranger := netip.MustParseAddrPort("203.0.113.200:1234")

	// A transport message from a source no connection accepts.
	pkt := []byte{4, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if _, err := a.Decapsulate(localA, stranger, pkt, time.Now()); !errors.Is(err, ErrUnmatchedPacket) {
		t.Errorf("stranger packet: got %v, want ErrUnmatchedPacket", err)
	}
}

func TestPoolUnknownInterfaceForSTUN(t *testing.T) {
	t.Parallel()

	a, _ := testPools(t)
	a.AddLocalInterface(localA.Addr(), time.Now())

	// Minimal STUN binding request bytes (header only).
	stun := make([]byte, 20)
	stun[0] = 0x00
	stun[1] = 0x01
	stun[4], stun[5], stun[6], stun[7] = 0x21, 0x12, 0xA4, 0x42

	unknown := netip.MustParseAddrPort("172.16.0.9:51820")
	if _, err := a.Decapsulate(unknown, addrB, stun, time.Now()); !errors.Is(err, ErrUnknownInterface) {
		t.Errorf("unknown interface: got %v, want ErrUnknownInterface", err)
	}
}

func TestPoolEncapsulateUnknownConnection(t *testing.T) {
	t.Parallel()

	a, _ := testPools(t)
	if _, err := a.Encapsulate("nobody", []byte{0x45}, time.Now()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("unknown id: got %v, want ErrNotConnected", err)
	}
}

func TestIndexAllocatorSplitsFamilies(t *testing.T) {
	t.Parallel()

	var key [32]byte
	rand.Read(key[:])
	p := New(Config{PrivateKey: key})

	allocA := p.nextIndexAllocator()
	allocB := p.nextIndexAllocator()

	a0, a1, a2 := allocA(), allocA(), allocA()
	b0 := allocB()

	// The low byte cycles per session within one family.
	if a0>>8 != a1>>8 || a1>>8 != a2>>8 {
		t.Error("indices from one connection are not in one family")
	}
	if a0&0xFF != 0 || a1&0xFF != 1 || a2&0xFF != 2 {
		t.Errorf("session counter: got %d,%d,%d", a0&0xFF, a1&0xFF, a2&0xFF)
	}
	// Different connections get different families.
	if a0>>8 == b0>>8 {
		t.Error("two connections share an index family")
	}
}

func TestIndexAllocatorLowByteWraps(t *testing.T) {
	t.Parallel()

	var key [32]byte
	rand.Read(key[:])
	p := New(Config{PrivateKey: key})
	alloc := p.nextIndexAllocator()

	first := alloc()
	for i := 0; i < 255; i++ {
		alloc()
	}
	wrapped := alloc()
	if wrapped != first {
		t.Errorf("low byte did not wrap within the family: first=%#x wrapped=%#x", first, wrapped)
	}
}

func TestBufferedTransmitsAreBounded(t *testing.T) {
	t.Parallel()

	var key [32]byte
	rand.Read(key[:])
	p := New(Config{PrivateKey: key})

	for i := 0; i < maxBufferedTransmits+8; i++ {
		p.bufferTransmit(Transmit{Dst: addrB, Payload: []byte{byte(i)}})
	}
	if len(p.buffered) != maxBufferedTransmits {
		t.Fatalf("buffer length: got %d, want %d", len(p.buffered), maxBufferedTransmits)
	}
	// The oldest entries were dropped.
	if p.buffered[0].Payload[0] != 8 {
		t.Errorf("oldest surviving payload: got %d, want 8", p.buffered[0].Payload[0])
	}
}

func TestAddrPortBytes(t *testing.T) {
	t.Parallel()

	b4 := addrPortBytes(netip.MustParseAddrPort("192.0.2.10:34567"))
	if len(b4) != 6 {
		t.Fatalf("v4 serialisation length: got %d, want 6", len(b4))
	}
	if b4[4] != byte(34567>>8) || b4[5] != byte(34567&0xFF) {
		t.Error("port bytes wrong")
	}

	b6 := addrPortBytes(netip.MustParseAddrPort("[2001:db8::1]:443"))
	if len(b6) != 18 {
		t.Fatalf("v6 serialisation length: got %d, want 18", len(b6))
	}
}

func TestCookieChallengeUnderLoad(t *testing.T) {
	t.Parallel()

	a, b := testPools(t)
	now := time.Now()

	// Put b's limiter under load so it challenges instead of responding.
	for i := 0; i < 500; i++ {
		b.limiter.Allow("203.0.113.66:1")
	}
	if !b.limiter.UnderLoad() {
		t.Fatal("limiter not under load after flood")
	}

	tr, err := a.Encapsulate("b", []byte{0x45, 0, 0, 0}, now)
	if err != nil || tr == nil {
		t.Fatalf("initiation: tr=%v err=%v", tr, err)
	}
	if _, err := b.Decapsulate(localB, addrA, tr.Payload, now); err != nil {
		t.Fatalf("b handling initiation: %v", err)
	}
	if len(b.buffered) != 1 {
		t.Fatalf("b buffered %d transmits, want 1 (the cookie reply)", len(b.buffered))
	}
	reply := b.buffered[0]
	b.buffered = nil
	if typ := reply.Payload[0]; typ != 3 {
		t.Fatalf("challenged reply type: got %d, want 3 (cookie reply)", typ)
	}

	// a consumes the cookie and retries with a valid MAC2; b accepts
	// despite still being under load and answers with a real response.
	if _, err := a.Decapsulate(localA, addrB, reply.Payload, now); err != nil {
		t.Fatalf("a handling cookie reply: %v", err)
	}
	retryOutcome := a.conns["b"].tunn.InitiateHandshake(now)
	if _, err := b.Decapsulate(localB, addrA, retryOutcome.Packet, now); err != nil {
		t.Fatalf("b handling cookied initiation: %v", err)
	}
	if len(b.buffered) != 1 {
		t.Fatalf("b buffered %d transmits, want 1 (the response)", len(b.buffered))
	}
	if typ := b.buffered[0].Payload[0]; typ != 2 {
		t.Errorf("reply to cookied initiation: type %d, want 2 (response)", typ)
	}
}

func TestRemoveConnectionDiscardsState(t *testing.T) {
	t.Parallel()

	a, b := testPools(t)
	shuttle(t, a, b)

	a.RemoveConnection("b")
	if _, err := a.Encapsulate("b", []byte{0x45}, time.Now()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("after removal: got %v, want ErrNotConnected", err)
	}
}
