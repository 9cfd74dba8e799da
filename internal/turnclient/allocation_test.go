package turnclient

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/ironveil/internal/wireformat"
)

var (
	relayServer = netip.MustParseAddrPort("198.51.100.1:3478")
	relayAddr   = netip.MustParseAddrPort("198.51.100.1:49152")
	peerAddr    = netip.MustParseAddrPort("203.0.113.5:5555")
)

// nextRequest pops the allocation's next transmit and parses it.
func nextRequest(t *testing.T, a *Allocation) ([]byte, wireformat.Message) {
	t.Helper()
	raw, ok := a.PollTransmit()
	if !ok {
		t.Fatal("no pending transmit")
	}
	msg, err := wireformat.Parse(raw)
	if err != nil {
		t.Fatalf("parsing request: %v", err)
	}
	return raw, msg
}

// grantAllocation walks a fresh Allocation through the 401 challenge and
// a successful authenticated Allocate.
func grantAllocation(t *testing.T, a *Allocation, now time.Time) {
	t.Helper()

	_, first := nextRequest(t, a)
	if first.Method != wireformat.MethodAllocate {
		t.Fatalf("first request method: %#x", first.Method)
	}
	if first.GetUsername() != "" {
		t.Fatal("first allocate should be unauthenticated")
	}

	// 401 with realm and nonce.
	unauth := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassErrorResponse, first.TransactionID).
		AddErrorCode(401, "Unauthorized").
		AddRealm("firezone").
		AddNonce("nonce-0").
		Build(nil)
	if !a.HandlePacket(relayServer, unauth, now) {
		t.Fatal("401 not consumed")
	}

	_, retry := nextRequest(t, a)
	if retry.GetUsername() == "" || retry.GetRealm() != "firezone" || retry.GetNonce() != "nonce-0" {
		t.Fatal("retry is missing credentials")
	}

	success := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassSuccessResponse, retry.TransactionID).
		AddXORAddress(wireformat.AttrXORRelayedAddress, wireformat.XORAddress{
			IP:   relayAddr.Addr().AsSlice(),
			Port: int(relayAddr.Port()),
		}).
		AddXORAddress(wireformat.AttrXORMappedAddress, wireformat.XORAddress{
			IP:   []byte{192, 0, 2, 10},
			Port: 34567,
		}).
		AddLifetime(600).
		Build(nil)
	if !a.HandlePacket(relayServer, success, now) {
		t.Fatal("success response not consumed")
	}
	if !a.Active() {
		t.Fatal("allocation not active after success")
	}
}

// confirmChannelBind answers the allocation's outstanding ChannelBind.
func confirmChannelBind(t *testing.T, a *Allocation, now time.Time) uint16 {
	t.Helper()
	_, bind := nextRequest(t, a)
	if bind.Method != wireformat.MethodChannelBind {
		t.Fatalf("expected ChannelBind, got %#x", bind.Method)
	}
	ch := bind.GetChannelNumber()
	if ch < wireformat.ChannelNumberMin || ch > wireformat.ChannelNumberMax {
		t.Fatalf("channel number %#x out of range", ch)
	}
	ack := wireformat.NewBuilder(wireformat.MethodChannelBind, wireformat.ClassSuccessResponse, bind.TransactionID).
		Build(nil)
	if !a.HandlePacket(relayServer, ack, now) {
		t.Fatal("bind ack not consumed")
	}
	return ch
}

func TestAllocationLongTermCredentialFlow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := NewAllocation(relayServer, "12345:device", "password", now, nil)
	grantAllocation(t, a, now)

	if got := a.RelayAddresses(); len(got) != 1 || got[0] != relayAddr {
		t.Errorf("relay addresses: %v", got)
	}
	candidate, ok := a.PollCandidate()
	if !ok || candidate != relayAddr {
		t.Errorf("candidate: %v ok=%v", candidate, ok)
	}
}

func TestAllocationChannelFraming(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := NewAllocation(relayServer, "12345:device", "password", now, nil)
	grantAllocation(t, a, now)

	a.BindChannel(peerAddr, now)
	ch := confirmChannelBind(t, a, now)
	if !a.HasChannel(peerAddr) {
		t.Fatal("channel not confirmed")
	}

	// Zero-copy framing: payload at offset 4, header written in front.
	payload := []byte("wireguard-bytes")
	buf := make([]byte, ChannelDataHeaderSize+len(payload))
	copy(buf[ChannelDataHeaderSize:], payload)
	n, ok := a.EncodeHeader(peerAddr, buf)
	if !ok || n != len(buf) {
		t.Fatalf("EncodeHeader: n=%d ok=%v", n, ok)
	}

	cd, err := wireformat.ParseChannelData(buf[:n])
	if err != nil {
		t.Fatalf("parsing framed data: %v", err)
	}
	if cd.ChannelNumber != ch || !bytes.Equal(cd.Data, payload) {
		t.Error("framed data mismatch")
	}

	// Inbound channel-data from the relay unwraps to the peer.
	inbound := wireformat.BuildChannelData(ch, []byte("reply"))
	peer, inner, relay, ok := a.Decapsulate(relayServer, inbound)
	if !ok {
		t.Fatal("inbound channel-data not recognised")
	}
	if peer != peerAddr || relay != relayServer || string(inner) != "reply" {
		t.Errorf("decapsulate: peer=%v relay=%v inner=%q", peer, relay, inner)
	}

	// Channel-data from anywhere else is not ours.
	if _, _, _, ok := a.Decapsulate(peerAddr, inbound); ok {
		t.Error("channel-data from non-server source consumed")
	}
}

func TestEncodeHeaderWithoutChannelFails(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := NewAllocation(relayServer, "u", "p", now, nil)
	grantAllocation(t, a, now)

	buf := make([]byte, ChannelDataHeaderSize+4)
	if _, ok := a.EncodeHeader(peerAddr, buf); ok {
		t.Error("framing succeeded with no channel bound")
	}
}

func TestAllocationStaleNonceRetry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := NewAllocation(relayServer, "u", "p", now, nil)
	grantAllocation(t, a, now)

	// Force a refresh and answer it with 438.
	a.HandleTimeout(now.Add(8 * time.Minute)) // past 75% of the 600s lifetime
	_, refreshReq := nextRequest(t, a)
	if refreshReq.Method != wireformat.MethodRefresh {
		t.Fatalf("expected Refresh, got %#x", refreshReq.Method)
	}

	stale := wireformat.NewBuilder(wireformat.MethodRefresh, wireformat.ClassErrorResponse, refreshReq.TransactionID).
		AddErrorCode(438, "Stale Nonce").
		AddNonce("nonce-1").
		Build(nil)
	if !a.HandlePacket(relayServer, stale, now.Add(8*time.Minute)) {
		t.Fatal("438 not consumed")
	}

	_, retry := nextRequest(t, a)
	if retry.Method != wireformat.MethodRefresh || retry.GetNonce() != "nonce-1" {
		t.Errorf("retry nonce: got %q, want nonce-1", retry.GetNonce())
	}
	if !a.Active() {
		t.Error("allocation failed on a single stale nonce")
	}
}

func TestAllocationReleaseSendsZeroLifetime(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := NewAllocation(relayServer, "u", "p", now, nil)
	grantAllocation(t, a, now)

	a.Release(now)
	_, release := nextRequest(t, a)
	if release.Method != wireformat.MethodRefresh {
		t.Fatalf("expected Refresh, got %#x", release.Method)
	}
	if release.GetAttr(wireformat.AttrLifetime) == nil || release.GetLifetime() != 0 {
		t.Error("release does not carry lifetime 0")
	}

	ack := wireformat.NewBuilder(wireformat.MethodRefresh, wireformat.ClassSuccessResponse, release.TransactionID).
		AddLifetime(0).
		Build(nil)
	a.HandlePacket(relayServer, ack, now)
	if a.Active() {
		t.Error("allocation still active after release")
	}
}
