package stunclient

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/ironveil/internal/wireformat"
)

var (
	stunServer = netip.MustParseAddrPort("198.51.100.20:3478")
	reflexive  = netip.MustParseAddrPort("192.0.2.10:34567")
)

func respondTo(t *testing.T, b *Binding, mapped netip.AddrPort) {
	t.Helper()
	raw, ok := b.PollTransmit()
	if !ok {
		t.Fatal("no pending binding request")
	}
	req, err := wireformat.Parse(raw)
	if err != nil {
		t.Fatalf("parsing request: %v", err)
	}
	if req.Method != wireformat.MethodBinding || req.Class != wireformat.ClassRequest {
		t.Fatalf("unexpected request: method=%#x class=%d", req.Method, req.Class)
	}

	resp := wireformat.NewBuilder(wireformat.MethodBinding, wireformat.ClassSuccessResponse, req.TransactionID).
		AddXORAddress(wireformat.AttrXORMappedAddress, wireformat.XORAddress{
			IP:   mapped.Addr().AsSlice(),
			Port: int(mapped.Port()),
		}).
		Build(nil)
	if !b.AcceptsPacket(stunServer, resp) {
		t.Fatal("binding rejects its own response")
	}
	b.HandlePacket(stunServer, resp)
}

func TestBindingLearnsReflexiveAddress(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := NewBinding(stunServer, now, nil)
	respondTo(t, b, reflexive)

	got, ok := b.MappedAddress()
	if !ok || got != reflexive {
		t.Fatalf("mapped: %v ok=%v", got, ok)
	}
	candidate, ok := b.PollCandidate()
	if !ok || candidate != reflexive {
		t.Fatalf("candidate: %v ok=%v", candidate, ok)
	}
	// The candidate is signalled once, not repeatedly.
	if _, ok := b.PollCandidate(); ok {
		t.Error("candidate emitted twice")
	}
}

func TestBindingReprobesOnSchedule(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := NewBinding(stunServer, now, nil)
	respondTo(t, b, reflexive)

	deadline := b.PollTimeout()
	if want := now.Add(refreshInterval); !deadline.Equal(want) {
		t.Fatalf("poll timeout: got %v, want %v", deadline, want)
	}

	b.HandleTimeout(deadline)
	if _, ok := b.PollTransmit(); !ok {
		t.Fatal("no re-probe after refresh interval")
	}
}

func TestBindingRetransmitsOnTimeout(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := NewBinding(stunServer, now, nil)
	if _, ok := b.PollTransmit(); !ok {
		t.Fatal("no initial request")
	}

	// No response: the request times out and is retransmitted.
	b.HandleTimeout(now.Add(requestTimeout))
	if _, ok := b.PollTransmit(); !ok {
		t.Fatal("no retransmit after request timeout")
	}
}

func TestBindingSignalsChangedAddress(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := NewBinding(stunServer, now, nil)
	respondTo(t, b, reflexive)
	b.PollCandidate()

	// Roaming: the next probe sees a different reflexive address.
	b.Refresh(now.Add(time.Minute))
	moved := netip.MustParseAddrPort("192.0.2.99:40000")
	respondTo(t, b, moved)

	candidate, ok := b.PollCandidate()
	if !ok || candidate != moved {
		t.Fatalf("changed candidate: %v ok=%v", candidate, ok)
	}
}

func TestBindingIgnoresForeignPackets(t *testing.T) {
	t.Parallel()

	b := NewBinding(stunServer, time.Now(), nil)
	b.PollTransmit()

	other := netip.MustParseAddrPort("203.0.113.1:3478")
	var txID [12]byte
	resp := wireformat.NewBuilder(wireformat.MethodBinding, wireformat.ClassSuccessResponse, txID).Build(nil)

	if b.AcceptsPacket(other, resp) {
		t.Error("accepted packet from the wrong server")
	}
	if b.AcceptsPacket(stunServer, resp) {
		t.Error("accepted response with the wrong transaction id")
	}
	if b.AcceptsPacket(stunServer, []byte("not stun")) {
		t.Error("accepted non-STUN payload")
	}
}
