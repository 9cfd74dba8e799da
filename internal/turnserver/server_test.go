package turnserver

import (
	"crypto/rand"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/ironveil/internal/wireformat"
)

var (
	testClient = netip.MustParseAddrPort("192.0.2.10:34567")
	testPeer   = netip.MustParseAddrPort("203.0.113.5:5555")
	testSecret = "relay-shared-secret"
)

func newTestServer(t *testing.T, v6 bool) *Server {
	t.Helper()
	cfg := Config{
		AuthSecret: testSecret,
		AddrV4:     netip.MustParseAddr("198.51.100.1"),
	}
	if v6 {
		cfg.AddrV6 = netip.MustParseAddr("2001:db8::1")
	}
	s := New(cfg)
	// Deterministic port sampling: always the bottom of the range.
	s.pickPort = func(low, high uint16) uint16 { return low }
	return s
}

func drain(s *Server) []Command {
	var out []Command
	for {
		cmd, ok := s.NextCommand()
		if !ok {
			return out
		}
		out = append(out, cmd)
	}
}

func lastResponse(t *testing.T, cmds []Command) wireformat.Message {
	t.Helper()
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i].Kind == CommandSendMessage {
			msg, err := wireformat.Parse(cmds[i].Payload)
			if err != nil {
				t.Fatalf("parsing response: %v", err)
			}
			return msg
		}
	}
	t.Fatal("no SendMessage command emitted")
	return wireformat.Message{}
}

func errorCodeOf(t *testing.T, msg wireformat.Message) int {
	t.Helper()
	v := msg.GetAttr(wireformat.AttrErrorCode)
	if len(v) < 4 {
		t.Fatalf("message has no ERROR-CODE (class=%d)", msg.Class)
	}
	return int(v[2])*100 + int(v[3])
}

func txID(t *testing.T) [12]byte {
	t.Helper()
	var id [12]byte
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	return id
}

// validUsername mints a username/password pair the server accepts.
func validUsername(now time.Time) (username, password string) {
	username = fmt.Sprintf("%d:device-1", now.Add(time.Hour).Unix())
	return username, credentialPassword(testSecret, username)
}

// challenge performs the unauthenticated request and returns the nonce
// from the 401.
func challenge(t *testing.T, s *Server, now time.Time) string {
	t.Helper()
	req := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassRequest, txID(t)).
		AddRaw(wireformat.AttrRequestedTransport, []byte{17, 0, 0, 0}).
		Build(nil)
	s.HandleClientInput(req, testClient, now)
	resp := lastResponse(t, drain(s))
	if code := errorCodeOf(t, resp); code != 401 {
		t.Fatalf("challenge: got %d, want 401", code)
	}
	if resp.GetRealm() != DefaultRealm {
		t.Fatalf("challenge realm: got %q, want %q", resp.GetRealm(), DefaultRealm)
	}
	nonce := resp.GetNonce()
	if nonce == "" {
		t.Fatal("challenge carried no nonce")
	}
	return nonce
}

func allocate(t *testing.T, s *Server, nonce string, lifetime uint32, now time.Time, extra func(*wireformat.Builder)) []Command {
	t.Helper()
	username, password := validUsername(now)
	key := wireformat.DeriveAuthKey(username, DefaultRealm, password)
	b := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassRequest, txID(t)).
		AddRaw(wireformat.AttrRequestedTransport, []byte{17, 0, 0, 0}).
		AddLifetime(lifetime).
		AddUsername(username).
		AddRealm(DefaultRealm).
		AddNonce(nonce)
	if extra != nil {
		extra(b)
	}
	s.HandleClientInput(b.Build(key), testClient, now)
	return drain(s)
}

func bindChannel(t *testing.T, s *Server, nonce string, channel uint16, peer netip.AddrPort, now time.Time) []Command {
	t.Helper()
	username, password := validUsername(now)
	key := wireformat.DeriveAuthKey(username, DefaultRealm, password)
	req := wireformat.NewBuilder(wireformat.MethodChannelBind, wireformat.ClassRequest, txID(t)).
		AddChannelNumber(channel).
		AddXORAddress(wireformat.AttrXORPeerAddress, wireformat.XORAddress{
			IP:   peer.Addr().AsSlice(),
			Port: int(peer.Port()),
		}).
		AddUsername(username).
		AddRealm(DefaultRealm).
		AddNonce(nonce).
		Build(key)
	s.HandleClientInput(req, testClient, now)
	return drain(s)
}

func refresh(t *testing.T, s *Server, nonce string, lifetime uint32, now time.Time) []Command {
	t.Helper()
	username, password := validUsername(now)
	key := wireformat.DeriveAuthKey(username, DefaultRealm, password)
	req := wireformat.NewBuilder(wireformat.MethodRefresh, wireformat.ClassRequest, txID(t)).
		AddLifetime(lifetime).
		AddUsername(username).
		AddRealm(DefaultRealm).
		AddNonce(nonce).
		Build(key)
	s.HandleClientInput(req, testClient, now)
	return drain(s)
}

func TestBindingRequest(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()

	req := wireformat.NewBuilder(wireformat.MethodBinding, wireformat.ClassRequest, txID(t)).Build(nil)
	s.HandleClientInput(req, testClient, now)

	resp := lastResponse(t, drain(s))
	if resp.Class != wireformat.ClassSuccessResponse {
		t.Fatalf("class: got %d, want success", resp.Class)
	}
	mapped, ok := resp.GetXORMappedAddress()
	if !ok {
		t.Fatal("no XOR-MAPPED-ADDRESS")
	}
	if mapped.IP.String() != "192.0.2.10" || mapped.Port != 34567 {
		t.Errorf("mapped address: got %v:%d", mapped.IP, mapped.Port)
	}
	if len(resp.GetAttr(wireformat.AttrSoftware)) == 0 {
		t.Error("no SOFTWARE attribute")
	}
}

func TestAllocateLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()

	nonce := challenge(t, s, now)

	cmds := allocate(t, s, nonce, 600, now, nil)
	var created *Command
	for i := range cmds {
		if cmds[i].Kind == CommandCreateAllocation {
			created = &cmds[i]
		}
	}
	if created == nil {
		t.Fatal("no CreateAllocation command")
	}
	if created.Port != 49152 || created.Family != FamilyV4 {
		t.Errorf("allocation: got port=%d family=%v", created.Port, created.Family)
	}

	resp := lastResponse(t, cmds)
	if resp.Class != wireformat.ClassSuccessResponse {
		t.Fatalf("allocate response class: %d (code %d)", resp.Class, errorCodeOf(t, resp))
	}
	relayed, ok := resp.GetXORRelayedAddress()
	if !ok || relayed.Port != 49152 {
		t.Errorf("relayed address: %v ok=%v", relayed, ok)
	}
	if resp.GetLifetime() != 600 {
		t.Errorf("lifetime: got %d, want 600", resp.GetLifetime())
	}

	deadline, ok := s.PollTimeout()
	if !ok || !deadline.Equal(now.Add(600*time.Second)) {
		t.Errorf("poll timeout: got %v ok=%v, want %v", deadline, ok, now.Add(600*time.Second))
	}

	// One second early: nothing happens.
	s.HandleTimeout(now.Add(599 * time.Second))
	if cmds := drain(s); len(cmds) != 0 {
		t.Fatalf("early timeout mutated state: %v", cmds)
	}

	// One second past expiry: the port is freed.
	s.HandleTimeout(now.Add(601 * time.Second))
	cmds = drain(s)
	if len(cmds) != 1 || cmds[0].Kind != CommandFreeAllocation || cmds[0].Port != 49152 || cmds[0].Family != FamilyV4 {
		t.Fatalf("expiry commands: got %+v, want one FreeAllocation{49152, V4}", cmds)
	}
}

func TestChannelBindPingPong(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()

	nonce := challenge(t, s, now)
	allocate(t, s, nonce, 3600, now, nil)

	cmds := bindChannel(t, s, nonce, 0x4001, testPeer, now)
	foundBinding := false
	for _, cmd := range cmds {
		if cmd.Kind == CommandCreateChannelBinding {
			foundBinding = true
			if cmd.Channel != 0x4001 || cmd.Peer != testPeer || cmd.Port != 49152 {
				t.Errorf("binding command: %+v", cmd)
			}
		}
	}
	if !foundBinding {
		t.Fatal("no CreateChannelBinding command")
	}

	// Client → peer.
	ping := wireformat.BuildChannelData(0x4001, []byte("PING"))
	fwd := s.HandleClientInput(ping, testClient, now)
	if fwd == nil {
		t.Fatal("channel-data not relayed")
	}
	if fwd.AllocationPort != 49152 || fwd.Peer != testPeer || string(fwd.Payload) != "PING" {
		t.Errorf("forward: %+v", fwd)
	}

	// Peer → client.
	back := s.HandlePeerTraffic([]byte("PONG"), testPeer, 49152)
	if back == nil {
		t.Fatal("peer traffic not relayed")
	}
	if back.Client != testClient || back.Channel != 0x4001 {
		t.Errorf("reverse forward: %+v", back)
	}

	if cmds := drain(s); len(cmds) != 0 {
		t.Errorf("relaying emitted commands: %v", cmds)
	}
}

func TestChannelRebindCooldown(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()

	nonce := challenge(t, s, now)
	allocate(t, s, nonce, 3600, now, nil)
	bindChannel(t, s, nonce, 0x4001, testPeer, now)

	// Channel expiry flips bound to false and retracts the binding.
	expiry := now.Add(ChannelBindingDuration + time.Second)
	s.HandleTimeout(expiry)
	cmds := drain(s)
	if len(cmds) != 1 || cmds[0].Kind != CommandDeleteChannelBinding {
		t.Fatalf("expiry commands: %+v", cmds)
	}
	if s.HandleClientInput(wireformat.BuildChannelData(0x4001, []byte("X")), testClient, expiry) != nil {
		t.Fatal("unbound channel still relays")
	}

	// Within the cooldown the number cannot go to a different peer.
	otherPeer := netip.MustParseAddrPort("203.0.113.99:7777")
	cmds = bindChannel(t, s, nonce, 0x4001, otherPeer, expiry.Add(time.Minute))
	if code := errorCodeOf(t, lastResponse(t, cmds)); code != 400 {
		t.Fatalf("rebind in cooldown: got %d, want 400", code)
	}

	// After the cooldown the number is reclaimed and rebinds freely.
	after := expiry.Add(ChannelRebindTimeout + time.Second)
	s.HandleTimeout(after)
	drain(s)
	cmds = bindChannel(t, s, nonce, 0x4001, otherPeer, after)
	resp := lastResponse(t, cmds)
	if resp.Class != wireformat.ClassSuccessResponse {
		t.Fatalf("rebind after cooldown: class %d code %d", resp.Class, errorCodeOf(t, resp))
	}
	created := false
	for _, cmd := range cmds {
		if cmd.Kind == CommandCreateChannelBinding && cmd.Peer == otherPeer {
			created = true
		}
	}
	if !created {
		t.Error("no CreateChannelBinding for the new peer")
	}
}

func TestChannelRefreshInCooldownSamePeer(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()

	nonce := challenge(t, s, now)
	allocate(t, s, nonce, 3600, now, nil)
	bindChannel(t, s, nonce, 0x4001, testPeer, now)

	expiry := now.Add(ChannelBindingDuration + time.Second)
	s.HandleTimeout(expiry)
	drain(s)

	// The same peer may refresh its own channel even in cooldown.
	cmds := bindChannel(t, s, nonce, 0x4001, testPeer, expiry.Add(time.Minute))
	resp := lastResponse(t, cmds)
	if resp.Class != wireformat.ClassSuccessResponse {
		t.Fatalf("same-peer refresh: class %d code %d", resp.Class, errorCodeOf(t, resp))
	}
	if s.HandleClientInput(wireformat.BuildChannelData(0x4001, []byte("hello")), testClient, expiry.Add(time.Minute)) == nil {
		t.Error("refreshed channel does not relay")
	}
}

func TestRefreshToZeroFreesEverything(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()

	nonce := challenge(t, s, now)
	allocate(t, s, nonce, 3600, now, nil)
	bindChannel(t, s, nonce, 0x4001, testPeer, now)

	cmds := refresh(t, s, nonce, 0, now)
	var freed, deleted bool
	for _, cmd := range cmds {
		switch cmd.Kind {
		case CommandFreeAllocation:
			freed = true
		case CommandDeleteChannelBinding:
			deleted = true
		}
	}
	if !freed || !deleted {
		t.Fatalf("refresh(0) commands: freed=%v deleted=%v (%+v)", freed, deleted, cmds)
	}

	// Subsequent channel-data from that client is dropped.
	if s.HandleClientInput(wireformat.BuildChannelData(0x4001, []byte("late")), testClient, now) != nil {
		t.Error("channel-data relayed after deallocation")
	}
}

func TestDualStackAllocate(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, true)
	now := time.Now()

	nonce := challenge(t, s, now)
	cmds := allocate(t, s, nonce, 600, now, func(b *wireformat.Builder) {
		b.AddRaw(wireformat.AttrAdditionalAddressFamily, []byte{wireformat.FamilyIPv6, 0, 0, 0})
	})

	var families []AddressFamily
	for _, cmd := range cmds {
		if cmd.Kind == CommandCreateAllocation {
			families = append(families, cmd.Family)
		}
	}
	if len(families) != 2 || families[0] != FamilyV4 || families[1] != FamilyV6 {
		t.Fatalf("created families: %v, want [V4 V6]", families)
	}

	resp := lastResponse(t, cmds)
	relayed := resp.GetAttrs(wireformat.AttrXORRelayedAddress)
	if len(relayed) != 2 {
		t.Fatalf("XOR-RELAYED-ADDRESS count: got %d, want 2", len(relayed))
	}
}

func TestAllocateRejections(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()

	// Duplicate allocation for the same client.
	nonce := challenge(t, s, now)
	allocate(t, s, nonce, 600, now, nil)
	nonce2 := challenge(t, s, now)
	cmds := allocate(t, s, nonce2, 600, now, nil)
	if code := errorCodeOf(t, lastResponse(t, cmds)); code != 437 {
		t.Errorf("duplicate allocate: got %d, want 437", code)
	}

	// TCP transport.
	s2 := newTestServer(t, false)
	n := challenge(t, s2, now)
	username, password := validUsername(now)
	key := wireformat.DeriveAuthKey(username, DefaultRealm, password)
	req := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassRequest, txID(t)).
		AddRaw(wireformat.AttrRequestedTransport, []byte{6, 0, 0, 0}). // TCP
		AddUsername(username).AddRealm(DefaultRealm).AddNonce(n).
		Build(key)
	s2.HandleClientInput(req, testClient, now)
	if code := errorCodeOf(t, lastResponse(t, drain(s2))); code != 400 {
		t.Errorf("TCP allocate: got %d, want 400", code)
	}

	// IPv6 on a v4-only relay.
	s3 := newTestServer(t, false)
	n3 := challenge(t, s3, now)
	cmds = allocate(t, s3, n3, 600, now, func(b *wireformat.Builder) {
		b.AddRequestedAddressFamily(wireformat.FamilyIPv6)
	})
	if code := errorCodeOf(t, lastResponse(t, cmds)); code != 440 {
		t.Errorf("v6 on v4-only: got %d, want 440", code)
	}
}

func TestPortExhaustion(t *testing.T) {
	t.Parallel()

	s := New(Config{
		AuthSecret: testSecret,
		AddrV4:     netip.MustParseAddr("198.51.100.1"),
		PortLow:    50000,
		PortHigh:   50001,
	})
	s.pickPort = func(low, high uint16) uint16 { return low }
	now := time.Now()

	for i := 0; i < 2; i++ {
		client := netip.MustParseAddrPort(fmt.Sprintf("192.0.2.%d:1000", i+1))
		nonce := challengeFrom(t, s, client, now)
		allocateFrom(t, s, client, nonce, now)
	}

	client := netip.MustParseAddrPort("192.0.2.50:1000")
	nonce := challengeFrom(t, s, client, now)
	username, password := validUsername(now)
	key := wireformat.DeriveAuthKey(username, DefaultRealm, password)
	req := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassRequest, txID(t)).
		AddRaw(wireformat.AttrRequestedTransport, []byte{17, 0, 0, 0}).
		AddUsername(username).AddRealm(DefaultRealm).AddNonce(nonce).
		Build(key)
	s.HandleClientInput(req, client, now)
	if code := errorCodeOf(t, lastResponse(t, drain(s))); code != 508 {
		t.Errorf("full pool: got %d, want 508", code)
	}
}

func challengeFrom(t *testing.T, s *Server, client netip.AddrPort, now time.Time) string {
	t.Helper()
	req := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassRequest, txID(t)).
		AddRaw(wireformat.AttrRequestedTransport, []byte{17, 0, 0, 0}).
		Build(nil)
	s.HandleClientInput(req, client, now)
	resp := lastResponse(t, drain(s))
	return resp.GetNonce()
}

func allocateFrom(t *testing.T, s *Server, client netip.AddrPort, nonce string, now time.Time) {
	t.Helper()
	username, password := validUsername(now)
	key := wireformat.DeriveAuthKey(username, DefaultRealm, password)
	req := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassRequest, txID(t)).
		AddRaw(wireformat.AttrRequestedTransport, []byte{17, 0, 0, 0}).
		AddUsername(username).AddRealm(DefaultRealm).AddNonce(nonce).
		Build(key)
	s.HandleClientInput(req, client, now)
	if resp := lastResponse(t, drain(s)); resp.Class != wireformat.ClassSuccessResponse {
		t.Fatalf("allocate for %v failed: code %d", client, errorCodeOf(t, resp))
	}
}

func TestStaleNonceRejected(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()

	challenge(t, s, now) // mint a nonce we then ignore
	cmds := allocate(t, s, "not-a-minted-nonce", 600, now, nil)
	resp := lastResponse(t, cmds)
	if code := errorCodeOf(t, resp); code != 438 {
		t.Fatalf("unknown nonce: got %d, want 438", code)
	}
	if resp.GetNonce() == "" {
		t.Error("438 carried no fresh nonce")
	}
}

func TestWrongCredentialsRejected(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()
	nonce := challenge(t, s, now)

	username, _ := validUsername(now)
	wrongKey := wireformat.DeriveAuthKey(username, DefaultRealm, "not-the-password")
	req := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassRequest, txID(t)).
		AddRaw(wireformat.AttrRequestedTransport, []byte{17, 0, 0, 0}).
		AddUsername(username).AddRealm(DefaultRealm).AddNonce(nonce).
		Build(wrongKey)
	s.HandleClientInput(req, testClient, now)
	if code := errorCodeOf(t, lastResponse(t, drain(s))); code != 441 {
		t.Errorf("bad integrity: got %d, want 441", code)
	}
}

func TestExpiredUsernameRejected(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()
	nonce := challenge(t, s, now)

	username := fmt.Sprintf("%d:device-1", now.Add(-time.Hour).Unix())
	password := credentialPassword(testSecret, username)
	key := wireformat.DeriveAuthKey(username, DefaultRealm, password)
	req := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassRequest, txID(t)).
		AddRaw(wireformat.AttrRequestedTransport, []byte{17, 0, 0, 0}).
		AddUsername(username).AddRealm(DefaultRealm).AddNonce(nonce).
		Build(key)
	s.HandleClientInput(req, testClient, now)
	if code := errorCodeOf(t, lastResponse(t, drain(s))); code != 401 {
		t.Errorf("expired username: got %d, want 401", code)
	}
}

// TestIndexConsistency checks that the three channel maps stay mutually
// consistent across bind, expiry, and reclaim.
func TestIndexConsistency(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, false)
	now := time.Now()
	nonce := challenge(t, s, now)
	allocate(t, s, nonce, 3600, now, nil)

	peers := []netip.AddrPort{
		netip.MustParseAddrPort("203.0.113.1:1001"),
		netip.MustParseAddrPort("203.0.113.2:1002"),
		netip.MustParseAddrPort("203.0.113.3:1003"),
	}
	for i, peer := range peers {
		bindChannel(t, s, nonce, uint16(0x4000+i), peer, now)
	}
	checkChannelIndexes(t, s)

	s.HandleTimeout(now.Add(ChannelBindingDuration + time.Second))
	checkChannelIndexes(t, s)

	s.HandleTimeout(now.Add(ChannelBindingDuration + ChannelRebindTimeout + 2*time.Second))
	checkChannelIndexes(t, s)
	if len(s.channels) != 0 || len(s.channelByPeer) != 0 || len(s.fastPath) != 0 {
		t.Error("channel maps not empty after full reclaim")
	}
}

func checkChannelIndexes(t *testing.T, s *Server) {
	t.Helper()
	for key, ch := range s.channels {
		if got, ok := s.channelByPeer[clientPeer{client: key.client, peer: ch.peer}]; !ok || got != key.channel {
			t.Errorf("channelByPeer inconsistent for %v", key)
		}
		fp, ok := s.fastPath[portPeer{port: ch.allocationPort, peer: ch.peer}]
		if ch.bound {
			if !ok || fp != key {
				t.Errorf("fastPath missing or wrong for bound channel %v", key)
			}
		} else if ok {
			t.Errorf("fastPath entry survives unbound channel %v", key)
		}
	}
	for cp, chNum := range s.channelByPeer {
		if _, ok := s.channels[clientChannel{client: cp.client, channel: chNum}]; !ok {
			t.Errorf("channelByPeer points at missing channel %v -> %#x", cp, chNum)
		}
	}
	for pp, cc := range s.fastPath {
		ch, ok := s.channels[cc]
		if !ok || !ch.bound || ch.peer != pp.peer {
			t.Errorf("fastPath entry %v -> %v inconsistent", pp, cc)
		}
	}
}
