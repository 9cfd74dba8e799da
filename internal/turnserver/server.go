// Package turnserver implements the relay half of the connectivity core:
// a sans-IO TURN server (RFC 5766 / RFC 8656 subset) that authenticates
// clients with time-expiring long-term credentials, manages allocations
// over a configured port range, and relays data over bound channels.
//
// The server owns no sockets. Callers feed it datagrams via
// HandleClientInput / HandlePeerTraffic and carry out the side effects it
// emits as Commands: sending STUN responses, opening and closing relay
// ports, and installing channel bindings in whatever fast path exists.
package turnserver

import (
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/kuuji/ironveil/internal/wireformat"
)

// Allocation and channel lifetimes. A channel that expires keeps its
// number reserved for ChannelRebindTimeout so a rebind cannot race
// in-flight data.
const (
	DefaultAllocationLifetime = 10 * time.Minute
	MaxAllocationLifetime     = time.Hour

	ChannelBindingDuration = 10 * time.Minute
	ChannelRebindTimeout   = 5 * time.Minute
)

// DefaultPortRange is the relay port range used when none is configured.
const (
	DefaultPortLow  uint16 = 49152
	DefaultPortHigh uint16 = 65535
)

// DefaultRealm is the realm announced in 401 challenges when the
// deployment doesn't configure one.
const DefaultRealm = "firezone"

const softwareName = "ironveil-relay"

// Config parameterises a Server.
type Config struct {
	// AuthSecret is the shared secret time-limited credentials are
	// derived from; the coordination service holds the same secret.
	AuthSecret string

	// Realm for the long-term credential mechanism. Defaults to
	// DefaultRealm.
	Realm string

	// AddrV4 / AddrV6 are the relay's public addresses. At least one
	// must be valid; a relay with both is dual-stack.
	AddrV4 netip.Addr
	AddrV6 netip.Addr

	// PortLow / PortHigh bound the relay port range (inclusive).
	// Defaults to DefaultPortLow..DefaultPortHigh.
	PortLow  uint16
	PortHigh uint16

	Logger *slog.Logger
}

type allocation struct {
	client          netip.AddrPort
	port            uint16
	firstRelayAddr  netip.Addr
	secondRelayAddr netip.Addr
	hasSecond       bool
	expiresAt       time.Time
}

func (a *allocation) families() []AddressFamily {
	fams := []AddressFamily{familyOf(a.firstRelayAddr)}
	if a.hasSecond {
		fams = append(fams, familyOf(a.secondRelayAddr))
	}
	return fams
}

func (a *allocation) canRelayTo(peer netip.AddrPort) bool {
	want := familyOf(peer.Addr())
	if familyOf(a.firstRelayAddr) == want {
		return true
	}
	return a.hasSecond && familyOf(a.secondRelayAddr) == want
}

func familyOf(addr netip.Addr) AddressFamily {
	if addr.Is4() || addr.Is4In6() {
		return FamilyV4
	}
	return FamilyV6
}

type channel struct {
	peer           netip.AddrPort
	allocationPort uint16
	expiresAt      time.Time
	bound          bool
}

type clientChannel struct {
	client  netip.AddrPort
	channel uint16
}

type clientPeer struct {
	client netip.AddrPort
	peer   netip.AddrPort
}

type portPeer struct {
	port uint16
	peer netip.AddrPort
}

// Stats are the server's diagnostic counters.
type Stats struct {
	AllocationsActive int
	ChannelsBound     int
	BytesRelayed      uint64
	AuthFailures      uint64
}

// PeerForward describes client→peer relay data the caller must emit from
// the given allocated port.
type PeerForward struct {
	AllocationPort uint16
	Peer           netip.AddrPort
	Payload        []byte
}

// ClientForward describes peer→client relay data the caller must wrap as
// ChannelData (see EncodeChannelData) and send to the client.
type ClientForward struct {
	Client  netip.AddrPort
	Channel uint16
}

// Server is the sans-IO TURN relay state machine.
type Server struct {
	log        *slog.Logger
	authSecret string
	realm      string

	addrV4 netip.Addr
	haveV4 bool
	addrV6 netip.Addr
	haveV6 bool

	portLow, portHigh uint16
	usedPorts         map[uint16]netip.AddrPort // port -> client

	allocations   map[netip.AddrPort]*allocation
	channels      map[clientChannel]*channel
	channelByPeer map[clientPeer]uint16
	fastPath      map[portPeer]clientChannel

	nonces   *nonceTracker
	commands []Command
	stats    Stats

	// pickPort samples a candidate port; replaced in tests for
	// determinism. The default is uniform over the configured range.
	pickPort func(low, high uint16) uint16
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	realm := cfg.Realm
	if realm == "" {
		realm = DefaultRealm
	}
	low, high := cfg.PortLow, cfg.PortHigh
	if low == 0 || high == 0 || high < low {
		low, high = DefaultPortLow, DefaultPortHigh
	}
	return &Server{
		log:           log.With("component", "turn-server"),
		authSecret:    cfg.AuthSecret,
		realm:         realm,
		addrV4:        cfg.AddrV4,
		haveV4:        cfg.AddrV4.IsValid(),
		addrV6:        cfg.AddrV6,
		haveV6:        cfg.AddrV6.IsValid(),
		portLow:       low,
		portHigh:      high,
		usedPorts:     make(map[uint16]netip.AddrPort),
		allocations:   make(map[netip.AddrPort]*allocation),
		channels:      make(map[clientChannel]*channel),
		channelByPeer: make(map[clientPeer]uint16),
		fastPath:      make(map[portPeer]clientChannel),
		nonces:        newNonceTracker(),
		pickPort: func(low, high uint16) uint16 {
			return low + uint16(rand.IntN(int(high-low)+1))
		},
	}
}

// Stats returns a snapshot of the server's counters.
func (s *Server) Stats() Stats {
	st := s.stats
	st.AllocationsActive = len(s.allocations)
	for _, ch := range s.channels {
		if ch.bound {
			st.ChannelsBound++
		}
	}
	return st
}

// NextCommand pops the oldest pending command, if any.
func (s *Server) NextCommand() (Command, bool) {
	if len(s.commands) == 0 {
		return Command{}, false
	}
	cmd := s.commands[0]
	s.commands = s.commands[1:]
	return cmd, true
}

func (s *Server) emit(cmd Command) {
	s.commands = append(s.commands, cmd)
}

func (s *Server) send(payload []byte, to netip.AddrPort) {
	s.emit(Command{Kind: CommandSendMessage, Payload: payload, Recipient: to})
}

// EncodeChannelData wraps a relayed payload for delivery to a client, per
// a ClientForward returned by HandlePeerTraffic.
func EncodeChannelData(channel uint16, payload []byte) []byte {
	return wireformat.BuildChannelData(channel, payload)
}

// HandleClientInput processes one datagram received on the server's
// client-facing socket. ChannelData from a client with a bound channel
// returns a PeerForward the caller must emit; STUN requests are handled
// in place, their responses emitted as CommandSendMessage. Anything else
// is dropped.
func (s *Server) HandleClientInput(data []byte, client netip.AddrPort, now time.Time) *PeerForward {
	switch {
	case wireformat.IsChannelData(data):
		return s.relayChannelData(data, client)
	case wireformat.IsSTUN(data):
		s.handleSTUN(data, client, now)
		return nil
	default:
		s.log.Debug("dropping unrecognised datagram", "client", client, "len", len(data))
		return nil
	}
}

func (s *Server) relayChannelData(data []byte, client netip.AddrPort) *PeerForward {
	cd, err := wireformat.ParseChannelData(data)
	if err != nil {
		s.log.Debug("malformed channel-data frame", "client", client, "err", err)
		return nil
	}
	ch, ok := s.channels[clientChannel{client: client, channel: cd.ChannelNumber}]
	if !ok || !ch.bound {
		s.log.Debug("channel-data for unmatched channel", "client", client, "channel", cd.ChannelNumber)
		return nil
	}
	s.stats.BytesRelayed += uint64(len(cd.Data))
	return &PeerForward{AllocationPort: ch.allocationPort, Peer: ch.peer, Payload: cd.Data}
}

// HandlePeerTraffic processes one datagram received on an allocated relay
// port. If the (port, peer) pair has a bound channel, it returns the
// client and channel the caller should wrap the payload for; otherwise
// the datagram is dropped.
func (s *Server) HandlePeerTraffic(data []byte, peer netip.AddrPort, port uint16) *ClientForward {
	cc, ok := s.fastPath[portPeer{port: port, peer: peer}]
	if !ok {
		s.log.Debug("peer traffic with no channel binding", "peer", peer, "port", port)
		return nil
	}
	s.stats.BytesRelayed += uint64(len(data))
	return &ClientForward{Client: cc.client, Channel: cc.channel}
}

func (s *Server) handleSTUN(data []byte, client netip.AddrPort, now time.Time) {
	msg, err := wireformat.Parse(data)
	if err != nil {
		s.log.Debug("malformed STUN message", "client", client, "err", err)
		return
	}
	if msg.Class != wireformat.ClassRequest {
		return
	}

	switch msg.Method {
	case wireformat.MethodBinding:
		s.handleBinding(&msg, client)
	case wireformat.MethodAllocate:
		s.handleAllocate(data, &msg, client, now)
	case wireformat.MethodRefresh:
		s.handleRefresh(data, &msg, client, now)
	case wireformat.MethodChannelBind:
		s.handleChannelBind(data, &msg, client, now)
	case wireformat.MethodCreatePermission:
		s.handleCreatePermission(data, &msg, client, now)
	default:
		s.sendError(&msg, client, 400, "Bad Request", nil)
	}
}

func (s *Server) handleBinding(msg *wireformat.Message, client netip.AddrPort) {
	resp := wireformat.NewResponse(msg, wireformat.ClassSuccessResponse).
		AddXORAddress(wireformat.AttrXORMappedAddress, xorAddr(client)).
		AddString(wireformat.AttrSoftware, softwareName).
		Build(nil)
	s.send(resp, client)
}

func (s *Server) handleAllocate(raw []byte, msg *wireformat.Message, client netip.AddrPort, now time.Time) {
	auth, aerr := s.authenticate(raw, msg, now)
	if aerr != nil {
		s.sendAuthError(msg, client, aerr)
		return
	}

	if _, exists := s.allocations[client]; exists {
		s.sendError(msg, client, 437, "Allocation Mismatch", auth.key)
		return
	}
	if msg.GetRequestedTransport() != 17 {
		s.sendError(msg, client, 400, "Bad Request", auth.key)
		return
	}

	relayAddrs, code, reason := s.deriveRelayAddresses(msg)
	if code != 0 {
		s.sendError(msg, client, code, reason, auth.key)
		return
	}

	port, ok := s.allocatePort(client)
	if !ok {
		s.sendError(msg, client, 508, "Insufficient Capacity", auth.key)
		return
	}

	lifetime := requestedLifetime(msg)

	alloc := &allocation{
		client:         client,
		port:           port,
		firstRelayAddr: relayAddrs[0],
		expiresAt:      now.Add(lifetime),
	}
	if len(relayAddrs) > 1 {
		alloc.secondRelayAddr = relayAddrs[1]
		alloc.hasSecond = true
	}
	s.allocations[client] = alloc

	resp := wireformat.NewResponse(msg, wireformat.ClassSuccessResponse)
	for _, addr := range relayAddrs {
		resp.AddXORAddress(wireformat.AttrXORRelayedAddress, wireformat.XORAddress{IP: addr.AsSlice(), Port: int(port)})
		s.emit(Command{Kind: CommandCreateAllocation, Port: port, Family: familyOf(addr)})
	}
	resp.AddXORAddress(wireformat.AttrXORMappedAddress, xorAddr(client)).
		AddLifetime(uint32(lifetime / time.Second))
	s.send(resp.Build(auth.key), client)

	s.log.Info("allocation created", "client", client, "port", port, "lifetime", lifetime)
}

// deriveRelayAddresses applies the RFC 8656 §7.2 family-selection rules
// to the (REQUESTED-ADDRESS-FAMILY, ADDITIONAL-ADDRESS-FAMILY) tuple.
func (s *Server) deriveRelayAddresses(msg *wireformat.Message) (addrs []netip.Addr, errCode int, reason string) {
	rf := msg.GetRequestedAddressFamily()
	afAttr := msg.GetAttr(wireformat.AttrAdditionalAddressFamily)

	var af byte
	if len(afAttr) > 0 {
		af = afAttr[0]
	}

	switch {
	case rf != 0 && af != 0:
		return nil, 400, "Bad Request"
	case af == wireformat.FamilyIPv4:
		return nil, 400, "Bad Request"
	case af == wireformat.FamilyIPv6:
		if s.haveV4 && s.haveV6 {
			return []netip.Addr{s.addrV4, s.addrV6}, 0, ""
		}
		if s.haveV4 {
			return []netip.Addr{s.addrV4}, 0, ""
		}
		return []netip.Addr{s.addrV6}, 0, ""
	case rf == wireformat.FamilyIPv4, rf == 0:
		if !s.haveV4 {
			return nil, 440, "Address Family Not Supported"
		}
		return []netip.Addr{s.addrV4}, 0, ""
	case rf == wireformat.FamilyIPv6:
		if !s.haveV6 {
			return nil, 440, "Address Family Not Supported"
		}
		return []netip.Addr{s.addrV6}, 0, ""
	default:
		return nil, 400, "Bad Request"
	}
}

// allocatePort picks a free relay port by uniform sampling over the
// configured range, falling back to a linear scan once the sampling
// budget is spent (the range may be nearly full).
func (s *Server) allocatePort(client netip.AddrPort) (uint16, bool) {
	size := int(s.portHigh-s.portLow) + 1
	if len(s.usedPorts) >= size {
		return 0, false
	}
	for i := 0; i < size; i++ {
		port := s.pickPort(s.portLow, s.portHigh)
		if _, taken := s.usedPorts[port]; !taken {
			s.usedPorts[port] = client
			return port, true
		}
	}
	for port := s.portLow; ; port++ {
		if _, taken := s.usedPorts[port]; !taken {
			s.usedPorts[port] = client
			return port, true
		}
		if port == s.portHigh {
			break
		}
	}
	return 0, false
}

func requestedLifetime(msg *wireformat.Message) time.Duration {
	lifetime := time.Duration(msg.GetLifetime()) * time.Second
	if lifetime <= 0 {
		lifetime = DefaultAllocationLifetime
	}
	if lifetime > MaxAllocationLifetime {
		lifetime = MaxAllocationLifetime
	}
	return lifetime
}

func (s *Server) handleRefresh(raw []byte, msg *wireformat.Message, client netip.AddrPort, now time.Time) {
	auth, aerr := s.authenticate(raw, msg, now)
	if aerr != nil {
		s.sendAuthError(msg, client, aerr)
		return
	}
	alloc, exists := s.allocations[client]
	if !exists {
		s.sendError(msg, client, 437, "Allocation Mismatch", auth.key)
		return
	}

	lifetime := time.Duration(msg.GetLifetime()) * time.Second
	if msg.GetAttr(wireformat.AttrLifetime) != nil && lifetime == 0 {
		s.deleteAllocation(alloc)
		resp := wireformat.NewResponse(msg, wireformat.ClassSuccessResponse).
			AddLifetime(0).
			Build(auth.key)
		s.send(resp, client)
		return
	}

	if lifetime <= 0 {
		lifetime = DefaultAllocationLifetime
	}
	if lifetime > MaxAllocationLifetime {
		lifetime = MaxAllocationLifetime
	}
	alloc.expiresAt = now.Add(lifetime)

	resp := wireformat.NewResponse(msg, wireformat.ClassSuccessResponse).
		AddLifetime(uint32(lifetime / time.Second)).
		Build(auth.key)
	s.send(resp, client)
}

// deleteAllocation frees the allocation's relay port(s) and tears down
// every channel derived from it, emitting the corresponding commands in
// the order the state is observed.
func (s *Server) deleteAllocation(alloc *allocation) {
	for _, fam := range alloc.families() {
		s.emit(Command{Kind: CommandFreeAllocation, Port: alloc.port, Family: fam})
	}
	for key, ch := range s.channels {
		if key.client != alloc.client {
			continue
		}
		if ch.bound {
			s.emit(Command{
				Kind:    CommandDeleteChannelBinding,
				Client:  key.client,
				Channel: key.channel,
				Peer:    ch.peer,
				Port:    ch.allocationPort,
			})
		}
		delete(s.fastPath, portPeer{port: ch.allocationPort, peer: ch.peer})
		delete(s.channelByPeer, clientPeer{client: key.client, peer: ch.peer})
		delete(s.channels, key)
	}
	delete(s.usedPorts, alloc.port)
	delete(s.allocations, alloc.client)
	s.log.Info("allocation deleted", "client", alloc.client, "port", alloc.port)
}

func (s *Server) handleChannelBind(raw []byte, msg *wireformat.Message, client netip.AddrPort, now time.Time) {
	auth, aerr := s.authenticate(raw, msg, now)
	if aerr != nil {
		s.sendAuthError(msg, client, aerr)
		return
	}
	alloc, exists := s.allocations[client]
	if !exists {
		s.sendError(msg, client, 437, "Allocation Mismatch", auth.key)
		return
	}

	chNum := msg.GetChannelNumber()
	if chNum < wireformat.ChannelNumberMin || chNum > wireformat.ChannelNumberMax {
		s.sendError(msg, client, 400, "Bad Request", auth.key)
		return
	}
	peerXA, ok := msg.GetXORPeerAddress()
	if !ok {
		s.sendError(msg, client, 400, "Bad Request", auth.key)
		return
	}
	peerAddr, ok := netip.AddrFromSlice(peerXA.IP)
	if !ok {
		s.sendError(msg, client, 400, "Bad Request", auth.key)
		return
	}
	peer := netip.AddrPortFrom(peerAddr.Unmap(), uint16(peerXA.Port))

	if !alloc.canRelayTo(peer) {
		s.sendError(msg, client, 443, "Peer Address Family Mismatch", auth.key)
		return
	}

	ccKey := clientChannel{client: client, channel: chNum}
	cpKey := clientPeer{client: client, peer: peer}

	if boundCh, ok := s.channelByPeer[cpKey]; ok && boundCh != chNum {
		s.sendError(msg, client, 400, "Bad Request", auth.key)
		return
	}
	if existing, ok := s.channels[ccKey]; ok {
		if existing.peer != peer {
			// The number is still reserved for its previous peer, possibly
			// in rebind cooldown.
			s.sendError(msg, client, 400, "Bad Request", auth.key)
			return
		}
		// Identical binding: refresh, re-enabling it if it was in cooldown.
		existing.expiresAt = now.Add(ChannelBindingDuration)
		existing.bound = true
		s.fastPath[portPeer{port: existing.allocationPort, peer: peer}] = ccKey
		s.emit(Command{
			Kind:    CommandCreateChannelBinding,
			Client:  client,
			Channel: chNum,
			Peer:    peer,
			Port:    existing.allocationPort,
		})
		s.send(wireformat.NewResponse(msg, wireformat.ClassSuccessResponse).Build(auth.key), client)
		return
	}

	s.channels[ccKey] = &channel{
		peer:           peer,
		allocationPort: alloc.port,
		expiresAt:      now.Add(ChannelBindingDuration),
		bound:          true,
	}
	s.channelByPeer[cpKey] = chNum
	s.fastPath[portPeer{port: alloc.port, peer: peer}] = ccKey
	s.emit(Command{
		Kind:    CommandCreateChannelBinding,
		Client:  client,
		Channel: chNum,
		Peer:    peer,
		Port:    alloc.port,
	})
	s.send(wireformat.NewResponse(msg, wireformat.ClassSuccessResponse).Build(auth.key), client)

	s.log.Info("channel bound", "client", client, "channel", chNum, "peer", peer)
}

// handleCreatePermission authenticates and acknowledges the request. The
// relay enforces reachability at channel granularity only; permissions
// carry no extra state here, but clients following RFC 8656 still send
// them, so they must succeed.
func (s *Server) handleCreatePermission(raw []byte, msg *wireformat.Message, client netip.AddrPort, now time.Time) {
	auth, aerr := s.authenticate(raw, msg, now)
	if aerr != nil {
		s.sendAuthError(msg, client, aerr)
		return
	}
	if _, exists := s.allocations[client]; !exists {
		s.sendError(msg, client, 437, "Allocation Mismatch", auth.key)
		return
	}
	s.send(wireformat.NewResponse(msg, wireformat.ClassSuccessResponse).Build(auth.key), client)
}

func (s *Server) sendAuthError(msg *wireformat.Message, client netip.AddrPort, aerr *authErr) {
	s.stats.AuthFailures++
	b := wireformat.NewResponse(msg, wireformat.ClassErrorResponse).
		AddErrorCode(aerr.code, aerr.reason).
		AddRealm(s.realm)
	if aerr.freshNonce != "" {
		b.AddNonce(aerr.freshNonce)
	}
	s.send(b.Build(nil), client)
}

func (s *Server) sendError(msg *wireformat.Message, client netip.AddrPort, code int, reason string, key []byte) {
	resp := wireformat.NewResponse(msg, wireformat.ClassErrorResponse).
		AddErrorCode(code, reason).
		Build(key)
	s.send(resp, client)
}

// PollTimeout returns the earliest instant at which HandleTimeout has
// state to mutate: an allocation or channel expiry, or the end of a
// channel's rebind cooldown. Calling HandleTimeout earlier is a no-op.
func (s *Server) PollTimeout() (time.Time, bool) {
	var next time.Time
	consider := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, alloc := range s.allocations {
		consider(alloc.expiresAt)
	}
	for _, ch := range s.channels {
		if ch.bound {
			consider(ch.expiresAt)
		} else {
			consider(ch.expiresAt.Add(ChannelRebindTimeout))
		}
	}
	return next, !next.IsZero()
}

// HandleTimeout expires allocations and channels due at or before now.
// Expired channels flip to unbound but keep their number reserved for
// ChannelRebindTimeout; only after that are they fully reclaimed.
func (s *Server) HandleTimeout(now time.Time) {
	for _, alloc := range s.allocations {
		if !now.Before(alloc.expiresAt) {
			s.deleteAllocation(alloc)
		}
	}

	for key, ch := range s.channels {
		switch {
		case ch.bound && !now.Before(ch.expiresAt):
			ch.bound = false
			delete(s.fastPath, portPeer{port: ch.allocationPort, peer: ch.peer})
			s.emit(Command{
				Kind:    CommandDeleteChannelBinding,
				Client:  key.client,
				Channel: key.channel,
				Peer:    ch.peer,
				Port:    ch.allocationPort,
			})
			s.log.Debug("channel expired", "client", key.client, "channel", key.channel)
		case !ch.bound && !now.Before(ch.expiresAt.Add(ChannelRebindTimeout)):
			delete(s.channelByPeer, clientPeer{client: key.client, peer: ch.peer})
			delete(s.channels, key)
			s.log.Debug("channel reclaimed", "client", key.client, "channel", key.channel)
		}
	}
}

func xorAddr(ap netip.AddrPort) wireformat.XORAddress {
	return wireformat.XORAddress{IP: ap.Addr().Unmap().AsSlice(), Port: int(ap.Port())}
}
