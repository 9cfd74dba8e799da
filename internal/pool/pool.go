// Package pool multiplexes many concurrent peer connections over a
// shared UDP socket: per-peer ICE agents and WireGuard tunnels, shared
// STUN bindings and TURN allocations, a demultiplexer that steers every
// inbound datagram to the right component by inspection, and a
// cooperative scheduler that advances everything from a single loop.
//
// Like the layers below it, the pool is sans-IO: the owning event loop
// feeds it datagrams and clock pulses and emits the transmits it
// produces.
package pool

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kuuji/ironveil/internal/crypto"
	"github.com/kuuji/ironveil/internal/iceagent"
	"github.com/kuuji/ironveil/internal/noise"
	"github.com/kuuji/ironveil/internal/session"
	"github.com/kuuji/ironveil/internal/stunclient"
	"github.com/kuuji/ironveil/internal/turnclient"
)

// Pool error taxonomy. Cryptographic failures on inbound datagrams are
// logged and dropped inside Decapsulate; these are the conditions the
// caller can observe.
var (
	ErrUnknownInterface = errors.New("pool: datagram arrived on an unknown local interface")
	ErrUnmatchedPacket  = errors.New("pool: datagram does not belong to any connection")
	ErrNotConnected     = errors.New("pool: no negotiated connection with this id")
	ErrDuplicateID      = errors.New("pool: connection id already in use")
)

// maxBufferedTransmits bounds the outbound queue; on overflow the oldest
// entries are dropped with a warning. Overflow can only happen during
// transient loss of socket readiness.
const maxBufferedTransmits = 32

// timerSlice is the cadence at which each connection's tunnel timers are
// advanced.
const timerSlice = time.Second

// tunnelKeepalive is the persistent-keepalive interval configured on
// every tunnel, short enough to hold NAT bindings on consumer routers.
const tunnelKeepalive = 5 * time.Second

// Transmit is one datagram the caller must put on the wire.
type Transmit struct {
	// Src is the local socket to send from; the zero value means any.
	Src netip.AddrPort
	Dst netip.AddrPort

	// Payload aliases the pool's scratch buffer for transmits produced
	// by Encapsulate; it must be consumed before the next pool call.
	Payload []byte
}

// EventKind discriminates Event.
type EventKind int

const (
	// EventSignalIceCandidate: trickle CandidateSDP to the remote peer
	// over signalling.
	EventSignalIceCandidate EventKind = iota

	// EventConnectionEstablished: a candidate pair was nominated (or
	// re-nominated) for the connection.
	EventConnectionEstablished

	// EventConnectionFailed: the connection is gone — ICE disconnected,
	// handshake attempts exhausted, or the answer never arrived.
	EventConnectionFailed
)

// Event is one pool-level occurrence for the owner to act on.
type Event struct {
	Kind         EventKind
	ID           string
	CandidateSDP string
}

// Offer is the material the client sends with a connection request.
type Offer struct {
	// SessionKey is a fresh random secret both sides mix into the Noise
	// handshake as the preshared key. The signalling channel carrying it
	// must be confidential.
	SessionKey [32]byte

	// Username / Password are the offering side's ICE credentials.
	Username string
	Password string
}

// Answer is the accepting side's reply.
type Answer struct {
	Username string
	Password string
}

// Stats are the pool's diagnostic counters.
type Stats struct {
	InitialConnections    int
	NegotiatedConnections int
	BytesSent             uint64
	BytesReceived         uint64
	HandshakesAccepted    uint64
	CookieRepliesSent     uint64
}

// Config parameterises a Pool.
type Config struct {
	// PrivateKey is our static X25519 identity.
	PrivateKey [32]byte

	// LocalPort is the UDP port the owning loop bound on every
	// interface; host candidates advertise it.
	LocalPort uint16

	// HandshakeRate bounds inbound handshake initiations per second;
	// zero selects the default.
	HandshakeRate int

	Logger *slog.Logger
}

// Pool owns every connection and the resources they share.
type Pool struct {
	log        *slog.Logger
	privateKey [32]byte
	publicKey  [32]byte
	localPort  uint16

	limiter       *session.HandshakeRateLimiter
	cookieChecker noise.CookieChecker

	interfaces []netip.Addr

	bindings    map[netip.AddrPort]*stunclient.Binding
	allocations map[netip.AddrPort]*turnclient.Allocation

	initial      map[string]*InitialConnection
	initialOrder []string
	conns        map[string]*Connection
	connOrder    []string
	rrOffset     int

	buffered []Transmit
	events   []Event

	// nextIndexFamily is the 24-bit per-connection counter; each tunnel
	// cycles an 8-bit session counter below it, so one peer's session
	// indices form a compact family.
	nextIndexFamily uint32

	scratch []byte
	now     time.Time
	stats   Stats
}

// New constructs a Pool.
func New(cfg Config) *Pool {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		log:         log.With("component", "pool"),
		privateKey:  cfg.PrivateKey,
		publicKey:   crypto.PublicKey(cfg.PrivateKey),
		localPort:   cfg.LocalPort,
		limiter:     session.NewHandshakeRateLimiter(cfg.HandshakeRate),
		bindings:    make(map[netip.AddrPort]*stunclient.Binding),
		allocations: make(map[netip.AddrPort]*turnclient.Allocation),
		initial:     make(map[string]*InitialConnection),
		conns:       make(map[string]*Connection),
		scratch:     make([]byte, 2048),
	}
}

// PublicKey returns our static public key, for the signalling layer to
// advertise.
func (p *Pool) PublicKey() [32]byte { return p.publicKey }

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	st := p.stats
	st.InitialConnections = len(p.initial)
	st.NegotiatedConnections = len(p.conns)
	return st
}

// nextIndexAllocator reserves a new 24-bit index family and returns an
// allocator cycling its low byte, one per tunnel.
func (p *Pool) nextIndexAllocator() func() uint32 {
	p.nextIndexFamily++
	family := (p.nextIndexFamily & 0xFFFFFF) << 8
	var sessionCounter uint32
	return func() uint32 {
		idx := family | (sessionCounter & 0xFF)
		sessionCounter++
		return idx
	}
}

// AddLocalInterface registers a local interface address. Agents created
// afterwards advertise host candidates from it; existing STUN bindings
// re-probe so reflexive candidates track the new topology.
func (p *Pool) AddLocalInterface(addr netip.Addr, now time.Time) {
	for _, existing := range p.interfaces {
		if existing == addr {
			return
		}
	}
	p.interfaces = append(p.interfaces, addr)
	for _, b := range p.bindings {
		b.Refresh(now)
	}
}

func (p *Pool) knownInterface(local netip.AddrPort) bool {
	// An invalid local address means the I/O layer couldn't tag the
	// datagram (no control-message support); don't refuse it for that.
	if !local.IsValid() || local.Addr().IsUnspecified() {
		return true
	}
	for _, addr := range p.interfaces {
		if addr == local.Addr() {
			return true
		}
	}
	return false
}

func (p *Pool) primaryLocalAddr() netip.AddrPort {
	if len(p.interfaces) == 0 {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), p.localPort)
	}
	return netip.AddrPortFrom(p.interfaces[0], p.localPort)
}

// ensureServers lazily creates the shared STUN bindings and TURN
// allocations a new connection references.
func (p *Pool) ensureServers(stun []netip.AddrPort, turn []TurnServer, now time.Time) {
	for _, server := range stun {
		if _, ok := p.bindings[server]; !ok {
			p.bindings[server] = stunclient.NewBinding(server, now, p.log)
		}
	}
	for _, server := range turn {
		if _, ok := p.allocations[server.Addr]; !ok {
			p.allocations[server.Addr] = turnclient.NewAllocation(server.Addr, server.Username, server.Password, now, p.log)
		}
	}
}

// seedAgentCandidates injects the already-known server-reflexive and
// relayed addresses into a fresh agent, so late-created connections
// don't wait for the next probe cycle.
func (p *Pool) seedAgentCandidates(agent *iceagent.Agent, stun, turn map[netip.AddrPort]struct{}) {
	for server, b := range p.bindings {
		if _, allowed := stun[server]; !allowed {
			continue
		}
		if mapped, ok := b.MappedAddress(); ok {
			agent.AddLocalCandidate(mapped, iceagent.KindServerReflexive)
		}
	}
	for server, alloc := range p.allocations {
		if _, allowed := turn[server]; !allowed {
			continue
		}
		for _, relay := range alloc.RelayAddresses() {
			agent.AddLocalCandidate(relay, iceagent.KindRelayed)
		}
	}
}

// NewConnection starts an outbound (client-role, ICE controlling)
// connection and returns the Offer to send over signalling. The
// connection stays in the initial set until AcceptAnswer arrives; if no
// answer arrives within ten seconds it fails.
func (p *Pool) NewConnection(id string, stunServers []netip.AddrPort, turnServers []TurnServer, now time.Time) (Offer, error) {
	if _, dup := p.initial[id]; dup {
		return Offer{}, ErrDuplicateID
	}
	if _, dup := p.conns[id]; dup {
		return Offer{}, ErrDuplicateID
	}

	p.ensureServers(stunServers, turnServers, now)

	agent, err := iceagent.New(iceagent.Config{
		Controlling: true,
		LocalAddr:   p.primaryLocalAddr(),
		Logger:      p.log,
	})
	if err != nil {
		return Offer{}, fmt.Errorf("creating ICE agent: %w", err)
	}

	var sessionKey [32]byte
	if _, err := rand.Read(sessionKey[:]); err != nil {
		agent.Close()
		return Offer{}, fmt.Errorf("generating session key: %w", err)
	}

	ic := &InitialConnection{
		id:          id,
		agent:       agent,
		sessionKey:  sessionKey,
		allowedStun: addrSet(stunServers),
		allowedTurn: turnSet(turnServers),
		createdAt:   now,
	}
	p.seedAgentCandidates(agent, ic.allowedStun, ic.allowedTurn)
	p.initial[id] = ic
	p.initialOrder = append(p.initialOrder, id)

	ufrag, pwd := agent.Credentials()
	return Offer{SessionKey: sessionKey, Username: ufrag, Password: pwd}, nil
}

// AcceptConnection answers an inbound offer (server role, ICE
// controlled): the connection is negotiated immediately since the offer
// already carries the session key.
func (p *Pool) AcceptConnection(id string, offer Offer, remoteStatic [32]byte, stunServers []netip.AddrPort, turnServers []TurnServer, now time.Time) (Answer, error) {
	if _, dup := p.conns[id]; dup {
		return Answer{}, ErrDuplicateID
	}

	p.ensureServers(stunServers, turnServers, now)

	agent, err := iceagent.New(iceagent.Config{
		Controlling: false,
		LocalAddr:   p.primaryLocalAddr(),
		Logger:      p.log,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("creating ICE agent: %w", err)
	}

	conn, err := p.newNegotiated(id, agent, remoteStatic, offer.SessionKey, stunServers, turnServers, now)
	if err != nil {
		agent.Close()
		return Answer{}, err
	}
	p.seedAgentCandidates(agent, conn.allowedStun, conn.allowedTurn)

	if err := agent.Start(offer.Username, offer.Password); err != nil {
		p.removeConnection(id)
		return Answer{}, fmt.Errorf("starting ICE: %w", err)
	}

	ufrag, pwd := agent.Credentials()
	return Answer{Username: ufrag, Password: pwd}, nil
}

// AcceptAnswer finalises an outbound connection once the peer's answer
// arrives, constructing the tunnel with the session key from the offer.
func (p *Pool) AcceptAnswer(id string, remoteStatic [32]byte, answer Answer, now time.Time) error {
	ic, ok := p.initial[id]
	if !ok {
		return ErrNotConnected
	}
	delete(p.initial, id)
	p.initialOrder = removeID(p.initialOrder, id)

	conn, err := p.newNegotiated(id, ic.agent, remoteStatic, ic.sessionKey, nil, nil, now)
	if err != nil {
		ic.agent.Close()
		return err
	}
	conn.allowedStun = ic.allowedStun
	conn.allowedTurn = ic.allowedTurn

	if err := ic.agent.Start(answer.Username, answer.Password); err != nil {
		p.removeConnection(id)
		return fmt.Errorf("starting ICE: %w", err)
	}

	// Get a handshake moving as soon as ICE yields a path.
	conn.tunn.WantHandshake()
	return nil
}

func (p *Pool) newNegotiated(id string, agent *iceagent.Agent, remoteStatic, sessionKey [32]byte, stunServers []netip.AddrPort, turnServers []TurnServer, now time.Time) (*Connection, error) {
	tunn, err := session.NewTunn(noise.Params{
		LocalStaticPrivate: p.privateKey,
		LocalStaticPublic:  p.publicKey,
		RemoteStatic:       remoteStatic,
		PresharedKey:       sessionKey,
	}, p.nextIndexAllocator(), tunnelKeepalive)
	if err != nil {
		return nil, fmt.Errorf("creating tunnel: %w", err)
	}

	conn := &Connection{
		id:              id,
		agent:           agent,
		tunn:            tunn,
		remoteStatic:    remoteStatic,
		possibleSockets: make(map[netip.AddrPort]struct{}),
		allowedStun:     addrSet(stunServers),
		allowedTurn:     turnSet(turnServers),
		nextTimerUpdate: now.Add(timerSlice),
		lastSeen:        now,
	}
	p.conns[id] = conn
	p.connOrder = append(p.connOrder, id)
	return conn, nil
}

// AddRemoteCandidate feeds a trickled candidate into the connection's
// agent and pre-binds a relay channel toward it on every allocation this
// connection may use, so a relayed path is usable the moment it is
// nominated.
func (p *Pool) AddRemoteCandidate(id string, sdp string, now time.Time) error {
	var agent *iceagent.Agent
	var allowedTurn map[netip.AddrPort]struct{}
	if conn, ok := p.conns[id]; ok {
		agent, allowedTurn = conn.agent, conn.allowedTurn
	} else if ic, ok := p.initial[id]; ok {
		agent, allowedTurn = ic.agent, ic.allowedTurn
	} else {
		return ErrNotConnected
	}

	if err := agent.AddRemoteCandidate(sdp); err != nil {
		return err
	}

	if addr, err := iceagent.CandidateAddr(sdp); err == nil {
		for server, alloc := range p.allocations {
			if _, allowed := allowedTurn[server]; allowed {
				alloc.BindChannel(addr, now)
			}
		}
	}
	return nil
}

// RemoveConnection drops a connection (initial or negotiated) and closes
// its ICE agent. Transmits already in the pool's buffered queue are not
// discarded; they are still returned by PollTransmit.
func (p *Pool) RemoveConnection(id string) {
	p.removeConnection(id)
}

func (p *Pool) removeConnection(id string) {
	if ic, ok := p.initial[id]; ok {
		ic.agent.Close()
		delete(p.initial, id)
		p.initialOrder = removeID(p.initialOrder, id)
	}
	if conn, ok := p.conns[id]; ok {
		conn.agent.Close()
		delete(p.conns, id)
		p.connOrder = removeID(p.connOrder, id)
	}
}

// Close tears down every connection and releases every allocation so
// the relays can reclaim their ports.
func (p *Pool) Close(now time.Time) {
	for _, id := range append(append([]string(nil), p.initialOrder...), p.connOrder...) {
		p.removeConnection(id)
	}
	for _, alloc := range p.allocations {
		alloc.Release(now)
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Encapsulate seals one application IP packet for the peer and returns
// the concrete datagram to emit, framed for the nominated path. A nil
// Transmit with nil error means the packet was consumed without output
// (for instance no path is nominated yet). When no session exists, the
// packet is dropped and the handshake initiation it triggers is returned
// as the Transmit.
func (p *Pool) Encapsulate(id string, ipPacket []byte, now time.Time) (*Transmit, error) {
	conn, ok := p.conns[id]
	if !ok {
		return nil, ErrNotConnected
	}

	outcome := conn.tunn.Encapsulate(ipPacket)
	switch outcome.Kind {
	case session.Done:
		return nil, nil
	case session.OutcomeErr:
		return nil, fmt.Errorf("encapsulating for %s: %w", id, outcome.Err)
	case session.WriteToNetwork:
		t, ok := p.frame(conn, outcome.Packet)
		if !ok {
			return nil, nil
		}
		p.stats.BytesSent += uint64(len(t.Payload))
		return t, nil
	default:
		return nil, nil
	}
}

// frame turns raw WireGuard bytes into a Transmit along the connection's
// nominated path: direct datagrams go out as-is; relayed ones get the
// 4-byte channel-data header written into the scratch buffer immediately
// in front of the payload.
func (p *Pool) frame(conn *Connection, wg []byte) (*Transmit, bool) {
	if !conn.hasRemote {
		p.log.Debug("no nominated path yet, dropping packet", "id", conn.id)
		return nil, false
	}

	switch conn.remote.Kind {
	case RemoteDirect:
		return &Transmit{Src: conn.remote.Src, Dst: conn.remote.Dst, Payload: wg}, true

	case RemoteRelay:
		alloc, ok := p.allocations[conn.remote.Relay]
		if !ok {
			// Nomination guarantees the allocation exists; hitting this
			// means the path outlived its allocation.
			p.log.Warn("nominated relay has no allocation", "id", conn.id, "relay", conn.remote.Relay)
			return nil, false
		}
		need := turnclient.ChannelDataHeaderSize + len(wg)
		if cap(p.scratch) < need {
			p.scratch = make([]byte, need*2)
		}
		buf := p.scratch[:need]
		copy(buf[turnclient.ChannelDataHeaderSize:], wg)
		n, ok := alloc.EncodeHeader(conn.remote.Dst, buf)
		if !ok {
			p.log.Warn("no channel bound for peer, dropping packet", "id", conn.id, "peer", conn.remote.Dst)
			return nil, false
		}
		return &Transmit{Dst: alloc.Server(), Payload: buf[:n]}, true
	}
	return nil, false
}

// bufferTransmit queues a pool-generated datagram (handshake replies,
// keepalives) for the next PollTransmit, dropping the oldest entry on
// overflow.
func (p *Pool) bufferTransmit(t Transmit) {
	if len(p.buffered) >= maxBufferedTransmits {
		p.log.Warn("outbound buffer full, dropping oldest transmit", "dst", p.buffered[0].Dst)
		p.buffered = p.buffered[1:]
	}
	// Buffered payloads must survive further scratch reuse.
	payload := make([]byte, len(t.Payload))
	copy(payload, t.Payload)
	t.Payload = payload
	p.buffered = append(p.buffered, t)
}

// bufferReply frames raw WireGuard bytes back toward the source a packet
// arrived from, wrapping via the allocation when it arrived relayed.
func (p *Pool) bufferReply(wg []byte, local, from netip.AddrPort, relay *netip.AddrPort) {
	if relay != nil {
		if alloc, ok := p.allocations[*relay]; ok {
			if framed, ok := alloc.Encode(from, wg); ok {
				p.bufferTransmit(Transmit{Dst: alloc.Server(), Payload: framed})
				return
			}
		}
		p.log.Warn("cannot frame reply via relay, dropping", "relay", *relay, "peer", from)
		return
	}
	p.bufferTransmit(Transmit{Src: local, Dst: from, Payload: wg})
}
