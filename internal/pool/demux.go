package pool

import (
	"net/netip"
	"time"

	"github.com/kuuji/ironveil/internal/iceagent"
	"github.com/kuuji/ironveil/internal/noise"
	"github.com/kuuji/ironveil/internal/session"
	"github.com/kuuji/ironveil/internal/stunclient"
	"github.com/kuuji/ironveil/internal/turnclient"
	"github.com/kuuji/ironveil/internal/wireformat"
)

// Decapsulate steers one inbound datagram through the layered demux:
// STUN bindings first, then TURN allocations (control, then channel-data
// unwrap), then ICE agents, and finally the WireGuard tunnels. It
// returns a decrypted IP packet when the datagram carried tunnel data
// for us, or nil when it was consumed by a lower layer.
//
// Malformed and unauthenticated tunnel packets are dropped here with a
// debug log; they never tear state down.
func (p *Pool) Decapsulate(local, from netip.AddrPort, packet []byte, now time.Time) ([]byte, error) {
	p.now = now

	// 1. Shared STUN bindings.
	for _, b := range p.bindings {
		if b.AcceptsPacket(from, packet) {
			b.HandlePacket(from, packet)
			p.drainBindingCandidates(b)
			return nil, nil
		}
	}

	// 2. TURN allocations: control traffic is consumed; channel-data is
	// unwrapped and the inner payload re-enters the demux as if it had
	// arrived directly from the peer.
	var relaySocket *netip.AddrPort
	for _, alloc := range p.allocations {
		if alloc.HandlePacket(from, packet, now) {
			p.drainAllocationCandidates(alloc)
			return nil, nil
		}
		if peer, inner, relay, ok := alloc.Decapsulate(from, packet); ok {
			from = peer
			packet = inner
			relaySocket = &relay
			break
		}
	}

	// 3. ICE connectivity checks.
	if wireformat.IsSTUN(packet) {
		if !p.knownInterface(local) {
			return nil, ErrUnknownInterface
		}
		for _, ic := range p.initial {
			if ic.agent.AcceptsMessage(from, packet) {
				ic.agent.HandlePacket(from, packet)
				return nil, nil
			}
		}
		for _, conn := range p.conns {
			if conn.agent.AcceptsMessage(from, packet) {
				conn.agent.HandlePacket(from, packet)
				return nil, nil
			}
		}
		return nil, ErrUnmatchedPacket
	}

	// 4. WireGuard.
	return p.decapsulateWireGuard(local, from, packet, relaySocket, now)
}

func (p *Pool) decapsulateWireGuard(local, from netip.AddrPort, packet []byte, relaySocket *netip.AddrPort, now time.Time) ([]byte, error) {
	msgType, ok := noise.MessageType(packet)
	if !ok {
		return nil, ErrUnmatchedPacket
	}

	switch msgType {
	case noise.MessageTypeInitiation:
		p.handleInitiation(local, from, packet, relaySocket, now)
		return nil, nil

	case noise.MessageTypeResponse:
		p.handleResponse(from, packet)
		return nil, nil

	case noise.MessageTypeCookieReply:
		p.handleCookieReply(from, packet)
		return nil, nil

	case noise.MessageTypeTransport:
		return p.handleTransport(local, from, packet, relaySocket, now)

	default:
		return nil, ErrUnmatchedPacket
	}
}

// handleInitiation runs responder-side handshake processing: rate-limit,
// under-load cookie challenge, peer identification, and the response.
func (p *Pool) handleInitiation(local, from netip.AddrPort, packet []byte, relaySocket *netip.AddrPort, now time.Time) {
	msg, err := noise.ParseInitiation(packet)
	if err != nil {
		p.log.Debug("malformed handshake initiation", "from", from, "err", err)
		return
	}

	macInput := packet[:len(packet)-32]
	if !noise.VerifyMAC1(p.publicKey, macInput, msg.MAC1) {
		p.log.Debug("handshake initiation failed MAC1", "from", from)
		return
	}

	srcBytes := addrPortBytes(from)
	allowed := p.limiter.Allow(from.String())
	if p.limiter.UnderLoad() && !p.cookieChecker.VerifyMAC2(srcBytes, packet) {
		// Challenge the initiator; a retry carrying MAC2 derived from
		// this cookie passes the check above.
		reply, err := p.cookieChecker.CreateReply(p.publicKey, msg.Sender, msg.MAC1, srcBytes)
		if err != nil {
			return
		}
		p.stats.CookieRepliesSent++
		p.bufferReply(reply.Marshal(), local, from, relaySocket)
		return
	}
	if !allowed && !p.limiter.UnderLoad() {
		return
	}

	remoteStatic, hash, chainKey, err := noise.IdentifyInitiation(msg, p.privateKey, p.publicKey)
	if err != nil {
		p.log.Debug("handshake initiation from unknown identity", "from", from, "err", err)
		return
	}

	conn := p.connByStatic(remoteStatic)
	if conn == nil {
		p.log.Debug("handshake initiation from unconfigured peer", "from", from)
		return
	}

	response, err := conn.tunn.HandleInitiation(msg, hash, chainKey)
	if err != nil {
		p.log.Debug("handshake initiation rejected", "id", conn.id, "from", from, "err", err)
		return
	}
	p.stats.HandshakesAccepted++
	conn.possibleSockets[from] = struct{}{}
	conn.lastSeen = now
	p.bufferReply(response, local, from, relaySocket)
}

func (p *Pool) handleResponse(from netip.AddrPort, packet []byte) {
	msg, err := noise.ParseResponse(packet)
	if err != nil {
		p.log.Debug("malformed handshake response", "from", from, "err", err)
		return
	}
	// Prefer the connection the source belongs to, but a response can
	// legitimately arrive from a not-yet-nominated path.
	if conn := p.connBySource(from); conn != nil {
		if err := conn.tunn.HandleResponse(msg); err == nil {
			return
		}
	}
	for _, id := range p.connOrder {
		conn := p.conns[id]
		if err := conn.tunn.HandleResponse(msg); err == nil {
			conn.possibleSockets[from] = struct{}{}
			return
		}
	}
	p.log.Debug("handshake response matched no connection", "from", from)
}

func (p *Pool) handleCookieReply(from netip.AddrPort, packet []byte) {
	msg, err := noise.ParseCookieReply(packet)
	if err != nil {
		p.log.Debug("malformed cookie reply", "from", from, "err", err)
		return
	}
	for _, id := range p.connOrder {
		conn := p.conns[id]
		if err := conn.tunn.HandleCookieReply(msg, conn.remoteStatic); err == nil {
			return
		}
	}
}

func (p *Pool) handleTransport(local, from netip.AddrPort, packet []byte, relaySocket *netip.AddrPort, now time.Time) ([]byte, error) {
	conn := p.connBySource(from)
	if conn == nil {
		return nil, ErrUnmatchedPacket
	}

	outcome := conn.tunn.Decapsulate(packet)
	switch outcome.Kind {
	case session.Done:
		conn.lastSeen = now
		return nil, nil

	case session.WriteToTunnelV4, session.WriteToTunnelV6:
		conn.lastSeen = now
		p.stats.BytesReceived += uint64(len(outcome.Packet))
		p.learnRemoteSocket(conn, local, from, relaySocket)
		return outcome.Packet, nil

	case session.OutcomeErr:
		p.log.Debug("transport packet dropped", "id", conn.id, "from", from, "err", outcome.Err)
		return nil, nil

	default:
		return nil, nil
	}
}

// learnRemoteSocket follows the path the peer actually reaches us on:
// each authenticated inbound tunnel packet renominates the socket it
// arrived by, so after roaming the very next Encapsulate uses the new
// path without waiting for a fresh ICE nomination.
func (p *Pool) learnRemoteSocket(conn *Connection, local, from netip.AddrPort, relaySocket *netip.AddrPort) {
	var remote RemoteSocket
	if relaySocket != nil {
		remote = RemoteSocket{Kind: RemoteRelay, Relay: *relaySocket, Dst: from}
	} else {
		remote = RemoteSocket{Kind: RemoteDirect, Src: local, Dst: from}
	}

	if !conn.hasRemote || conn.remote != remote {
		p.log.Info("peer socket updated from tunnel activity",
			"id", conn.id, "old", conn.remote, "new", remote)
		conn.remote = remote
		conn.hasRemote = true
	}
}

func (p *Pool) connByStatic(remoteStatic [32]byte) *Connection {
	for _, id := range p.connOrder {
		if conn := p.conns[id]; conn.remoteStatic == remoteStatic {
			return conn
		}
	}
	return nil
}

func (p *Pool) connBySource(from netip.AddrPort) *Connection {
	for _, id := range p.connOrder {
		if conn := p.conns[id]; conn.accepts(from) {
			return conn
		}
	}
	return nil
}

// drainBindingCandidates pushes a binding's fresh server-reflexive
// candidate into every connection allowed to use that STUN server.
func (p *Pool) drainBindingCandidates(b *stunclient.Binding) {
	for {
		candidate, ok := b.PollCandidate()
		if !ok {
			return
		}
		for _, ic := range p.initial {
			if _, allowed := ic.allowedStun[b.Server()]; allowed {
				ic.agent.AddLocalCandidate(candidate, iceagent.KindServerReflexive)
			}
		}
		for _, conn := range p.conns {
			if _, allowed := conn.allowedStun[b.Server()]; allowed {
				conn.agent.AddLocalCandidate(candidate, iceagent.KindServerReflexive)
			}
		}
	}
}

// drainAllocationCandidates pushes an allocation's fresh relayed
// candidates into every connection allowed to use that TURN server.
func (p *Pool) drainAllocationCandidates(alloc *turnclient.Allocation) {
	for {
		candidate, ok := alloc.PollCandidate()
		if !ok {
			return
		}
		for _, ic := range p.initial {
			if _, allowed := ic.allowedTurn[alloc.Server()]; allowed {
				ic.agent.AddLocalCandidate(candidate, iceagent.KindRelayed)
			}
		}
		for _, conn := range p.conns {
			if _, allowed := conn.allowedTurn[alloc.Server()]; allowed {
				conn.agent.AddLocalCandidate(candidate, iceagent.KindRelayed)
			}
		}
	}
}

// addrPortBytes serialises an address as ip||port for cookie MACs.
func addrPortBytes(ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap().AsSlice()
	out := make([]byte, len(addr)+2)
	copy(out, addr)
	out[len(addr)] = byte(ap.Port() >> 8)
	out[len(addr)+1] = byte(ap.Port())
	return out
}
