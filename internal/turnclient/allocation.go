// Package turnclient implements the client side of TURN: one Allocation
// per configured relay server, holding the long-term-credential exchange,
// the allocation refresh loop, per-peer channel bindings, and the
// zero-copy channel-data framing used on the relayed path.
//
// The Allocation is sans-IO and is shared by every connection in the pool
// whose allowed TURN servers include this one; channel numbers are scoped
// to the allocation, so one allocation multiplexes many peers.
package turnclient

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kuuji/ironveil/internal/wireformat"
)

const (
	// defaultLifetime is the allocation lifetime requested on Allocate.
	defaultLifetime = 10 * time.Minute

	// channelLifetime is how long a channel binding lasts on the server;
	// the client refreshes its bindings at half that.
	channelLifetime        = 10 * time.Minute
	channelRefreshInterval = channelLifetime / 2

	requestTimeout = 5 * time.Second

	// maxAuthRetries bounds how many times one request is retried before
	// the allocation is marked failed. The budget is shared by 401, 438
	// and 441 answers (and timeouts); a request that draws two 438s in a
	// row is retried twice.
	maxAuthRetries = 2
)

type phase int

const (
	phaseAllocating phase = iota
	phaseActive
	phaseFailed
	phaseReleased
)

type requestKind int

const (
	reqAllocate requestKind = iota
	reqRefresh
	reqChannelBind
	reqPermission
)

type pendingRequest struct {
	kind     requestKind
	peer     netip.AddrPort // ChannelBind / CreatePermission target
	channel  uint16
	lifetime uint32 // Refresh only
	sentAt   time.Time
	retries  int
}

type channelBinding struct {
	peer      netip.AddrPort
	confirmed bool
	boundAt   time.Time
}

// Allocation is the client-side state for one TURN server.
type Allocation struct {
	server netip.AddrPort
	log    *slog.Logger

	username string
	password string
	realm    string
	nonce    string

	state     phase
	relayV4   netip.AddrPort
	haveV4    bool
	relayV6   netip.AddrPort
	haveV6    bool
	lifetime  time.Duration
	refreshAt time.Time

	channels      map[uint16]*channelBinding
	channelByPeer map[netip.AddrPort]uint16
	nextChannel   uint16

	requests map[[12]byte]*pendingRequest

	pending       [][]byte
	newCandidates []netip.AddrPort
}

// NewAllocation creates an Allocation and queues the initial
// (unauthenticated) Allocate request; the server's 401 supplies the realm
// and nonce used from then on.
func NewAllocation(server netip.AddrPort, username, password string, now time.Time, log *slog.Logger) *Allocation {
	if log == nil {
		log = slog.Default()
	}
	a := &Allocation{
		server:        server,
		log:           log.With("component", "turn-allocation", "server", server),
		username:      username,
		password:      password,
		channels:      make(map[uint16]*channelBinding),
		channelByPeer: make(map[netip.AddrPort]uint16),
		nextChannel:   wireformat.ChannelNumberMin,
		requests:      make(map[[12]byte]*pendingRequest),
	}
	a.sendAllocate(now, 0)
	return a
}

// Server returns the relay server address this allocation talks to.
func (a *Allocation) Server() netip.AddrPort { return a.server }

// RelayAddresses returns the relayed transport addresses granted by the
// server, one per address family it allocated.
func (a *Allocation) RelayAddresses() []netip.AddrPort {
	var out []netip.AddrPort
	if a.haveV4 {
		out = append(out, a.relayV4)
	}
	if a.haveV6 {
		out = append(out, a.relayV6)
	}
	return out
}

// Active reports whether the allocation has been granted and not yet
// released or failed.
func (a *Allocation) Active() bool { return a.state == phaseActive }

func (a *Allocation) authKey() []byte {
	return wireformat.DeriveAuthKey(a.username, a.realm, a.password)
}

func (a *Allocation) newTxID() [12]byte {
	var txID [12]byte
	rand.Read(txID[:])
	return txID
}

func (a *Allocation) sendAllocate(now time.Time, retries int) {
	txID := a.newTxID()
	b := wireformat.NewBuilder(wireformat.MethodAllocate, wireformat.ClassRequest, txID).
		AddRaw(wireformat.AttrRequestedTransport, []byte{17, 0, 0, 0}). // UDP
		AddRaw(wireformat.AttrAdditionalAddressFamily, []byte{wireformat.FamilyIPv6, 0, 0, 0}).
		AddLifetime(uint32(defaultLifetime / time.Second))

	var key []byte
	if a.nonce != "" {
		b.AddUsername(a.username).AddRealm(a.realm).AddNonce(a.nonce)
		key = a.authKey()
	}
	a.pending = append(a.pending, b.Build(key))
	a.requests[txID] = &pendingRequest{kind: reqAllocate, sentAt: now, retries: retries}
}

func (a *Allocation) sendRefresh(lifetime uint32, now time.Time, retries int) {
	txID := a.newTxID()
	msg := wireformat.NewBuilder(wireformat.MethodRefresh, wireformat.ClassRequest, txID).
		AddLifetime(lifetime).
		AddUsername(a.username).AddRealm(a.realm).AddNonce(a.nonce).
		Build(a.authKey())
	a.pending = append(a.pending, msg)
	a.requests[txID] = &pendingRequest{kind: reqRefresh, lifetime: lifetime, sentAt: now, retries: retries}
}

func (a *Allocation) sendChannelBind(peer netip.AddrPort, channel uint16, now time.Time, retries int) {
	txID := a.newTxID()
	msg := wireformat.NewBuilder(wireformat.MethodChannelBind, wireformat.ClassRequest, txID).
		AddChannelNumber(channel).
		AddXORAddress(wireformat.AttrXORPeerAddress, wireformat.XORAddress{
			IP:   peer.Addr().AsSlice(),
			Port: int(peer.Port()),
		}).
		AddUsername(a.username).AddRealm(a.realm).AddNonce(a.nonce).
		Build(a.authKey())
	a.pending = append(a.pending, msg)
	a.requests[txID] = &pendingRequest{kind: reqChannelBind, peer: peer, channel: channel, sentAt: now, retries: retries}
}

// BindChannel assigns a channel number to peer (if none is bound yet) and
// sends the ChannelBind request. Binding the same peer again refreshes
// its existing channel.
func (a *Allocation) BindChannel(peer netip.AddrPort, now time.Time) {
	if a.state == phaseFailed || a.state == phaseReleased {
		return
	}
	if ch, ok := a.channelByPeer[peer]; ok {
		a.sendChannelBind(peer, ch, now, 0)
		return
	}

	ch, ok := a.allocateChannelNumber()
	if !ok {
		a.log.Warn("channel number space exhausted", "peer", peer)
		return
	}
	a.channels[ch] = &channelBinding{peer: peer, boundAt: now}
	a.channelByPeer[peer] = ch
	if a.state == phaseActive {
		a.sendChannelBind(peer, ch, now, 0)
	}
}

func (a *Allocation) allocateChannelNumber() (uint16, bool) {
	for i := 0; i <= wireformat.ChannelNumberMax-wireformat.ChannelNumberMin; i++ {
		ch := a.nextChannel
		a.nextChannel++
		if a.nextChannel > wireformat.ChannelNumberMax {
			a.nextChannel = wireformat.ChannelNumberMin
		}
		if _, taken := a.channels[ch]; !taken {
			return ch, true
		}
	}
	return 0, false
}

// HasChannel reports whether peer currently has a server-confirmed
// channel on this allocation.
func (a *Allocation) HasChannel(peer netip.AddrPort) bool {
	ch, ok := a.channelByPeer[peer]
	if !ok {
		return false
	}
	return a.channels[ch].confirmed
}

// ChannelDataHeaderSize is the space EncodeHeader needs reserved in front
// of the payload.
const ChannelDataHeaderSize = 4

// EncodeHeader frames packet as channel-data for peer, in place: the
// caller must have written the payload at packet[4:] and left the first
// four bytes for the header. Returns the total frame length, or false if
// the peer has no confirmed channel (the caller should drop the packet;
// a pending BindChannel will eventually install one).
func (a *Allocation) EncodeHeader(peer netip.AddrPort, packet []byte) (int, bool) {
	if len(packet) < ChannelDataHeaderSize {
		return 0, false
	}
	ch, ok := a.channelByPeer[peer]
	if !ok || !a.channels[ch].confirmed {
		return 0, false
	}
	payloadLen := len(packet) - ChannelDataHeaderSize
	binary.BigEndian.PutUint16(packet[0:2], ch)
	binary.BigEndian.PutUint16(packet[2:4], uint16(payloadLen))
	return len(packet), true
}

// Encode frames payload as channel-data for peer into a fresh buffer.
func (a *Allocation) Encode(peer netip.AddrPort, payload []byte) ([]byte, bool) {
	ch, ok := a.channelByPeer[peer]
	if !ok || !a.channels[ch].confirmed {
		return nil, false
	}
	return wireformat.BuildChannelData(ch, payload), true
}

// Decapsulate recognises inbound channel-data from the relay and unwraps
// it, returning the peer the payload originated from and the relay socket
// it traversed. Non-channel-data (or data from elsewhere) is not
// consumed.
func (a *Allocation) Decapsulate(from netip.AddrPort, packet []byte) (peer netip.AddrPort, payload []byte, relay netip.AddrPort, ok bool) {
	if from != a.server || !wireformat.IsChannelData(packet) {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}
	cd, err := wireformat.ParseChannelData(packet)
	if err != nil {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}
	binding, exists := a.channels[cd.ChannelNumber]
	if !exists {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}
	return binding.peer, cd.Data, a.server, true
}

// HandlePacket consumes TURN control traffic (responses to our requests)
// from the server. It returns true if the packet was consumed.
func (a *Allocation) HandlePacket(from netip.AddrPort, packet []byte, now time.Time) bool {
	if from != a.server || !wireformat.IsSTUN(packet) {
		return false
	}
	msg, err := wireformat.Parse(packet)
	if err != nil {
		return false
	}
	req, ours := a.requests[msg.TransactionID]
	if !ours {
		return false
	}
	delete(a.requests, msg.TransactionID)

	switch msg.Class {
	case wireformat.ClassSuccessResponse:
		a.handleSuccess(req, &msg, now)
	case wireformat.ClassErrorResponse:
		a.handleError(req, &msg, now)
	}
	return true
}

func (a *Allocation) handleSuccess(req *pendingRequest, msg *wireformat.Message, now time.Time) {
	switch req.kind {
	case reqAllocate:
		for _, v := range msg.GetAttrs(wireformat.AttrXORRelayedAddress) {
			xa := wireformat.DecodeXORAddress(v, msg.TransactionID)
			addr, ok := netip.AddrFromSlice(xa.IP)
			if !ok {
				continue
			}
			ap := netip.AddrPortFrom(addr.Unmap(), uint16(xa.Port))
			if ap.Addr().Is4() {
				a.relayV4, a.haveV4 = ap, true
			} else {
				a.relayV6, a.haveV6 = ap, true
			}
			a.newCandidates = append(a.newCandidates, ap)
		}
		if lifetime := msg.GetLifetime(); lifetime > 0 {
			a.lifetime = time.Duration(lifetime) * time.Second
		} else {
			a.lifetime = defaultLifetime
		}
		a.state = phaseActive
		a.refreshAt = now.Add(a.lifetime * 3 / 4)
		a.log.Info("allocation granted", "relays", a.RelayAddresses(), "lifetime", a.lifetime)

		// Channels requested before the allocation existed can go out now.
		for ch, binding := range a.channels {
			if !binding.confirmed {
				a.sendChannelBind(binding.peer, ch, now, 0)
			}
		}

	case reqRefresh:
		if req.lifetime == 0 {
			a.state = phaseReleased
			a.log.Info("allocation released")
			return
		}
		if lifetime := msg.GetLifetime(); lifetime > 0 {
			a.lifetime = time.Duration(lifetime) * time.Second
		}
		a.refreshAt = now.Add(a.lifetime * 3 / 4)

	case reqChannelBind:
		if binding, ok := a.channels[req.channel]; ok {
			binding.confirmed = true
			binding.boundAt = now
			a.log.Debug("channel bound", "channel", req.channel, "peer", req.peer)
		}
	}
}

func (a *Allocation) handleError(req *pendingRequest, msg *wireformat.Message, now time.Time) {
	code := errorCode(msg)
	switch code {
	case 401:
		if req.retries >= maxAuthRetries {
			a.fail("credentials rejected")
			return
		}
		a.realm = msg.GetRealm()
		a.nonce = msg.GetNonce()
		a.resend(req, now)
	case 438:
		// Stale nonce: take the fresh one and retry, within the request's
		// shared maxAuthRetries budget.
		if req.retries >= maxAuthRetries {
			a.fail("nonce kept going stale")
			return
		}
		a.nonce = msg.GetNonce()
		a.resend(req, now)
	case 441:
		if req.retries >= maxAuthRetries {
			a.fail("wrong credentials")
			return
		}
		a.resend(req, now)
	default:
		a.log.Warn("request rejected", "kind", req.kind, "code", code)
		if req.kind == reqAllocate {
			a.fail("allocate rejected")
		}
		if req.kind == reqChannelBind {
			if ch, ok := a.channelByPeer[req.peer]; ok {
				delete(a.channels, ch)
				delete(a.channelByPeer, req.peer)
			}
		}
	}
}

func (a *Allocation) resend(req *pendingRequest, now time.Time) {
	retries := req.retries + 1
	switch req.kind {
	case reqAllocate:
		a.sendAllocate(now, retries)
	case reqRefresh:
		a.sendRefresh(req.lifetime, now, retries)
	case reqChannelBind:
		a.sendChannelBind(req.peer, req.channel, now, retries)
	}
}

func (a *Allocation) fail(reason string) {
	a.state = phaseFailed
	a.log.Warn("allocation failed", "reason", reason)
}

func errorCode(msg *wireformat.Message) int {
	v := msg.GetAttr(wireformat.AttrErrorCode)
	if len(v) < 4 {
		return 0
	}
	return int(v[2])*100 + int(v[3])
}

// Release queues a zero-lifetime Refresh, deallocating the relay port.
func (a *Allocation) Release(now time.Time) {
	if a.state != phaseActive {
		a.state = phaseReleased
		return
	}
	a.sendRefresh(0, now, 0)
}

// PollCandidate returns one newly learned relayed candidate, if any.
func (a *Allocation) PollCandidate() (netip.AddrPort, bool) {
	if len(a.newCandidates) == 0 {
		return netip.AddrPort{}, false
	}
	c := a.newCandidates[0]
	a.newCandidates = a.newCandidates[1:]
	return c, true
}

// PollTransmit drains one queued outbound datagram, addressed to the
// server.
func (a *Allocation) PollTransmit() ([]byte, bool) {
	if len(a.pending) == 0 {
		return nil, false
	}
	out := a.pending[0]
	a.pending = a.pending[1:]
	return out, true
}

// PollTimeout returns the earliest instant HandleTimeout has work:
// request retransmits, the allocation refresh, or a channel re-bind.
func (a *Allocation) PollTimeout() (time.Time, bool) {
	if a.state == phaseFailed || a.state == phaseReleased {
		return time.Time{}, false
	}
	var next time.Time
	consider := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, req := range a.requests {
		consider(req.sentAt.Add(requestTimeout))
	}
	if a.state == phaseActive {
		consider(a.refreshAt)
		for _, binding := range a.channels {
			if binding.confirmed {
				consider(binding.boundAt.Add(channelRefreshInterval))
			}
		}
	}
	return next, !next.IsZero()
}

// HandleTimeout retransmits timed-out requests, refreshes the allocation
// when its refresh point arrives, and re-binds channels before they
// expire on the server.
func (a *Allocation) HandleTimeout(now time.Time) {
	if a.state == phaseFailed || a.state == phaseReleased {
		return
	}
	for txID, req := range a.requests {
		if now.Sub(req.sentAt) >= requestTimeout {
			delete(a.requests, txID)
			if req.retries >= maxAuthRetries {
				if req.kind == reqAllocate {
					a.fail("allocate timed out")
				}
				continue
			}
			a.resend(req, now)
		}
	}
	if a.state != phaseActive {
		return
	}
	if !a.refreshAt.IsZero() && !now.Before(a.refreshAt) {
		a.refreshAt = now.Add(a.lifetime * 3 / 4)
		a.sendRefresh(uint32(a.lifetime/time.Second), now, 0)
	}
	for ch, binding := range a.channels {
		if binding.confirmed && now.Sub(binding.boundAt) >= channelRefreshInterval {
			binding.boundAt = now
			a.sendChannelBind(binding.peer, ch, now, 0)
		}
	}
}
