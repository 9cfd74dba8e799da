package pool

import (
	"net/netip"
	"time"

	"github.com/kuuji/ironveil/internal/iceagent"
	"github.com/kuuji/ironveil/internal/session"
)

// RemoteSocketKind tags RemoteSocket.
type RemoteSocketKind int

const (
	// RemoteDirect reaches the peer straight from one of our
	// interfaces.
	RemoteDirect RemoteSocketKind = iota

	// RemoteRelay reaches the peer through a TURN allocation; outbound
	// traffic is wrapped as channel-data addressed to the relay.
	RemoteRelay
)

// RemoteSocket is the pool's model of where a peer is currently reached.
type RemoteSocket struct {
	Kind RemoteSocketKind

	// Src is the local interface socket (RemoteDirect).
	Src netip.AddrPort

	// Relay is the TURN server's control socket (RemoteRelay); it always
	// corresponds to an Allocation held by the pool.
	Relay netip.AddrPort

	// Dst is the peer's address as seen by whichever socket sends.
	Dst netip.AddrPort
}

// TurnServer is one TURN server a connection is allowed to use, with the
// time-limited credentials the coordination service issued for it.
type TurnServer struct {
	Addr     netip.AddrPort
	Username string
	Password string
}

// Connection is a fully negotiated peer: ICE agent plus tunnel.
type Connection struct {
	id           string
	agent        *iceagent.Agent
	tunn         *session.Tunn
	remoteStatic [32]byte

	remote    RemoteSocket
	hasRemote bool

	// possibleSockets are sources traffic has been observed from while
	// nomination is still settling; inbound WireGuard from any of them
	// is dispatched to this connection.
	possibleSockets map[netip.AddrPort]struct{}

	allowedStun map[netip.AddrPort]struct{}
	allowedTurn map[netip.AddrPort]struct{}

	nextTimerUpdate time.Time
	lastSeen        time.Time
}

// accepts reports whether a WireGuard datagram from this source belongs
// to this connection.
func (c *Connection) accepts(from netip.AddrPort) bool {
	if c.hasRemote && c.remote.Dst == from {
		return true
	}
	_, ok := c.possibleSockets[from]
	return ok
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

// RemoteSocket returns the currently nominated path, if any.
func (c *Connection) RemoteSocket() (RemoteSocket, bool) {
	return c.remote, c.hasRemote
}

// initialTTL is how long an InitialConnection waits for an answer before
// the pool declares it failed.
const initialTTL = 10 * time.Second

// InitialConnection is a connection we have offered but whose answer has
// not arrived yet: ICE is already running, Noise keys are not yet
// available.
type InitialConnection struct {
	id         string
	agent      *iceagent.Agent
	sessionKey [32]byte

	allowedStun map[netip.AddrPort]struct{}
	allowedTurn map[netip.AddrPort]struct{}

	createdAt time.Time
}

func addrSet(addrs []netip.AddrPort) map[netip.AddrPort]struct{} {
	set := make(map[netip.AddrPort]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return set
}

func turnSet(servers []TurnServer) map[netip.AddrPort]struct{} {
	set := make(map[netip.AddrPort]struct{}, len(servers))
	for _, s := range servers {
		set[s.Addr] = struct{}{}
	}
	return set
}
