// Package stunclient implements the client side of plain STUN: a
// per-server Binding that periodically probes the server and caches the
// server-reflexive address it reports. The pool shares one Binding per
// configured STUN server across every connection allowed to use it.
//
// Like the rest of the connectivity core, this package is sans-IO: it
// hands the caller datagrams to send via PollTransmit and consumes
// inbound ones via HandlePacket.
package stunclient

import (
	"crypto/rand"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kuuji/ironveil/internal/wireformat"
)

// refreshInterval is how often the binding re-probes the server, both to
// keep NAT state alive and to notice when the reflexive address changes.
const refreshInterval = 25 * time.Second

// requestTimeout is how long an in-flight request waits for a response
// before the next HandleTimeout retransmits it.
const requestTimeout = 5 * time.Second

// Binding is one STUN server's keep-alive state.
type Binding struct {
	server netip.AddrPort
	log    *slog.Logger

	txID      [12]byte
	inFlight  bool
	sentAt    time.Time
	lastProbe time.Time

	mapped       netip.AddrPort
	haveMapped   bool
	newCandidate bool

	pending [][]byte
}

// NewBinding creates a Binding for one STUN server and queues the first
// probe immediately.
func NewBinding(server netip.AddrPort, now time.Time, log *slog.Logger) *Binding {
	if log == nil {
		log = slog.Default()
	}
	b := &Binding{
		server: server,
		log:    log.With("component", "stun-binding", "server", server),
	}
	b.sendRequest(now)
	return b
}

// Server returns the server address this binding probes.
func (b *Binding) Server() netip.AddrPort { return b.server }

// MappedAddress returns the cached server-reflexive address, if one has
// been learned.
func (b *Binding) MappedAddress() (netip.AddrPort, bool) {
	return b.mapped, b.haveMapped
}

func (b *Binding) sendRequest(now time.Time) {
	rand.Read(b.txID[:])
	req := wireformat.NewBuilder(wireformat.MethodBinding, wireformat.ClassRequest, b.txID).Build(nil)
	b.pending = append(b.pending, req)
	b.inFlight = true
	b.sentAt = now
	b.lastProbe = now
}

// AcceptsPacket reports whether a datagram from the given source is this
// binding's to consume: it must come from the server and parse as a STUN
// binding response carrying our outstanding transaction ID.
func (b *Binding) AcceptsPacket(from netip.AddrPort, packet []byte) bool {
	if from != b.server || !wireformat.IsSTUN(packet) {
		return false
	}
	msg, err := wireformat.Parse(packet)
	if err != nil {
		return false
	}
	return msg.Method == wireformat.MethodBinding && msg.TransactionID == b.txID
}

// HandlePacket consumes a binding response previously accepted by
// AcceptsPacket, caching the XOR-MAPPED-ADDRESS it carries. A changed
// reflexive address re-arms PollCandidate.
func (b *Binding) HandlePacket(from netip.AddrPort, packet []byte) {
	msg, err := wireformat.Parse(packet)
	if err != nil || msg.TransactionID != b.txID {
		return
	}
	b.inFlight = false

	xa, ok := msg.GetXORMappedAddress()
	if !ok {
		return
	}
	addr, ok := netip.AddrFromSlice(xa.IP)
	if !ok {
		return
	}
	mapped := netip.AddrPortFrom(addr.Unmap(), uint16(xa.Port))

	if !b.haveMapped || mapped != b.mapped {
		b.log.Debug("server-reflexive address learned", "mapped", mapped)
		b.mapped = mapped
		b.haveMapped = true
		b.newCandidate = true
	}
}

// PollCandidate returns the server-reflexive candidate once after each
// time it is (re)learned.
func (b *Binding) PollCandidate() (netip.AddrPort, bool) {
	if !b.newCandidate {
		return netip.AddrPort{}, false
	}
	b.newCandidate = false
	return b.mapped, true
}

// PollTransmit drains one queued outbound datagram.
func (b *Binding) PollTransmit() ([]byte, bool) {
	if len(b.pending) == 0 {
		return nil, false
	}
	out := b.pending[0]
	b.pending = b.pending[1:]
	return out, true
}

// PollTimeout returns the next instant HandleTimeout needs to run.
func (b *Binding) PollTimeout() time.Time {
	if b.inFlight {
		return b.sentAt.Add(requestTimeout)
	}
	return b.lastProbe.Add(refreshInterval)
}

// HandleTimeout retransmits a timed-out request or starts the periodic
// re-probe once refreshInterval has elapsed.
func (b *Binding) HandleTimeout(now time.Time) {
	if b.inFlight && now.Sub(b.sentAt) >= requestTimeout {
		b.sendRequest(now)
		return
	}
	if !b.inFlight && now.Sub(b.lastProbe) >= refreshInterval {
		b.sendRequest(now)
	}
}

// Refresh forces an immediate re-probe, used when the set of local
// interfaces changes and the reflexive address may be stale.
func (b *Binding) Refresh(now time.Time) {
	b.sendRequest(now)
}
