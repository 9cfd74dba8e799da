package pool

import (
	"errors"
	"net/netip"
	"time"

	"github.com/kuuji/ironveil/internal/iceagent"
	"github.com/kuuji/ironveil/internal/session"
	"github.com/kuuji/ironveil/internal/turnclient"
)

// PollEvent pops the oldest pool event, first absorbing whatever the ICE
// agents have produced since the last call.
func (p *Pool) PollEvent() (Event, bool) {
	p.drainAgentEvents()
	if len(p.events) == 0 {
		return Event{}, false
	}
	ev := p.events[0]
	p.events = p.events[1:]
	return ev, true
}

func (p *Pool) pushEvent(ev Event) {
	p.events = append(p.events, ev)
}

// drainAgentEvents translates buffered ICE-agent events into pool state
// and pool events.
func (p *Pool) drainAgentEvents() {
	for _, id := range p.initialOrder {
		ic := p.initial[id]
		for {
			ev, ok := ic.agent.PollEvent()
			if !ok {
				break
			}
			if ev.Kind == iceagent.EventSignalCandidate {
				p.pushEvent(Event{Kind: EventSignalIceCandidate, ID: id, CandidateSDP: ev.CandidateSDP})
			}
		}
	}

	var failed []string
	for _, id := range p.connOrder {
		conn := p.conns[id]
		for {
			ev, ok := conn.agent.PollEvent()
			if !ok {
				break
			}
			switch ev.Kind {
			case iceagent.EventSignalCandidate:
				p.pushEvent(Event{Kind: EventSignalIceCandidate, ID: id, CandidateSDP: ev.CandidateSDP})
			case iceagent.EventNominated:
				p.applyNomination(conn, ev.Nominated)
			case iceagent.EventDiscoveredRecv:
				conn.possibleSockets[ev.Remote] = struct{}{}
			case iceagent.EventDisconnected:
				failed = append(failed, id)
			}
		}
	}
	for _, id := range failed {
		p.failConnection(id)
	}
}

// applyNomination converts a nominated ICE pair into the connection's
// RemoteSocket. A relayed local candidate maps to the allocation that
// owns it; host and server-reflexive candidates map to a direct path.
func (p *Pool) applyNomination(conn *Connection, pair iceagent.CandidatePair) {
	var remote RemoteSocket
	switch pair.LocalKind {
	case iceagent.KindRelayed:
		alloc := p.allocationByRelayAddr(pair.Source)
		if alloc == nil {
			p.log.Warn("nominated relayed candidate has no allocation", "id", conn.id, "source", pair.Source)
			return
		}
		remote = RemoteSocket{Kind: RemoteRelay, Relay: alloc.Server(), Dst: pair.Destination}
	case iceagent.KindHost, iceagent.KindServerReflexive:
		remote = RemoteSocket{Kind: RemoteDirect, Src: pair.Source, Dst: pair.Destination}
	default:
		// A peer-reflexive local candidate would mean we nominated an
		// address we never advertised.
		p.log.Warn("ignoring nomination with peer-reflexive local candidate", "id", conn.id)
		return
	}

	if conn.hasRemote && conn.remote == remote {
		return
	}
	p.log.Info("candidate pair nominated", "id", conn.id, "remote", remote)
	conn.remote = remote
	conn.hasRemote = true
	p.pushEvent(Event{Kind: EventConnectionEstablished, ID: conn.id})
}

func (p *Pool) allocationByRelayAddr(relayAddr netip.AddrPort) *turnclient.Allocation {
	for _, alloc := range p.allocations {
		for _, addr := range alloc.RelayAddresses() {
			if addr == relayAddr {
				return alloc
			}
		}
	}
	return nil
}

func (p *Pool) failConnection(id string) {
	p.removeConnection(id)
	p.pushEvent(Event{Kind: EventConnectionFailed, ID: id})
}

// PollTransmit returns the next datagram to put on the wire, draining in
// order: per-connection ICE checks (round-robin so no flow starves the
// others), STUN bindings, TURN allocations, then the buffered queue.
func (p *Pool) PollTransmit() (*Transmit, bool) {
	if t, ok := p.pollAgentTransmit(); ok {
		return t, true
	}
	for _, b := range p.bindings {
		if payload, ok := b.PollTransmit(); ok {
			return &Transmit{Dst: b.Server(), Payload: payload}, true
		}
	}
	for _, alloc := range p.allocations {
		if payload, ok := alloc.PollTransmit(); ok {
			return &Transmit{Dst: alloc.Server(), Payload: payload}, true
		}
	}
	if len(p.buffered) > 0 {
		t := p.buffered[0]
		p.buffered = p.buffered[1:]
		return &t, true
	}
	return nil, false
}

// pollAgentTransmit serves connections one datagram at a time in rotating
// insertion order.
func (p *Pool) pollAgentTransmit() (*Transmit, bool) {
	order := make([]*iceagent.Agent, 0, len(p.initialOrder)+len(p.connOrder))
	for _, id := range p.initialOrder {
		order = append(order, p.initial[id].agent)
	}
	for _, id := range p.connOrder {
		order = append(order, p.conns[id].agent)
	}
	n := len(order)
	if n == 0 {
		return nil, false
	}
	for i := 0; i < n; i++ {
		agent := order[(p.rrOffset+i)%n]
		if payload, dst, ok := agent.PollTransmit(); ok {
			p.rrOffset = (p.rrOffset + i + 1) % n
			return &Transmit{Dst: dst, Payload: payload}, true
		}
	}
	return nil, false
}

// PollTimeout returns the earliest instant HandleTimeout must run:
// the per-connection timer slices, every binding's and allocation's next
// deadline, and the initial-connection TTLs.
func (p *Pool) PollTimeout() (time.Time, bool) {
	var next time.Time
	consider := func(t time.Time, ok bool) {
		if !ok || t.IsZero() {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	for _, id := range p.connOrder {
		conn := p.conns[id]
		consider(conn.nextTimerUpdate, true)
		t, ok := conn.agent.PollTimeout()
		consider(t, ok)
	}
	for _, id := range p.initialOrder {
		ic := p.initial[id]
		consider(ic.createdAt.Add(initialTTL), true)
		t, ok := ic.agent.PollTimeout()
		consider(t, ok)
	}
	for _, b := range p.bindings {
		consider(b.PollTimeout(), true)
	}
	for _, alloc := range p.allocations {
		t, ok := alloc.PollTimeout()
		consider(t, ok)
	}
	return next, !next.IsZero()
}

// HandleTimeout advances every component to now. Must be called with
// non-decreasing now values.
func (p *Pool) HandleTimeout(now time.Time) {
	p.now = now

	for _, b := range p.bindings {
		b.HandleTimeout(now)
	}
	for _, alloc := range p.allocations {
		alloc.HandleTimeout(now)
		p.drainAllocationCandidates(alloc)
	}

	var expired []string
	for _, id := range p.connOrder {
		conn := p.conns[id]
		conn.agent.HandleTimeout(now)
		if now.Before(conn.nextTimerUpdate) {
			continue
		}
		conn.nextTimerUpdate = now.Add(timerSlice)

		outcome := conn.tunn.UpdateTimers(now)
		switch outcome.Kind {
		case session.WriteToNetwork:
			if t, ok := p.frame(conn, outcome.Packet); ok {
				p.bufferTransmit(*t)
			}
		case session.OutcomeErr:
			if errors.Is(outcome.Err, session.ErrConnectionExpired) {
				expired = append(expired, id)
			} else {
				p.log.Debug("timer update failed", "id", id, "err", outcome.Err)
			}
		}
	}
	for _, id := range expired {
		p.log.Info("connection expired, handshake went unanswered", "id", id)
		p.failConnection(id)
	}

	var timedOut []string
	for _, id := range p.initialOrder {
		ic := p.initial[id]
		ic.agent.HandleTimeout(now)
		if now.Sub(ic.createdAt) >= initialTTL {
			timedOut = append(timedOut, id)
		}
	}
	for _, id := range timedOut {
		p.log.Info("no answer within deadline, abandoning connection", "id", id)
		p.failConnection(id)
	}
}
