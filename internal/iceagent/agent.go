// Package iceagent adapts pion/ice to the capability surface the
// connection pool drives: add candidates, test whether a STUN message
// belongs to this agent, feed it packets, and poll for events and
// transmits.
//
// pion/ice is callback-driven and owns goroutines internally, so the
// adapter's job is to invert that: callbacks append to queues behind a
// mutex, packets are injected through a virtual net.PacketConn feeding a
// UDP mux, and outbound checks are captured from the same conn into a
// transmit queue. Nothing here ever blocks the pool's loop.
package iceagent

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/randutil"

	"github.com/kuuji/ironveil/internal/wireformat"
)

// CandidateKind mirrors the ICE candidate types the pool cares about.
type CandidateKind int

const (
	KindHost CandidateKind = iota
	KindServerReflexive
	KindRelayed
	KindPeerReflexive
)

func (k CandidateKind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindServerReflexive:
		return "srflx"
	case KindRelayed:
		return "relay"
	default:
		return "prflx"
	}
}

// EventKind discriminates Event.
type EventKind int

const (
	// EventSignalCandidate: a local candidate should be trickled to the
	// remote peer over signalling.
	EventSignalCandidate EventKind = iota

	// EventNominated: connectivity checks nominated a candidate pair.
	EventNominated

	// EventDiscoveredRecv: traffic arrived from a remote source not yet
	// known as a candidate.
	EventDiscoveredRecv

	// EventDisconnected: the ICE connection left the connected state.
	EventDisconnected
)

// CandidatePair describes a nominated pair in pool terms.
type CandidatePair struct {
	LocalKind   CandidateKind
	Source      netip.AddrPort
	Destination netip.AddrPort
}

// Event is one buffered ICE event.
type Event struct {
	Kind         EventKind
	CandidateSDP string
	Nominated    CandidatePair
	Remote       netip.AddrPort
}

// Config parameterises an Agent.
type Config struct {
	// Controlling selects the ICE role: the client (offerer) controls,
	// the gateway (answerer) is controlled.
	Controlling bool

	// LocalAddr is the interface address host candidates advertise.
	LocalAddr netip.AddrPort

	Logger *slog.Logger
}

// Agent wraps one pion ice.Agent.
type Agent struct {
	mu sync.Mutex

	agent *ice.Agent
	mux   *ice.UDPMuxDefault
	pipe  *packetPipe
	log   *slog.Logger

	controlling          bool
	localUfrag, localPwd string

	knownRemotes map[netip.AddrPort]struct{}
	events       []Event
	closed       bool
	cancel       context.CancelFunc

	candidateSeq int
}

const runesAlpha = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// New creates an Agent gathering host candidates from cfg.LocalAddr.
// Server-reflexive and relayed candidates are not gathered here; the
// pool learns those from its shared STUN bindings and TURN allocations
// and injects them via AddLocalCandidate.
func New(cfg Config) (*Agent, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ufrag, err := randutil.GenerateCryptoRandomString(16, runesAlpha)
	if err != nil {
		return nil, fmt.Errorf("generating ICE ufrag: %w", err)
	}
	pwd, err := randutil.GenerateCryptoRandomString(32, runesAlpha)
	if err != nil {
		return nil, fmt.Errorf("generating ICE pwd: %w", err)
	}

	a := &Agent{
		log:          log.With("component", "ice-agent"),
		controlling:  cfg.Controlling,
		localUfrag:   ufrag,
		localPwd:     pwd,
		knownRemotes: make(map[netip.AddrPort]struct{}),
	}
	a.pipe = newPacketPipe(cfg.LocalAddr)

	loggerFactory := logging.NewDefaultLoggerFactory()
	a.mux = ice.NewUDPMuxDefault(ice.UDPMuxParams{
		UDPConn: a.pipe,
		Logger:  loggerFactory.NewLogger("udpmux"),
	})

	agent, err := ice.NewAgent(&ice.AgentConfig{
		NetworkTypes:   []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		CandidateTypes: []ice.CandidateType{ice.CandidateTypeHost},
		LocalUfrag:     ufrag,
		LocalPwd:       pwd,
		UDPMux:         a.mux,
		LoggerFactory:  loggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ICE agent: %w", err)
	}
	a.agent = agent

	if err := agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			return
		}
		a.mu.Lock()
		a.events = append(a.events, Event{Kind: EventSignalCandidate, CandidateSDP: c.Marshal()})
		a.mu.Unlock()
	}); err != nil {
		return nil, fmt.Errorf("registering candidate callback: %w", err)
	}

	if err := agent.OnSelectedCandidatePairChange(func(local, remote ice.Candidate) {
		pair, ok := pairFromCandidates(local, remote)
		if !ok {
			return
		}
		a.mu.Lock()
		a.events = append(a.events, Event{Kind: EventNominated, Nominated: pair})
		a.mu.Unlock()
	}); err != nil {
		return nil, fmt.Errorf("registering pair callback: %w", err)
	}

	if err := agent.OnConnectionStateChange(func(state ice.ConnectionState) {
		a.log.Debug("ICE connection state changed", "state", state.String())
		if state == ice.ConnectionStateDisconnected || state == ice.ConnectionStateFailed {
			a.mu.Lock()
			a.events = append(a.events, Event{Kind: EventDisconnected})
			a.mu.Unlock()
		}
	}); err != nil {
		return nil, fmt.Errorf("registering state callback: %w", err)
	}

	return a, nil
}

func pairFromCandidates(local, remote ice.Candidate) (CandidatePair, bool) {
	src, err1 := netip.ParseAddr(local.Address())
	dst, err2 := netip.ParseAddr(remote.Address())
	if err1 != nil || err2 != nil {
		return CandidatePair{}, false
	}
	var kind CandidateKind
	switch local.Type() {
	case ice.CandidateTypeHost:
		kind = KindHost
	case ice.CandidateTypeServerReflexive:
		kind = KindServerReflexive
	case ice.CandidateTypeRelay:
		kind = KindRelayed
	default:
		kind = KindPeerReflexive
	}
	return CandidatePair{
		LocalKind:   kind,
		Source:      netip.AddrPortFrom(src.Unmap(), uint16(local.Port())),
		Destination: netip.AddrPortFrom(dst.Unmap(), uint16(remote.Port())),
	}, true
}

// Credentials returns this side's ufrag and pwd for the offer/answer.
func (a *Agent) Credentials() (ufrag, pwd string) {
	return a.localUfrag, a.localPwd
}

// Start begins gathering and connectivity checks against the remote
// credentials received over signalling. The checks run on pion's own
// goroutines; their results surface through PollEvent.
func (a *Agent) Start(remoteUfrag, remotePwd string) error {
	if err := a.agent.GatherCandidates(); err != nil {
		return fmt.Errorf("gathering candidates: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go func() {
		var err error
		if a.controlling {
			_, err = a.agent.Dial(ctx, remoteUfrag, remotePwd)
		} else {
			_, err = a.agent.Accept(ctx, remoteUfrag, remotePwd)
		}
		if err != nil && ctx.Err() == nil {
			a.log.Debug("ICE connectivity attempt ended", "err", err)
			a.mu.Lock()
			a.events = append(a.events, Event{Kind: EventDisconnected})
			a.mu.Unlock()
		}
	}()
	return nil
}

// AddRemoteCandidate parses a trickled SDP candidate string and hands it
// to the agent. The candidate's address is also recorded so
// AcceptsMessage recognises checks arriving from it.
func (a *Agent) AddRemoteCandidate(sdp string) error {
	cand, err := ice.UnmarshalCandidate(sdp)
	if err != nil {
		return fmt.Errorf("parsing remote candidate %q: %w", sdp, err)
	}
	if addr, err := netip.ParseAddr(cand.Address()); err == nil {
		a.mu.Lock()
		a.knownRemotes[netip.AddrPortFrom(addr.Unmap(), uint16(cand.Port()))] = struct{}{}
		a.mu.Unlock()
	}
	if err := a.agent.AddRemoteCandidate(cand); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

// AddLocalCandidate injects a server-reflexive or relayed address learned
// outside the agent (from the pool's shared STUN binding or TURN
// allocation) by trickling it to the remote side as one of ours. The
// remote's checks toward it reach our socket and show up here as
// peer-reflexive, which is all nomination needs.
func (a *Agent) AddLocalCandidate(addr netip.AddrPort, kind CandidateKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candidateSeq++
	component := 1
	priority := candidatePriority(kind)
	sdp := fmt.Sprintf("candidate:%d %d udp %d %s %d typ %s",
		a.candidateSeq, component, priority, addr.Addr(), addr.Port(), kind)
	if kind != KindHost {
		sdp += " raddr 0.0.0.0 rport 0"
	}
	a.events = append(a.events, Event{Kind: EventSignalCandidate, CandidateSDP: sdp})
}

// candidatePriority computes the RFC 8445 §5.1.2.1 recommended priority
// for component 1 with local preference 65535.
func candidatePriority(kind CandidateKind) uint32 {
	var typePref uint32
	switch kind {
	case KindHost:
		typePref = 126
	case KindPeerReflexive:
		typePref = 110
	case KindServerReflexive:
		typePref = 100
	case KindRelayed:
		typePref = 0
	}
	return typePref<<24 | 65535<<8 | uint32(256-1)
}

// CandidateAddr extracts the connection address from an SDP candidate
// string, for callers (the pool's channel pre-binding) that need the
// address without constructing a full candidate.
func CandidateAddr(sdp string) (netip.AddrPort, error) {
	cand, err := ice.UnmarshalCandidate(sdp)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parsing candidate %q: %w", sdp, err)
	}
	addr, err := netip.ParseAddr(cand.Address())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("candidate address %q: %w", cand.Address(), err)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(cand.Port())), nil
}

// AcceptsMessage reports whether a STUN message belongs to this agent:
// either its USERNAME names our local ufrag, or it is a response from a
// source we are running checks against.
func (a *Agent) AcceptsMessage(from netip.AddrPort, packet []byte) bool {
	if !wireformat.IsSTUN(packet) {
		return false
	}
	msg, err := wireformat.Parse(packet)
	if err != nil || msg.Method != wireformat.MethodBinding {
		return false
	}
	if username := msg.GetUsername(); username != "" {
		return strings.HasPrefix(username, a.localUfrag+":")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, known := a.knownRemotes[from]
	return known
}

// HandlePacket feeds one datagram into the agent's connectivity checks.
// A source we have never seen is surfaced as EventDiscoveredRecv so the
// pool can track it as a possible peer socket.
func (a *Agent) HandlePacket(from netip.AddrPort, packet []byte) {
	a.mu.Lock()
	if _, known := a.knownRemotes[from]; !known {
		a.knownRemotes[from] = struct{}{}
		a.events = append(a.events, Event{Kind: EventDiscoveredRecv, Remote: from})
	}
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	a.pipe.deliver(from, packet)
}

// PollEvent pops the oldest buffered event.
func (a *Agent) PollEvent() (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) == 0 {
		return Event{}, false
	}
	ev := a.events[0]
	a.events = a.events[1:]
	return ev, true
}

// PollTransmit pops one outbound datagram produced by the agent's
// connectivity checks.
func (a *Agent) PollTransmit() (payload []byte, dst netip.AddrPort, ok bool) {
	return a.pipe.pollOutbound()
}

// PollTimeout reports when HandleTimeout next needs to run. pion drives
// its own pacing internally, so the adapter only needs an occasional
// drain tick while checks are live.
func (a *Agent) PollTimeout() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.cancel == nil {
		return time.Time{}, false
	}
	return time.Now().Add(time.Second), true
}

// HandleTimeout exists for scheduler symmetry; all timer work happens on
// pion's goroutines.
func (a *Agent) HandleTimeout(time.Time) {}

// Close tears down the agent and its mux.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.pipe.Close()
	_ = a.mux.Close()
	return a.agent.Close()
}
