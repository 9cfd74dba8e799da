// Package agent is the top-level orchestrator on the client side: it
// owns the UDP socket, the signalling client, and the connection pool,
// and runs the single event loop that ties them together.
//
// The loop is the only place anything blocks. The pool and everything
// below it are sans-IO; the agent feeds them datagrams, signalling
// messages, and clock pulses, and carries out the transmits and events
// they produce:
//  1. Bind the UDP socket and enumerate local interfaces
//  2. Join the signalling hub and request connections to known peers
//  3. Demultiplex inbound datagrams through the pool
//  4. Drain pool transmits to the socket and pool events to signalling
package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuuji/ironveil/internal/config"
	"github.com/kuuji/ironveil/internal/iosocket"
	"github.com/kuuji/ironveil/internal/pool"
	"github.com/kuuji/ironveil/internal/signaling"
	"github.com/kuuji/ironveil/pkg/protocol"
)

// Agent orchestrates the ironveil endpoint: signalling, the connection
// pool, and the socket loop.
type Agent struct {
	cfg *config.Config
	log *slog.Logger

	pool *pool.Pool
	sock *iosocket.Socket
	sig  *signaling.Client

	// OnTunnelPacket receives every decrypted inbound IP packet. The
	// default logs and drops; the TUN integration (out of tree) installs
	// a real handler.
	OnTunnelPacket func(peerID string, packet []byte)

	// outbound carries SendTo packets onto the loop goroutine, which is
	// the only one allowed to touch the pool.
	outbound chan outboundPacket

	peerKeys map[string][32]byte // peerID -> static public key
	relays   []pool.TurnServer
}

type outboundPacket struct {
	peerID string
	packet []byte
}

// New creates a new Agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:      cfg,
		log:      logger.With("component", "agent"),
		outbound: make(chan outboundPacket, 64),
		peerKeys: make(map[string][32]byte),
	}
}

// Run starts the agent and blocks until the context is cancelled or a
// fatal error occurs.
func (a *Agent) Run(ctx context.Context) error {
	// 1. Bind the shared UDP socket.
	sock, err := iosocket.Listen(a.cfg.Device.ListenPort, a.log)
	if err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}
	a.sock = sock
	defer sock.Close()

	// 2. Create the pool with our static identity. The socket's actual
	// port is what host candidates must advertise (a configured port of
	// zero binds an ephemeral one).
	a.pool = pool.New(pool.Config{
		PrivateKey: [32]byte(a.cfg.Device.PrivateKey),
		LocalPort:  sock.Port(),
		Logger:     a.log,
	})

	now := time.Now()
	addrs, err := iosocket.LocalAddrs()
	if err != nil {
		return fmt.Errorf("enumerating interfaces: %w", err)
	}
	for _, addr := range addrs {
		a.pool.AddLocalInterface(addr, now)
	}
	a.log.Info("local interfaces registered", "count", len(addrs))

	// Statically configured relays are usable before the hub announces any.
	for _, srv := range a.cfg.TURN.Servers {
		if addr, err := netip.ParseAddrPort(srv.Addr); err == nil {
			a.relays = append(a.relays, pool.TurnServer{Addr: addr, Username: srv.Username, Password: srv.Password})
		} else {
			a.log.Warn("skipping unparseable TURN server", "addr", srv.Addr, "err", err)
		}
	}

	// 3. Connect signalling.
	pub, err := a.cfg.PublicKey()
	if err != nil {
		return fmt.Errorf("deriving public key: %w", err)
	}
	a.sig = signaling.NewClient(a.cfg.Network.HubURL, a.cfg.Network.DeviceID, pub.String(), a.log)

	packets := make(chan iosocket.Datagram, 64)
	sigMsgs := make(chan []byte, 64)

	g, gctx := errgroup.WithContext(ctx)

	// Unblock the socket read when the group winds down.
	stopRead := context.AfterFunc(gctx, func() { sock.Close() })
	defer stopRead()

	g.Go(func() error {
		return a.readLoop(gctx, packets)
	})
	g.Go(func() error {
		defer a.sig.Leave(context.Background())
		return a.sig.Run(gctx, func(raw []byte) {
			msg := make([]byte, len(raw))
			copy(msg, raw)
			select {
			case sigMsgs <- msg:
			case <-gctx.Done():
			}
		})
	})
	g.Go(func() error {
		return a.loop(gctx, packets, sigMsgs)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readLoop moves datagrams from the socket into the loop's channel. Each
// datagram gets its own buffer; the pool may hold decrypted views of it
// until the next call.
func (a *Agent) readLoop(ctx context.Context, packets chan<- iosocket.Datagram) error {
	for {
		buf := make([]byte, 2048)
		d, err := a.sock.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading socket: %w", err)
		}
		select {
		case packets <- d:
		case <-ctx.Done():
			return nil
		}
	}
}

// loop is the single-threaded core: every pool call happens here.
func (a *Agent) loop(ctx context.Context, packets <-chan iosocket.Datagram, sigMsgs <-chan []byte) error {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		a.armTimer(timer)

		select {
		case <-ctx.Done():
			a.pool.Close(time.Now())
			a.flush(ctx)
			return nil

		case d := <-packets:
			now := time.Now()
			plaintext, err := a.pool.Decapsulate(d.Dst, d.Src, d.Payload, now)
			if err != nil {
				a.log.Debug("datagram not handled", "src", d.Src, "err", err)
			} else if plaintext != nil {
				a.deliver(plaintext)
			}

		case raw := <-sigMsgs:
			a.handleSignal(ctx, raw)

		case ob := <-a.outbound:
			t, err := a.pool.Encapsulate(ob.peerID, ob.packet, time.Now())
			if err != nil {
				a.log.Debug("outbound packet dropped", "peer", ob.peerID, "err", err)
			} else if t != nil {
				if err := a.sock.Write(iosocket.Datagram{Src: t.Src, Dst: t.Dst, Payload: t.Payload}); err != nil {
					a.log.Warn("socket write failed", "dst", t.Dst, "err", err)
				}
			}

		case <-timer.C:
			a.pool.HandleTimeout(time.Now())
		}

		a.flush(ctx)
	}
}

// armTimer resets timer to the pool's next deadline, with a one-second
// ceiling so the loop never sleeps past a freshly added component.
func (a *Agent) armTimer(timer *time.Timer) {
	next := time.Second
	if deadline, ok := a.pool.PollTimeout(); ok {
		if until := time.Until(deadline); until < next {
			next = until
		}
	}
	if next < 0 {
		next = 0
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(next)
}

// flush drains pool transmits onto the socket and pool events into
// signalling.
func (a *Agent) flush(ctx context.Context) {
	for {
		t, ok := a.pool.PollTransmit()
		if !ok {
			break
		}
		err := a.sock.Write(iosocket.Datagram{Src: t.Src, Dst: t.Dst, Payload: t.Payload})
		if err != nil {
			a.log.Warn("socket write failed", "dst", t.Dst, "err", err)
		}
	}

	for {
		ev, ok := a.pool.PollEvent()
		if !ok {
			break
		}
		switch ev.Kind {
		case pool.EventSignalIceCandidate:
			a.sendSignal(ctx, &protocol.BroadcastIceCandidatesMessage{
				From:       a.cfg.Network.DeviceID,
				To:         ev.ID,
				Candidates: []string{ev.CandidateSDP},
			})
		case pool.EventConnectionEstablished:
			a.log.Info("connection established", "peer", ev.ID)
		case pool.EventConnectionFailed:
			a.log.Warn("connection failed", "peer", ev.ID)
			delete(a.peerKeys, ev.ID)
		}
	}
}

func (a *Agent) deliver(packet []byte) {
	if a.OnTunnelPacket != nil {
		a.OnTunnelPacket("", packet)
		return
	}
	a.log.Debug("decrypted packet with no tunnel handler", "len", len(packet))
}

// SendTo hands one IP packet to the loop for encryption and emission to
// the named peer. Safe to call from any goroutine; the packet is dropped
// with an error if the loop's queue is full.
func (a *Agent) SendTo(peerID string, ipPacket []byte) error {
	packet := make([]byte, len(ipPacket))
	copy(packet, ipPacket)
	select {
	case a.outbound <- outboundPacket{peerID: peerID, packet: packet}:
		return nil
	default:
		return fmt.Errorf("outbound queue full, dropping packet for %s", peerID)
	}
}

// handleSignal dispatches one raw signalling message.
func (a *Agent) handleSignal(ctx context.Context, raw []byte) {
	msg, err := protocol.Unmarshal(raw)
	if err != nil {
		a.log.Warn("undecodable signalling message", "err", err)
		return
	}
	now := time.Now()

	switch m := msg.(type) {
	case *protocol.PeersMessage:
		// We just joined: offer a connection to every present peer.
		for _, peer := range m.Peers {
			a.requestConnection(ctx, peer.PeerID, peer.PublicKey, now)
		}

	case *protocol.RequestConnectionMessage:
		a.acceptConnection(ctx, m, now)

	case *protocol.AllowAccessMessage:
		remoteStatic, err := parseKey(m.PublicKey)
		if err != nil {
			a.log.Warn("answer with bad public key", "peer", m.From, "err", err)
			return
		}
		a.peerKeys[m.From] = remoteStatic
		answer := pool.Answer{Username: m.Credentials.Username, Password: m.Credentials.Password}
		if err := a.pool.AcceptAnswer(m.From, remoteStatic, answer, now); err != nil {
			a.log.Warn("accepting answer failed", "peer", m.From, "err", err)
		}

	case *protocol.RejectAccessMessage:
		a.log.Info("connection rejected by peer", "peer", m.From, "reason", m.Reason)
		a.pool.RemoveConnection(m.From)

	case *protocol.BroadcastIceCandidatesMessage:
		for _, c := range m.Candidates {
			if err := a.pool.AddRemoteCandidate(m.From, c, now); err != nil {
				a.log.Debug("remote candidate rejected", "peer", m.From, "err", err)
			}
		}

	case *protocol.InvalidatedIceCandidatesMessage:
		// The agent keeps no per-candidate state worth tearing down; the
		// pool notices dead paths via ICE and tunnel timers.
		a.log.Debug("peer invalidated candidates", "peer", m.From, "count", len(m.Candidates))

	case *protocol.RelaysPresenceMessage:
		a.relays = a.relays[:0]
		for _, r := range m.Relays {
			addr, err := netip.ParseAddrPort(r.Addr)
			if err != nil {
				a.log.Warn("relay with unparseable address", "addr", r.Addr, "err", err)
				continue
			}
			a.relays = append(a.relays, pool.TurnServer{Addr: addr, Username: r.Username, Password: r.Password})
		}
		a.log.Info("relay set updated", "count", len(a.relays))

	case *protocol.PeerLeftMessage:
		a.log.Info("peer left", "peer", m.PeerID)
		a.pool.RemoveConnection(m.PeerID)
		delete(a.peerKeys, m.PeerID)

	case *protocol.ResourceUpdatedMessage:
		a.log.Debug("resource update", "peer", m.PeerID, "resources", m.Resources)
	}
}

func (a *Agent) requestConnection(ctx context.Context, peerID, publicKey string, now time.Time) {
	remoteStatic, err := parseKey(publicKey)
	if err != nil {
		a.log.Warn("peer with bad public key", "peer", peerID, "err", err)
		return
	}

	offer, err := a.pool.NewConnection(peerID, a.stunServers(), a.relays, now)
	if err != nil {
		a.log.Warn("creating connection failed", "peer", peerID, "err", err)
		return
	}
	a.peerKeys[peerID] = remoteStatic

	pub, _ := a.cfg.PublicKey()
	a.sendSignal(ctx, &protocol.RequestConnectionMessage{
		From:        a.cfg.Network.DeviceID,
		To:          peerID,
		PublicKey:   pub.String(),
		SessionKey:  protocol.SessionKey(offer.SessionKey),
		Credentials: protocol.Credentials{Username: offer.Username, Password: offer.Password},
	})
}

func (a *Agent) acceptConnection(ctx context.Context, m *protocol.RequestConnectionMessage, now time.Time) {
	remoteStatic, err := parseKey(m.PublicKey)
	if err != nil {
		a.log.Warn("offer with bad public key", "peer", m.From, "err", err)
		return
	}

	offer := pool.Offer{
		SessionKey: [32]byte(m.SessionKey),
		Username:   m.Credentials.Username,
		Password:   m.Credentials.Password,
	}
	answer, err := a.pool.AcceptConnection(m.From, offer, remoteStatic, a.stunServers(), a.relays, now)
	if err != nil {
		a.log.Warn("accepting connection failed", "peer", m.From, "err", err)
		a.sendSignal(ctx, &protocol.RejectAccessMessage{
			From:   a.cfg.Network.DeviceID,
			To:     m.From,
			Reason: "connection setup failed",
		})
		return
	}
	a.peerKeys[m.From] = remoteStatic

	pub, _ := a.cfg.PublicKey()
	a.sendSignal(ctx, &protocol.AllowAccessMessage{
		From:        a.cfg.Network.DeviceID,
		To:          m.From,
		PublicKey:   pub.String(),
		Credentials: protocol.Credentials{Username: answer.Username, Password: answer.Password},
	})
}

func (a *Agent) sendSignal(ctx context.Context, msg protocol.Message) {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		a.log.Error("marshaling signalling message", "err", err)
		return
	}
	if err := a.sig.Send(ctx, raw); err != nil {
		a.log.Warn("sending signalling message failed", "err", err)
	}
}

func (a *Agent) stunServers() []netip.AddrPort {
	var out []netip.AddrPort
	for _, s := range a.cfg.STUN.Servers {
		addr, err := netip.ParseAddrPort(s)
		if err != nil {
			// Hostname entries are resolved at startup by the CLI; here
			// only literal addresses remain.
			continue
		}
		out = append(out, addr)
	}
	return out
}

func parseKey(s string) ([32]byte, error) {
	var key [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decoding base64 key: %w", err)
	}
	if len(b) != 32 {
		return key, fmt.Errorf("invalid key length: got %d, want 32", len(b))
	}
	copy(key[:], b)
	return key, nil
}
