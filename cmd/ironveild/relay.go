package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kuuji/ironveil/internal/config"
	"github.com/kuuji/ironveil/internal/turnserver"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay",
	RunE:  runRelay,
}

// clientPacket is one datagram from the client-facing socket.
type clientPacket struct {
	src  netip.AddrPort
	data []byte
}

// peerPacket is one datagram from an allocated relay port.
type peerPacket struct {
	port uint16
	peer netip.AddrPort
	data []byte
}

type allocKey struct {
	port   uint16
	family turnserver.AddressFamily
}

// relay is the I/O shell around the sans-IO turnserver.Server: it owns
// the client socket, one socket per allocated relay port, and the single
// goroutine all server calls happen on.
type relay struct {
	log    *slog.Logger
	srv    *turnserver.Server
	client *net.UDPConn
	fw     firewall

	addrV4 netip.Addr
	addrV6 netip.Addr

	mu     sync.Mutex
	allocs map[allocKey]*net.UDPConn

	peerPackets chan peerPacket
}

func runRelay(cmd *cobra.Command, args []string) error {
	path := globalConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Network.TURNSecret == "" {
		return fmt.Errorf("network.turn_secret is required")
	}

	var addrV4, addrV6 netip.Addr
	if cfg.Relay.PublicIPv4 != "" {
		if addrV4, err = netip.ParseAddr(cfg.Relay.PublicIPv4); err != nil {
			return fmt.Errorf("parsing relay.public_ipv4: %w", err)
		}
	}
	if cfg.Relay.PublicIPv6 != "" {
		if addrV6, err = netip.ParseAddr(cfg.Relay.PublicIPv6); err != nil {
			return fmt.Errorf("parsing relay.public_ipv6: %w", err)
		}
	}
	if !addrV4.IsValid() && !addrV6.IsValid() {
		return fmt.Errorf("at least one of relay.public_ipv4 / relay.public_ipv6 is required")
	}

	listenPort := cfg.Relay.ListenPort
	if listenPort == 0 {
		listenPort = 3478
	}

	client, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(listenPort)})
	if err != nil {
		return fmt.Errorf("binding relay port %d: %w", listenPort, err)
	}
	defer client.Close()

	fw, err := newFirewall(cfg, globalLogger)
	if err != nil {
		return fmt.Errorf("setting up firewall: %w", err)
	}
	defer fw.Close()

	r := &relay{
		log: globalLogger.With("component", "ironveild"),
		srv: turnserver.New(turnserver.Config{
			AuthSecret: cfg.Network.TURNSecret,
			Realm:      cfg.Relay.Realm,
			AddrV4:     addrV4,
			AddrV6:     addrV6,
			PortLow:    cfg.Relay.PortLow,
			PortHigh:   cfg.Relay.PortHigh,
			Logger:     globalLogger,
		}),
		client:      client,
		fw:          fw,
		addrV4:      addrV4,
		addrV6:      addrV6,
		allocs:      make(map[allocKey]*net.UDPConn),
		peerPackets: make(chan peerPacket, 256),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r.log.Info("relay listening", "port", listenPort, "ipv4", cfg.Relay.PublicIPv4, "ipv6", cfg.Relay.PublicIPv6)

	g, gctx := errgroup.WithContext(ctx)
	clientPackets := make(chan clientPacket, 256)

	// Unblock the client-socket read when the group winds down.
	stopRead := context.AfterFunc(gctx, func() { client.Close() })
	defer stopRead()

	g.Go(func() error {
		return r.clientReadLoop(gctx, clientPackets)
	})
	g.Go(func() error {
		return r.loop(gctx, clientPackets)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		r.log.Info("ironveild stopped")
		return nil
	}
	return err
}

func (r *relay) clientReadLoop(ctx context.Context, out chan<- clientPacket) error {
	for {
		buf := make([]byte, 2048)
		n, src, err := r.client.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading client socket: %w", err)
		}
		select {
		case out <- clientPacket{src: normalize(src), data: buf[:n]}:
		case <-ctx.Done():
			return nil
		}
	}
}

// loop is the only goroutine that touches the server state, so client
// messages are strictly serialised and timeouts interleave between them.
func (r *relay) loop(ctx context.Context, clientPackets <-chan clientPacket) error {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		r.armTimer(timer)

		select {
		case <-ctx.Done():
			r.closeAll()
			return nil

		case cp := <-clientPackets:
			now := time.Now()
			if fwd := r.srv.HandleClientInput(cp.data, cp.src, now); fwd != nil {
				r.forwardToPeer(fwd)
			}

		case pp := <-r.peerPackets:
			if cf := r.srv.HandlePeerTraffic(pp.data, pp.peer, pp.port); cf != nil {
				frame := turnserver.EncodeChannelData(cf.Channel, pp.data)
				if _, err := r.client.WriteToUDPAddrPort(frame, cf.Client); err != nil {
					r.log.Warn("writing to client failed", "client", cf.Client, "err", err)
				}
			}

		case <-timer.C:
			r.srv.HandleTimeout(time.Now())
		}

		r.drainCommands(ctx)
	}
}

func (r *relay) armTimer(timer *time.Timer) {
	next := time.Second
	if deadline, ok := r.srv.PollTimeout(); ok {
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

func (r *relay) forwardToPeer(fwd *turnserver.PeerForward) {
	family := turnserver.FamilyV4
	if fwd.Peer.Addr().Is6() {
		family = turnserver.FamilyV6
	}
	r.mu.Lock()
	conn := r.allocs[allocKey{port: fwd.AllocationPort, family: family}]
	r.mu.Unlock()
	if conn == nil {
		r.log.Debug("no socket for allocation", "port", fwd.AllocationPort, "family", family)
		return
	}
	if _, err := conn.WriteToUDPAddrPort(fwd.Payload, fwd.Peer); err != nil {
		r.log.Warn("forwarding to peer failed", "peer", fwd.Peer, "err", err)
	}
}

func (r *relay) drainCommands(ctx context.Context) {
	for {
		cmd, ok := r.srv.NextCommand()
		if !ok {
			return
		}
		switch cmd.Kind {
		case turnserver.CommandSendMessage:
			if _, err := r.client.WriteToUDPAddrPort(cmd.Payload, cmd.Recipient); err != nil {
				r.log.Warn("sending response failed", "recipient", cmd.Recipient, "err", err)
			}

		case turnserver.CommandCreateAllocation:
			r.openAllocation(ctx, cmd.Port, cmd.Family)
			if err := r.fw.Apply(cmd); err != nil {
				r.log.Warn("firewall update failed", "err", err)
			}

		case turnserver.CommandFreeAllocation:
			r.closeAllocation(cmd.Port, cmd.Family)
			if err := r.fw.Apply(cmd); err != nil {
				r.log.Warn("firewall update failed", "err", err)
			}

		case turnserver.CommandCreateChannelBinding, turnserver.CommandDeleteChannelBinding:
			if err := r.fw.Apply(cmd); err != nil {
				r.log.Warn("firewall update failed", "err", err)
			}
		}
	}
}

func (r *relay) openAllocation(ctx context.Context, port uint16, family turnserver.AddressFamily) {
	bindIP := r.addrV4
	network := "udp4"
	if family == turnserver.FamilyV6 {
		bindIP = r.addrV6
		network = "udp6"
	}

	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(netip.AddrPortFrom(bindIP, port)))
	if err != nil {
		r.log.Error("opening relay port failed", "port", port, "family", family, "err", err)
		return
	}

	r.mu.Lock()
	r.allocs[allocKey{port: port, family: family}] = conn
	r.mu.Unlock()

	go func() {
		for {
			buf := make([]byte, 2048)
			n, peer, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				// Closed on FreeAllocation or shutdown.
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					r.log.Debug("relay port reader ended", "port", port, "err", err)
				}
				return
			}
			select {
			case r.peerPackets <- peerPacket{port: port, peer: normalize(peer), data: buf[:n]}:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *relay) closeAllocation(port uint16, family turnserver.AddressFamily) {
	key := allocKey{port: port, family: family}
	r.mu.Lock()
	conn := r.allocs[key]
	delete(r.allocs, key)
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (r *relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, conn := range r.allocs {
		conn.Close()
		delete(r.allocs, key)
	}
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
