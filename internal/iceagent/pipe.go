package iceagent

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/transport/v4/deadline"
)

// outboundPacket is one datagram the ICE agent wants on the wire, held
// until the pool's loop drains it.
type outboundPacket struct {
	payload []byte
	dst     netip.AddrPort
}

type inboundPacket struct {
	payload []byte
	src     netip.AddrPort
}

// packetPipe is the virtual net.PacketConn between the pool's loop and
// pion's UDP mux. The pool injects inbound datagrams with deliver (read
// by the mux's goroutine via ReadFrom) and collects outbound ones with
// pollOutbound (written by pion via WriteTo). The mux believes it owns a
// socket bound to local.
type packetPipe struct {
	local netip.AddrPort

	mu       sync.Mutex
	inbound  []inboundPacket
	outbound []outboundPacket
	readable chan struct{}
	closed   bool

	readDeadline *deadline.Deadline
}

func newPacketPipe(local netip.AddrPort) *packetPipe {
	return &packetPipe{
		local:        local,
		readable:     make(chan struct{}, 1),
		readDeadline: deadline.New(),
	}
}

// deliver queues one inbound datagram for the mux to read. The payload
// is copied; the caller's buffer is reused immediately after.
func (p *packetPipe) deliver(src netip.AddrPort, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.inbound = append(p.inbound, inboundPacket{payload: buf, src: src})
	p.notifyLocked()
}

// notifyLocked nudges a blocked ReadFrom. Caller holds p.mu, which also
// orders the send against Close's channel close.
func (p *packetPipe) notifyLocked() {
	select {
	case p.readable <- struct{}{}:
	default:
	}
}

// pollOutbound pops one datagram pion wrote.
func (p *packetPipe) pollOutbound() (payload []byte, dst netip.AddrPort, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outbound) == 0 {
		return nil, netip.AddrPort{}, false
	}
	pkt := p.outbound[0]
	p.outbound = p.outbound[1:]
	return pkt.payload, pkt.dst, true
}

func (p *packetPipe) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, nil, net.ErrClosed
		}
		if len(p.inbound) > 0 {
			pkt := p.inbound[0]
			p.inbound = p.inbound[1:]
			if len(p.inbound) > 0 {
				p.notifyLocked()
			}
			p.mu.Unlock()
			n := copy(b, pkt.payload)
			return n, net.UDPAddrFromAddrPort(pkt.src), nil
		}
		p.mu.Unlock()

		select {
		case <-p.readable:
		case <-p.readDeadline.Done():
			return 0, nil, p.readDeadline.Err()
		}
	}
}

func (p *packetPipe) WriteTo(b []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, net.ErrWriteToConnected
	}
	buf := make([]byte, len(b))
	copy(buf, b)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	p.outbound = append(p.outbound, outboundPacket{payload: buf, dst: udpAddr.AddrPort()})
	return len(b), nil
}

func (p *packetPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.readable)
	return nil
}

func (p *packetPipe) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(p.local)
}

func (p *packetPipe) SetDeadline(t time.Time) error {
	return p.SetReadDeadline(t)
}

func (p *packetPipe) SetReadDeadline(t time.Time) error {
	p.readDeadline.Set(t)
	return nil
}

func (p *packetPipe) SetWriteDeadline(time.Time) error { return nil }
