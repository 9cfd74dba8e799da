// Package iosocket is the reference implementation of the I/O layer the
// connectivity core consumes: a UDP socket whose datagrams are tagged
// with (src, dst, local interface, ECN) in both directions, using the
// IP_PKTINFO / IPV6_RECVPKTINFO and TOS/TCLASS control messages exposed
// by golang.org/x/net.
//
// The sans-IO core never touches this package; the daemons wire its
// Read/Write into the pool's Decapsulate and Transmit types.
package iosocket

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Datagram is one tagged UDP datagram.
type Datagram struct {
	// Src is the remote address the datagram came from (reads) or the
	// zero value (writes, where the socket picks).
	Src netip.AddrPort

	// Dst is the local address the datagram arrived on (reads) or the
	// remote destination (writes).
	Dst netip.AddrPort

	// IfIndex is the local interface the datagram traversed; zero when
	// the platform didn't report one or the caller doesn't care.
	IfIndex int

	// ECN is the two ECN bits from the IP TOS/traffic-class octet.
	ECN byte

	Payload []byte
}

// Socket is a dual-stack UDP socket with control-message tagging.
type Socket struct {
	log  *slog.Logger
	conn *net.UDPConn
	pc4  *ipv4.PacketConn
	pc6  *ipv6.PacketConn
	port uint16
	is6  bool
}

// Listen binds a UDP socket on the given port across all interfaces and
// enables the control messages that carry the tagging.
func Listen(port uint16, logger *slog.Logger) (*Socket, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("binding UDP port %d: %w", port, err)
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	s := &Socket{
		log:  logger.With("component", "iosocket", "port", local.Port),
		conn: conn,
		port: uint16(local.Port),
	}
	s.is6 = local.IP.To4() == nil

	if s.is6 {
		s.pc6 = ipv6.NewPacketConn(conn)
		if err := s.pc6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface|ipv6.FlagTrafficClass, true); err != nil {
			s.log.Warn("control messages unavailable, datagram tagging degraded", "err", err)
		}
	} else {
		s.pc4 = ipv4.NewPacketConn(conn)
		if err := s.pc4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface|ipv4.FlagTOS, true); err != nil {
			s.log.Warn("control messages unavailable, datagram tagging degraded", "err", err)
		}
	}
	return s, nil
}

// Port returns the bound local port.
func (s *Socket) Port() uint16 { return s.port }

// LocalAddr returns the socket's bound address.
func (s *Socket) LocalAddr() netip.AddrPort {
	return udpAddrPort(s.conn.LocalAddr())
}

// Read blocks for the next datagram, filling buf and returning the
// tagged view. The payload aliases buf.
func (s *Socket) Read(buf []byte) (Datagram, error) {
	if s.is6 {
		n, cm, src, err := s.pc6.ReadFrom(buf)
		if err != nil {
			return Datagram{}, err
		}
		d := Datagram{Src: udpAddrPort(src), Payload: buf[:n]}
		if cm != nil {
			if dst, ok := netip.AddrFromSlice(cm.Dst); ok {
				d.Dst = netip.AddrPortFrom(dst.Unmap(), s.port)
			}
			d.IfIndex = cm.IfIndex
			d.ECN = byte(cm.TrafficClass) & 0x03
		}
		return d, nil
	}

	n, cm, src, err := s.pc4.ReadFrom(buf)
	if err != nil {
		return Datagram{}, err
	}
	d := Datagram{Src: udpAddrPort(src), Payload: buf[:n]}
	if cm != nil {
		if dst, ok := netip.AddrFromSlice(cm.Dst); ok {
			d.Dst = netip.AddrPortFrom(dst.Unmap(), s.port)
		}
		d.IfIndex = cm.IfIndex
		d.ECN = byte(cm.TOS) & 0x03
	}
	return d, nil
}

// Write emits one datagram to d.Dst, pinning the source address when it
// is set. On an IPv6 socket the ECN bits are also written into the
// traffic class; on an IPv4 socket d.ECN is not applied.
func (s *Socket) Write(d Datagram) error {
	dst := net.UDPAddrFromAddrPort(d.Dst)

	if s.is6 {
		var cm *ipv6.ControlMessage
		if d.Src.IsValid() || d.ECN != 0 {
			cm = &ipv6.ControlMessage{TrafficClass: int(d.ECN)}
			if d.Src.IsValid() {
				cm.Src = d.Src.Addr().AsSlice()
			}
		}
		_, err := s.pc6.WriteTo(d.Payload, cm, dst)
		return err
	}

	var cm *ipv4.ControlMessage
	if d.Src.IsValid() {
		cm = &ipv4.ControlMessage{Src: d.Src.Addr().AsSlice()}
	}
	_, err := s.pc4.WriteTo(d.Payload, cm, dst)
	return err
}

// LocalAddrs lists the unicast addresses of every up interface, for
// seeding the pool's interface set.
func LocalAddrs() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	var out []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, addr)
		}
	}
	return out, nil
}

// Close releases the socket.
func (s *Socket) Close() error { return s.conn.Close() }

func udpAddrPort(addr net.Addr) netip.AddrPort {
	if ua, ok := addr.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}
