package iceagent

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"
)

var pipeLocal = netip.MustParseAddrPort("10.0.0.1:51820")

func TestPipeDeliversInOrder(t *testing.T) {
	t.Parallel()

	p := newPacketPipe(pipeLocal)
	src := netip.MustParseAddrPort("192.0.2.5:4000")

	p.deliver(src, []byte("one"))
	p.deliver(src, []byte("two"))

	buf := make([]byte, 64)
	n, addr, err := p.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("one")) {
		t.Errorf("first read: %q", buf[:n])
	}
	if addr.(*net.UDPAddr).AddrPort() != src {
		t.Errorf("source: %v", addr)
	}

	n, _, err = p.ReadFrom(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte("two")) {
		t.Errorf("second read: %q err=%v", buf[:n], err)
	}
}

func TestPipeCapturesWrites(t *testing.T) {
	t.Parallel()

	p := newPacketPipe(pipeLocal)
	dst := net.UDPAddrFromAddrPort(netip.MustParseAddrPort("203.0.113.9:3478"))

	if _, err := p.WriteTo([]byte("check"), dst); err != nil {
		t.Fatalf("write: %v", err)
	}

	payload, to, ok := p.pollOutbound()
	if !ok {
		t.Fatal("no captured outbound packet")
	}
	if !bytes.Equal(payload, []byte("check")) || to != dst.AddrPort() {
		t.Errorf("captured: %q -> %v", payload, to)
	}
	if _, _, ok := p.pollOutbound(); ok {
		t.Error("phantom second packet")
	}
}

func TestPipeReadDeadline(t *testing.T) {
	t.Parallel()

	p := newPacketPipe(pipeLocal)
	if err := p.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}

	buf := make([]byte, 16)
	start := time.Now()
	_, _, err := p.ReadFrom(buf)
	if err == nil {
		t.Fatal("read returned without data or deadline")
	}
	if time.Since(start) > time.Second {
		t.Error("deadline did not fire promptly")
	}
}

func TestPipeCloseUnblocksRead(t *testing.T) {
	t.Parallel()

	p := newPacketPipe(pipeLocal)
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, _, err := p.ReadFrom(buf)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case err := <-done:
		if err != net.ErrClosed {
			t.Errorf("read after close: got %v, want net.ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not unblock ReadFrom")
	}
}

func TestPipeLocalAddr(t *testing.T) {
	t.Parallel()

	p := newPacketPipe(pipeLocal)
	if p.LocalAddr().(*net.UDPAddr).AddrPort() != pipeLocal {
		t.Errorf("local addr: %v", p.LocalAddr())
	}
}

func TestCandidateAddr(t *testing.T) {
	t.Parallel()

	addr, err := CandidateAddr("candidate:1 1 udp 2130706431 192.0.2.7 61000 typ host")
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if addr != netip.MustParseAddrPort("192.0.2.7:61000") {
		t.Errorf("candidate addr: %v", addr)
	}

	if _, err := CandidateAddr("not a candidate"); err == nil {
		t.Error("garbage candidate parsed")
	}
}

func TestAddLocalCandidateQueuesSignalEvent(t *testing.T) {
	t.Parallel()

	agent, err := New(Config{Controlling: true, LocalAddr: pipeLocal})
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	defer agent.Close()

	srflx := netip.MustParseAddrPort("198.51.100.8:62000")
	agent.AddLocalCandidate(srflx, KindServerReflexive)

	ev, ok := agent.PollEvent()
	if !ok || ev.Kind != EventSignalCandidate {
		t.Fatalf("event: %+v ok=%v", ev, ok)
	}
	parsed, err := CandidateAddr(ev.CandidateSDP)
	if err != nil {
		t.Fatalf("injected candidate does not parse: %v (%q)", err, ev.CandidateSDP)
	}
	if parsed != srflx {
		t.Errorf("injected candidate addr: %v, want %v", parsed, srflx)
	}
}
