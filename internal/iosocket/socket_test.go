package iosocket

import (
	"bytes"
	"net/netip"
	"testing"
	"time"
)

func TestLoopbackRoundTrip(t *testing.T) {
	t.Parallel()

	recv, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("listen recv: %v", err)
	}
	defer recv.Close()

	send, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("listen send: %v", err)
	}
	defer send.Close()

	dst := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), recv.Port())
	payload := []byte("tagged datagram")

	if err := send.Write(Datagram{Dst: dst, Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan Datagram, 1)
	go func() {
		buf := make([]byte, 2048)
		d, err := recv.Read(buf)
		if err != nil {
			return
		}
		done <- d
	}()

	select {
	case d := <-done:
		if !bytes.Equal(d.Payload, payload) {
			t.Errorf("payload: %q", d.Payload)
		}
		if d.Src.Port() != send.Port() {
			t.Errorf("source port: got %d, want %d", d.Src.Port(), send.Port())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("datagram never arrived")
	}
}

func TestListenReportsBoundPort(t *testing.T) {
	t.Parallel()

	s, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer s.Close()
	if s.Port() == 0 {
		t.Error("ephemeral port not reported")
	}
	if s.LocalAddr().Port() != s.Port() {
		t.Error("LocalAddr and Port disagree")
	}
}

func TestLocalAddrsExcludesLoopback(t *testing.T) {
	t.Parallel()

	addrs, err := LocalAddrs()
	if err != nil {
		t.Fatalf("enumerating: %v", err)
	}
	for _, addr := range addrs {
		if addr.IsLoopback() {
			t.Errorf("loopback address %v listed", addr)
		}
		if addr.IsLinkLocalUnicast() {
			t.Errorf("link-local address %v listed", addr)
		}
	}
}
