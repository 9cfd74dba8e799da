package agent

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kuuji/ironveil/internal/config"
	"github.com/kuuji/ironveil/internal/iosocket"
	"github.com/kuuji/ironveil/internal/signaling"
)

// testConfig builds a runnable agent config pointed at the test hub.
// STUN is left empty: both agents sit on the same host, so host
// candidates alone must connect them.
func testConfig(t *testing.T, hubURL, deviceID string) *config.Config {
	t.Helper()
	priv, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Network.HubURL = hubURL
	cfg.Network.DeviceID = deviceID
	cfg.Device.Name = deviceID
	cfg.Device.PrivateKey = priv
	cfg.Device.ListenPort = 0 // ephemeral, so two agents coexist
	cfg.STUN.Servers = nil
	return cfg
}

// TestTwoAgentsNegotiateAndCarryTraffic is the end-to-end path: two
// agents join a real signalling hub, exchange an offer/answer and
// trickled candidates, run ICE connectivity checks over real UDP
// sockets, complete the tunnel handshake, and deliver an IP packet in
// each direction.
func TestTwoAgentsNegotiateAndCarryTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end negotiation is slow")
	}
	addrs, err := iosocket.LocalAddrs()
	if err != nil || len(addrs) == 0 {
		t.Skip("no routable interface for host candidates")
	}

	hub := signaling.NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	alpha := New(testConfig(t, srv.URL, "alpha"), nil)
	beta := New(testConfig(t, srv.URL, "beta"), nil)

	alphaGot := make(chan []byte, 4)
	betaGot := make(chan []byte, 4)
	alpha.OnTunnelPacket = func(_ string, packet []byte) {
		buf := make([]byte, len(packet))
		copy(buf, packet)
		select {
		case alphaGot <- buf:
		default:
		}
	}
	beta.OnTunnelPacket = func(_ string, packet []byte) {
		buf := make([]byte, len(packet))
		copy(buf, packet)
		select {
		case betaGot <- buf:
		default:
		}
	}

	runErr := make(chan error, 2)
	go func() { runErr <- alpha.Run(ctx) }()
	// Stagger the joins so beta (the newcomer) is the one that offers.
	time.Sleep(300 * time.Millisecond)
	go func() { runErr <- beta.Run(ctx) }()

	// alpha → beta: keep offering a packet until the tunnel carries it.
	packet := []byte{0x45, 0, 0, 20, 0, 0, 0, 0, 64, 17, 0, 0, 10, 70, 0, 1, 10, 70, 0, 2}
	if !sendUntilDelivered(t, ctx, func() { _ = alpha.SendTo("beta", packet) }, betaGot, packet) {
		t.Fatal("packet from alpha never reached beta")
	}

	// And the reverse direction over the now-established session.
	reply := []byte{0x45, 0, 0, 20, 0, 0, 0, 0, 64, 17, 0, 0, 10, 70, 0, 2, 10, 70, 0, 1}
	if !sendUntilDelivered(t, ctx, func() { _ = beta.SendTo("alpha", reply) }, alphaGot, reply) {
		t.Fatal("packet from beta never reached alpha")
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-runErr:
			if err != nil && err != context.Canceled && err != context.DeadlineExceeded {
				t.Errorf("agent run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("agent did not shut down")
		}
	}
}

// sendUntilDelivered retries send every 250ms until want shows up on got
// or ctx expires. Early sends fail harmlessly while negotiation is still
// in flight.
func sendUntilDelivered(t *testing.T, ctx context.Context, send func(), got <-chan []byte, want []byte) bool {
	t.Helper()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case received := <-got:
			if bytes.Equal(received, want) {
				return true
			}
		case <-ticker.C:
			send()
		}
	}
}
