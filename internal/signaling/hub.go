// Package signaling is the reference signalling transport: a small HTTP
// long-poll hub plus the client the agent daemon uses to reach it. The
// connectivity core never sees this package; it only consumes the
// offers, answers, and trickled candidates the client delivers.
package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kuuji/ironveil/internal/turncred"
	"github.com/kuuji/ironveil/pkg/protocol"
)

// pollWait is how long a poll request parks before returning empty, kept
// under common proxy idle timeouts.
const pollWait = 25 * time.Second

// mailboxDepth bounds queued messages per peer; a peer that never polls
// loses its oldest messages rather than growing without bound.
const mailboxDepth = 256

// Hub relays signalling messages between joined peers. It implements
// http.Handler with four endpoints: POST /join, POST /send, GET /poll,
// POST /leave.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*hubPeer
	log   *slog.Logger

	relayAddrs []string
	turnSecret string
}

type hubPeer struct {
	id        string
	publicKey string
	mailbox   []json.RawMessage
	wake      chan struct{}
	lastSeen  time.Time
}

// NewHub creates a signalling Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		peers: make(map[string]*hubPeer),
		log:   logger.With("component", "hub"),
	}
}

// ConfigureRelays makes the hub announce the given TURN relays to every
// joining peer, minting time-limited credentials from secret per device.
func (h *Hub) ConfigureRelays(addrs []string, secret string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relayAddrs = addrs
	h.turnSecret = secret
}

// ServeHTTP implements http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/join":
		h.handleJoin(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/send":
		h.handleSend(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/poll":
		h.handlePoll(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/leave":
		h.handleLeave(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Hub) handleJoin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	msg, err := protocol.Unmarshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	join, ok := msg.(*protocol.JoinMessage)
	if !ok || join.PeerID == "" {
		http.Error(w, "expected join message", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	var others []protocol.PeerInfo
	for id, p := range h.peers {
		if id != join.PeerID {
			others = append(others, protocol.PeerInfo{PeerID: p.id, PublicKey: p.publicKey})
		}
	}
	peer := &hubPeer{
		id:        join.PeerID,
		publicKey: join.PublicKey,
		wake:      make(chan struct{}, 1),
		lastSeen:  time.Now(),
	}
	h.peers[join.PeerID] = peer

	// Announce the relay set with credentials minted for this device.
	if len(h.relayAddrs) > 0 && h.turnSecret != "" {
		relays := make([]protocol.RelayInfo, 0, len(h.relayAddrs))
		for _, addr := range h.relayAddrs {
			username, password := turncred.GenerateCredentials(h.turnSecret, join.PeerID, 0)
			relays = append(relays, protocol.RelayInfo{Addr: addr, Username: username, Password: password})
		}
		if presence, err := protocol.Marshal(&protocol.RelaysPresenceMessage{Relays: relays}); err == nil {
			peer.deliverLocked(presence)
		}
	}
	h.mu.Unlock()

	h.log.Info("peer joined", "peer_id", join.PeerID)
	reply, err := protocol.Marshal(&protocol.PeersMessage{Peers: others})
	if err != nil {
		http.Error(w, "encoding peer list", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(reply)
}

// handleSend routes one message to its recipient's mailbox. The "to"
// field is read from the envelope; messages without one are broadcast.
func (h *Hub) handleSend(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if _, err := protocol.Unmarshal(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var envelope struct {
		To string `json:"to"`
	}
	_ = json.Unmarshal(body, &envelope)

	h.mu.Lock()
	defer h.mu.Unlock()
	if envelope.To != "" {
		peer, ok := h.peers[envelope.To]
		if !ok {
			http.Error(w, "unknown recipient", http.StatusNotFound)
			return
		}
		peer.deliverLocked(body)
		return
	}
	for id, peer := range h.peers {
		if id != from {
			peer.deliverLocked(body)
		}
	}
}

func (p *hubPeer) deliverLocked(msg json.RawMessage) {
	if len(p.mailbox) >= mailboxDepth {
		p.mailbox = p.mailbox[1:]
	}
	p.mailbox = append(p.mailbox, msg)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) handlePoll(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")

	h.mu.Lock()
	peer, ok := h.peers[peerID]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "not joined", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pollWait)
	defer cancel()

	for {
		h.mu.Lock()
		peer.lastSeen = time.Now()
		if len(peer.mailbox) > 0 {
			msgs := peer.mailbox
			peer.mailbox = nil
			h.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(msgs)
			return
		}
		h.mu.Unlock()

		select {
		case <-peer.wake:
		case <-ctx.Done():
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("[]"))
			return
		}
	}
}

func (h *Hub) handleLeave(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")

	h.mu.Lock()
	_, ok := h.peers[peerID]
	delete(h.peers, peerID)
	left, err := protocol.Marshal(&protocol.PeerLeftMessage{PeerID: peerID})
	if ok && err == nil {
		for _, peer := range h.peers {
			peer.deliverLocked(left)
		}
	}
	h.mu.Unlock()

	if ok {
		h.log.Info("peer left", "peer_id", peerID)
	}
}
