// Package protocol defines the signalling message types exchanged
// between ironveil endpoints and the coordination service: connection
// offers and answers, trickled ICE candidates, relay presence, and peer
// lifecycle notifications.
//
// All messages are JSON-encoded with a "type" discriminator field. The
// package carries no dependencies so the coordination service can embed
// it unchanged.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Message is the interface implemented by all signalling messages. Each
// message type corresponds to a JSON object with a "type" discriminator.
type Message interface {
	// MessageType returns the wire-format type string (e.g. "join",
	// "request-connection").
	MessageType() string
}

// Credentials are one side's ICE short-term credentials.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionKey is the 32-byte per-connection preshared secret carried in
// an offer, base64-encoded on the wire. The signalling channel carrying
// it must be confidential.
type SessionKey [32]byte

// MarshalText implements encoding.TextMarshaler.
func (k SessionKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SessionKey) UnmarshalText(text []byte) error {
	b, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding session key: %w", err)
	}
	if len(b) != len(k) {
		return fmt.Errorf("invalid session key length: got %d, want %d", len(b), len(k))
	}
	copy(k[:], b)
	return nil
}

// PeerInfo describes a connected peer, used in the PeersMessage.
type PeerInfo struct {
	PeerID    string `json:"peerId"`
	PublicKey string `json:"publicKey"`
}

// RelayInfo describes one TURN relay the coordination service vouches
// for, with time-limited credentials minted for the receiving peer.
type RelayInfo struct {
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// JoinMessage is sent by a client to announce itself.
type JoinMessage struct {
	PeerID    string `json:"peerId"`
	PublicKey string `json:"publicKey"`
}

func (JoinMessage) MessageType() string { return "join" }

// PeersMessage lists the other peers currently present, sent by the
// service to a newly joined peer.
type PeersMessage struct {
	Peers []PeerInfo `json:"peers"`
}

func (PeersMessage) MessageType() string { return "peers" }

// PeerLeftMessage is broadcast when a peer disconnects.
type PeerLeftMessage struct {
	PeerID string `json:"peerId"`
}

func (PeerLeftMessage) MessageType() string { return "peer-left" }

// RequestConnectionMessage is the connection offer: the initiator's ICE
// credentials plus the session key both sides mix into the tunnel
// handshake.
type RequestConnectionMessage struct {
	From        string      `json:"from"`
	To          string      `json:"to"`
	PublicKey   string      `json:"publicKey"`
	SessionKey  SessionKey  `json:"sessionKey"`
	Credentials Credentials `json:"credentials"`
}

func (RequestConnectionMessage) MessageType() string { return "request-connection" }

// AllowAccessMessage is the answer: the accepting side's ICE
// credentials.
type AllowAccessMessage struct {
	From        string      `json:"from"`
	To          string      `json:"to"`
	PublicKey   string      `json:"publicKey"`
	Credentials Credentials `json:"credentials"`
}

func (AllowAccessMessage) MessageType() string { return "allow-access" }

// RejectAccessMessage declines a RequestConnectionMessage.
type RejectAccessMessage struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (RejectAccessMessage) MessageType() string { return "reject-access" }

// BroadcastIceCandidatesMessage trickles newly gathered candidates.
type BroadcastIceCandidatesMessage struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	Candidates []string `json:"candidates"`
}

func (BroadcastIceCandidatesMessage) MessageType() string { return "broadcast-ice-candidates" }

// InvalidatedIceCandidatesMessage retracts candidates that are no longer
// reachable (an interface went away, an allocation was released).
type InvalidatedIceCandidatesMessage struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	Candidates []string `json:"candidates"`
}

func (InvalidatedIceCandidatesMessage) MessageType() string { return "invalidated-ice-candidates" }

// RelaysPresenceMessage announces the currently available TURN relays.
type RelaysPresenceMessage struct {
	Relays []RelayInfo `json:"relays"`
}

func (RelaysPresenceMessage) MessageType() string { return "relays-presence" }

// ResourceUpdatedMessage informs peers that a protected resource behind
// the named peer changed.
type ResourceUpdatedMessage struct {
	PeerID    string   `json:"peerId"`
	Resources []string `json:"resources"`
}

func (ResourceUpdatedMessage) MessageType() string { return "resource-updated" }

// messageTypes maps wire-format type strings to factory functions that
// produce zero-value pointers of the corresponding message type.
var messageTypes = map[string]func() Message{
	"join":                       func() Message { return &JoinMessage{} },
	"peers":                      func() Message { return &PeersMessage{} },
	"peer-left":                  func() Message { return &PeerLeftMessage{} },
	"request-connection":         func() Message { return &RequestConnectionMessage{} },
	"allow-access":               func() Message { return &AllowAccessMessage{} },
	"reject-access":              func() Message { return &RejectAccessMessage{} },
	"broadcast-ice-candidates":   func() Message { return &BroadcastIceCandidatesMessage{} },
	"invalidated-ice-candidates": func() Message { return &InvalidatedIceCandidatesMessage{} },
	"relays-presence":            func() Message { return &RelaysPresenceMessage{} },
	"resource-updated":           func() Message { return &ResourceUpdatedMessage{} },
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator field.
func Marshal(msg Message) ([]byte, error) {
	// First, marshal the message to get its fields as raw JSON.
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	// Decode into a generic map so we can inject the "type" field.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON message, using the "type" discriminator
// to decode into the correct concrete Message type.
func Unmarshal(data []byte) (Message, error) {
	// First pass: extract the type field.
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}

	// Second pass: decode into the concrete type.
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return msg, nil
}
