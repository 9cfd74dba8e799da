// Package noise implements the WireGuard wire protocol: a fixed Noise
// IKpsk2_25519_ChaChaPoly_BLAKE2s handshake between two static X25519
// identities, plus the mac1/mac2 cookie mechanism that protects the
// responder from handshake-initiation flooding.
//
// This package is sans-IO: it never touches a socket. Callers hand it
// bytes received on the wire and get back either bytes to send or an
// error; timers and retransmission live one layer up, in internal/session.
package noise

import (
	"encoding/binary"

	"github.com/kuuji/ironveil/internal/crypto"
)

// Message type octet values, identical across all four wire messages.
const (
	MessageTypeInitiation  uint32 = 1
	MessageTypeResponse    uint32 = 2
	MessageTypeCookieReply uint32 = 3
	MessageTypeTransport   uint32 = 4
)

// Wire sizes of the four handshake/transport message kinds.
const (
	InitiationSize      = 4 + 4 + 32 + 32 + crypto.AEADTagSize + TimestampSize + crypto.AEADTagSize + 16 + 16
	ResponseSize        = 4 + 4 + 4 + 32 + crypto.AEADTagSize + 16 + 16
	CookieReplySize     = 4 + 4 + 24 + 16 + crypto.AEADTagSize
	TransportHeaderSize = 4 + 4 + 8
)

// Protocol-identity constants fixed by the WireGuard specification; both
// sides must agree on these byte strings for the handshake hashes to match.
const (
	constructionIdentifier = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier           = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	labelMAC1              = "mac1----"
	labelCookie            = "cookie--"
)

// initialChainKey and initialHash are the fixed starting points for every
// handshake transcript, derived once from the protocol identity strings.
var (
	initialChainKey [crypto.HashSize]byte
	initialHash     [crypto.HashSize]byte
)

func init() {
	initialChainKey = crypto.Hash([]byte(constructionIdentifier))
	initialHash = crypto.Hash(initialChainKey[:], []byte(wgIdentifier))
}

// Initiation is the first handshake message, sent by the initiator.
type Initiation struct {
	Sender    uint32
	Ephemeral [32]byte
	Static    [32 + crypto.AEADTagSize]byte
	Timestamp [TimestampSize + crypto.AEADTagSize]byte
	MAC1      [16]byte
	MAC2      [16]byte
}

// Marshal encodes msg to its 148-byte wire form.
func (msg *Initiation) Marshal() []byte {
	b := make([]byte, InitiationSize)
	binary.LittleEndian.PutUint32(b[0:4], MessageTypeInitiation)
	binary.LittleEndian.PutUint32(b[4:8], msg.Sender)
	off := 8
	off += copy(b[off:], msg.Ephemeral[:])
	off += copy(b[off:], msg.Static[:])
	off += copy(b[off:], msg.Timestamp[:])
	off += copy(b[off:], msg.MAC1[:])
	copy(b[off:], msg.MAC2[:])
	return b
}

// ParseInitiation decodes an Initiation from its wire form. It does not
// validate MAC1/MAC2 or decrypt anything; callers must do that separately.
func ParseInitiation(b []byte) (*Initiation, error) {
	if len(b) != InitiationSize {
		return nil, crypto.ErrInvalidPacket
	}
	if binary.LittleEndian.Uint32(b[0:4]) != MessageTypeInitiation {
		return nil, crypto.ErrInvalidPacket
	}
	msg := &Initiation{Sender: binary.LittleEndian.Uint32(b[4:8])}
	off := 8
	off += copy(msg.Ephemeral[:], b[off:off+32])
	off += copy(msg.Static[:], b[off:off+32+crypto.AEADTagSize])
	off += copy(msg.Timestamp[:], b[off:off+TimestampSize+crypto.AEADTagSize])
	off += copy(msg.MAC1[:], b[off:off+16])
	copy(msg.MAC2[:], b[off:off+16])
	return msg, nil
}

// macInput returns the prefix of the wire message covered by MAC1/MAC2 --
// everything up to (but not including) the MAC fields themselves.
func (msg *Initiation) macInput() []byte {
	b := msg.Marshal()
	return b[:len(b)-32]
}

// Response is the second handshake message, sent by the responder.
type Response struct {
	Sender    uint32
	Receiver  uint32
	Ephemeral [32]byte
	Empty     [0 + crypto.AEADTagSize]byte
	MAC1      [16]byte
	MAC2      [16]byte
}

// Marshal encodes msg to its 92-byte wire form.
func (msg *Response) Marshal() []byte {
	b := make([]byte, ResponseSize)
	binary.LittleEndian.PutUint32(b[0:4], MessageTypeResponse)
	binary.LittleEndian.PutUint32(b[4:8], msg.Sender)
	binary.LittleEndian.PutUint32(b[8:12], msg.Receiver)
	off := 12
	off += copy(b[off:], msg.Ephemeral[:])
	off += copy(b[off:], msg.Empty[:])
	off += copy(b[off:], msg.MAC1[:])
	copy(b[off:], msg.MAC2[:])
	return b
}

// ParseResponse decodes a Response from its wire form.
func ParseResponse(b []byte) (*Response, error) {
	if len(b) != ResponseSize {
		return nil, crypto.ErrInvalidPacket
	}
	if binary.LittleEndian.Uint32(b[0:4]) != MessageTypeResponse {
		return nil, crypto.ErrInvalidPacket
	}
	msg := &Response{
		Sender:   binary.LittleEndian.Uint32(b[4:8]),
		Receiver: binary.LittleEndian.Uint32(b[8:12]),
	}
	off := 12
	off += copy(msg.Ephemeral[:], b[off:off+32])
	off += copy(msg.Empty[:], b[off:off+crypto.AEADTagSize])
	off += copy(msg.MAC1[:], b[off:off+16])
	copy(msg.MAC2[:], b[off:off+16])
	return msg, nil
}

func (msg *Response) macInput() []byte {
	b := msg.Marshal()
	return b[:len(b)-32]
}

// CookieReply carries an encrypted cookie the responder wants the
// initiator to echo back as MAC2 on its next initiation, once the
// responder believes it is under load.
type CookieReply struct {
	Receiver uint32
	Nonce    [crypto.XNonceSize]byte
	Cookie   [16 + crypto.AEADTagSize]byte
}

// Marshal encodes msg to its 64-byte wire form.
func (msg *CookieReply) Marshal() []byte {
	b := make([]byte, CookieReplySize)
	binary.LittleEndian.PutUint32(b[0:4], MessageTypeCookieReply)
	binary.LittleEndian.PutUint32(b[4:8], msg.Receiver)
	off := 8
	off += copy(b[off:], msg.Nonce[:])
	copy(b[off:], msg.Cookie[:])
	return b
}

// ParseCookieReply decodes a CookieReply from its wire form.
func ParseCookieReply(b []byte) (*CookieReply, error) {
	if len(b) != CookieReplySize {
		return nil, crypto.ErrInvalidPacket
	}
	if binary.LittleEndian.Uint32(b[0:4]) != MessageTypeCookieReply {
		return nil, crypto.ErrInvalidPacket
	}
	msg := &CookieReply{Receiver: binary.LittleEndian.Uint32(b[4:8])}
	off := 8
	off += copy(msg.Nonce[:], b[off:off+crypto.XNonceSize])
	copy(msg.Cookie[:], b[off:off+16+crypto.AEADTagSize])
	return msg, nil
}

// MessageType reads the leading type octet of any wire message (transport
// included) without otherwise parsing it. Used by the session/pool demux
// to route a datagram to the right handler.
func MessageType(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[0:4]), true
}
