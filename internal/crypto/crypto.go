// Package crypto wraps the fixed set of primitives the Noise/WireGuard
// handshake and session layers need: BLAKE2s hashing and keyed MACs, X25519
// Diffie-Hellman, and the two AEADs used on the wire (ChaCha20-Poly1305 for
// data/handshake payloads, XChaCha20-Poly1305 for cookie replies).
//
// Every comparison of an expected MAC or tag value is constant-time.
package crypto

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Sizes of the fixed-width values this package produces or consumes.
const (
	HashSize      = blake2s.Size // 32
	KeySize       = 32           // X25519 / ChaCha20 key size
	Mac16Size     = 16           // truncated keyed-BLAKE2s MAC (mac1/mac2)
	Mac24Size     = 24           // longer keyed-BLAKE2s MAC, reserved for future use
	AEADTagSize   = 16           // Poly1305 tag
	XNonceSize    = 24           // XChaCha20-Poly1305 nonce
	ChainHashSize = blake2s.Size
)

// Sentinel errors surfaced by this package, per spec §7's protocol taxonomy.
var (
	ErrInvalidAeadTag = errors.New("crypto: invalid AEAD tag")
	ErrWrongKey       = errors.New("crypto: wrong key")
	ErrInvalidPacket  = errors.New("crypto: invalid packet")
)

// Hash computes BLAKE2s-256(a || b...). Passing a single slice is valid.
func Hash(parts ...[]byte) [HashSize]byte {
	h, _ := blake2s.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	h.Sum(out[:0])
	return out
}

// HMAC computes HMAC-BLAKE2s(key, data).
func HMAC(key []byte, data []byte) [HashSize]byte {
	return hmacBlake2s(key, data)
}

// HMAC2 computes HMAC-BLAKE2s(key, a||b), the two-input chained variant used
// throughout the handshake's KDF steps.
func HMAC2(key []byte, a, b []byte) [HashSize]byte {
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a...)
	buf = append(buf, b...)
	return hmacBlake2s(key, buf)
}

// hmacBlake2s implements HMAC per RFC 2104 using BLAKE2s-256 as the
// underlying hash, matching the construction wireguard-go's KDF1/2/3 rely on.
func hmacBlake2s(key, data []byte) [HashSize]byte {
	const blockSize = 64

	if len(key) > blockSize {
		h := Hash(key)
		key = h[:]
	}

	ipad := make([]byte, blockSize)
	opad := make([]byte, blockSize)
	copy(ipad, key)
	copy(opad, key)
	for i := range ipad {
		ipad[i] ^= 0x36
		opad[i] ^= 0x5c
	}

	inner := Hash(ipad, data)
	return Hash(opad, inner[:])
}

// KDF1 derives a single 32-byte output from the chaining key and input.
func KDF1(chainKey, input []byte) (t0 [HashSize]byte) {
	prk := HMAC(chainKey, input)
	return HMAC2(prk[:], []byte{0x1}, nil)
}

// KDF2 derives two 32-byte outputs.
func KDF2(chainKey, input []byte) (t0, t1 [HashSize]byte) {
	prk := HMAC(chainKey, input)
	t0 = HMAC2(prk[:], []byte{0x1}, nil)
	t1 = HMAC2(prk[:], append(append([]byte{}, t0[:]...), 0x2), nil)
	return
}

// KDF3 derives three 32-byte outputs, used when mixing the preshared key.
func KDF3(chainKey, input []byte) (t0, t1, t2 [HashSize]byte) {
	prk := HMAC(chainKey, input)
	t0 = HMAC2(prk[:], []byte{0x1}, nil)
	t1 = HMAC2(prk[:], append(append([]byte{}, t0[:]...), 0x2), nil)
	t2 = HMAC2(prk[:], append(append([]byte{}, t1[:]...), 0x3), nil)
	return
}

// KeyedMAC16 computes a 16-byte keyed BLAKE2s MAC, used for mac1/mac2.
func KeyedMAC16(key, data []byte) [Mac16Size]byte {
	h, _ := blake2s.New128(key)
	h.Write(data)
	var out [Mac16Size]byte
	h.Sum(out[:0])
	return out
}

// KeyedMAC24 computes a 24-byte keyed BLAKE2s MAC (reserved for protocol
// extensions that need a longer authenticator than mac1/mac2).
func KeyedMAC24(key, data []byte) [Mac24Size]byte {
	h, _ := blake2s.NewMAC(Mac24Size, key)
	h.Write(data)
	var out [Mac24Size]byte
	h.Sum(out[:0])
	return out
}

// DH performs X25519(privateKey, publicKey). Returns ErrWrongKey if the
// result is the all-zero output (a low-order point), which must never be
// used as key material.
func DH(privateKey, publicKey [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	out, err := curve25519.X25519(privateKey[:], publicKey[:])
	if err != nil {
		return shared, ErrWrongKey
	}
	copy(shared[:], out)
	if IsZero(shared[:]) {
		return shared, ErrWrongKey
	}
	return shared, nil
}

// PublicKey derives the X25519 public key for a clamped private key.
func PublicKey(privateKey [KeySize]byte) [KeySize]byte {
	var pub [KeySize]byte
	curve25519.ScalarBaseMult(&pub, &privateKey)
	return pub
}

// NewPrivateKey generates and clamps a new random X25519 private key.
func NewPrivateKey(randRead func([]byte) (int, error)) ([KeySize]byte, error) {
	var priv [KeySize]byte
	if _, err := randRead(priv[:]); err != nil {
		return priv, err
	}
	ClampPrivateKey(&priv)
	return priv, nil
}

// ClampPrivateKey applies the RFC 7748 §5 clamping rules in place.
func ClampPrivateKey(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// aeadNonce builds the 96-bit ChaCha20-Poly1305 nonce WireGuard uses: the low
// 32 bits are zero, the high 64 bits are the little-endian counter.
func aeadNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(counter >> (8 * i))
	}
	return nonce
}

// AEADSeal encrypts plaintext with ChaCha20-Poly1305 under key, using the
// WireGuard counter-nonce convention, and appends the result (ciphertext ||
// tag) to dst.
func AEADSeal(dst, key []byte, counter uint64, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := aeadNonce(counter)
	return aead.Seal(dst, nonce[:], plaintext, aad), nil
}

// AEADOpen decrypts and authenticates ciphertext with ChaCha20-Poly1305,
// returning ErrInvalidAeadTag on authentication failure.
func AEADOpen(dst, key []byte, counter uint64, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := aeadNonce(counter)
	out, err := aead.Open(dst, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrInvalidAeadTag
	}
	return out, nil
}

// XAEADSeal encrypts plaintext with XChaCha20-Poly1305 under a random
// 24-byte nonce (cookie replies only).
func XAEADSeal(dst, key []byte, nonce [XNonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(dst, nonce[:], plaintext, aad), nil
}

// XAEADOpen decrypts and authenticates an XChaCha20-Poly1305 ciphertext.
func XAEADOpen(dst, key []byte, nonce [XNonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(dst, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrInvalidAeadTag
	}
	return out, nil
}

// ConstantTimeEqual reports whether a and b are equal, in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// IsZero reports whether every byte of b is zero, without leaking timing
// information about which byte differs.
func IsZero(b []byte) bool {
	var v byte
	for _, c := range b {
		v |= c
	}
	return v == 0
}

// SetZero overwrites b with zeroes. Used to scrub ephemeral key material.
func SetZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
