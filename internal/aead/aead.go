// Package aead implements direction-scoped traffic encryption for Nyx
// connections: one chacha20poly1305 key per direction, with a nonce built
// from a fixed direction identifier and a monotonic counter rather than a
// shared bidirectional nonce space.
package aead

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// Direction identifies which side of a connection a traffic key encrypts
// for. The initiator-to-responder and responder-to-initiator directions
// each get their own key and their own nonce counter space.
type Direction uint32

const (
	DirectionInitiatorToResponder Direction = 1
	DirectionResponderToInitiator Direction = 2
)

// KeySize is the size in bytes of a chacha20poly1305 traffic key.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrCounterExhausted is returned once a direction's nonce counter
	// would wrap, which would reuse a nonce under the same key.
	ErrCounterExhausted = errors.New("aead: nonce counter exhausted, rekey required")
	// ErrOpenFailed is returned when authenticated decryption fails.
	ErrOpenFailed = errors.New("aead: open failed, message forged or corrupted")
)

// TrafficKey seals or opens frame payloads for one direction of one epoch.
// A connection holds two of these per epoch, one per direction; they are
// never shared between directions or reused across a rekey.
type TrafficKey struct {
	direction Direction
	aead      cipher.AEAD
	counter   atomic.Uint64
	key       [KeySize]byte
}

// NewTrafficKey constructs a TrafficKey from a derived 32-byte key and the
// direction it encrypts or decrypts for. The starting counter value lets a
// receiver resume at a non-zero sequence after an early-data handoff.
func NewTrafficKey(key [KeySize]byte, direction Direction, startCounter uint64) (*TrafficKey, error) {
	aeadCipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	tk := &TrafficKey{
		direction: direction,
		aead:      aeadCipher,
		key:       key,
	}
	tk.counter.Store(startCounter)
	return tk, nil
}

// nonce builds the 12-byte AEAD nonce: 4-byte big-endian direction id
// followed by the 8-byte big-endian counter value.
func nonce(direction Direction, counter uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint32(n[0:4], uint32(direction))
	binary.BigEndian.PutUint64(n[4:12], counter)
	return n
}

// Seal encrypts plaintext in place, returning ciphertext||tag and the
// counter value used to build the nonce so the caller can place it on the
// wire (the frame sequence number doubles as this counter, per the wire
// format in §6). Seal advances the internal counter by one on every call.
func (tk *TrafficKey) Seal(dst, plaintext, additionalData []byte) (ciphertext []byte, counter uint64, err error) {
	counter = tk.counter.Add(1) - 1
	if counter == ^uint64(0) {
		return nil, 0, ErrCounterExhausted
	}
	n := nonce(tk.direction, counter)
	return tk.aead.Seal(dst, n[:], plaintext, additionalData), counter, nil
}

// Open decrypts ciphertext sealed under the given explicit counter value.
// Open itself performs no replay checking; the connection's receive path
// runs the anti-replay check on the counter after Open succeeds.
func (tk *TrafficKey) Open(dst, ciphertext, additionalData []byte, counter uint64) ([]byte, error) {
	n := nonce(tk.direction, counter)
	out, err := tk.aead.Open(dst, n[:], ciphertext, additionalData)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// Overhead returns the number of bytes Seal adds beyond the plaintext length.
func (tk *TrafficKey) Overhead() int {
	return tk.aead.Overhead()
}

// NonceSize returns the AEAD nonce size in bytes (always 12 for chacha20poly1305).
func (tk *TrafficKey) NonceSize() int {
	return tk.aead.NonceSize()
}

// Zero overwrites the TrafficKey's own copy of the key bytes with zeros.
// The underlying chacha20poly1305 cipher keeps its own copy, which Zero
// does not clear. Call once a TrafficKey is retired, whether by rekey or
// connection close.
func (tk *TrafficKey) Zero() {
	for i := range tk.key {
		tk.key[i] = 0
	}
}
