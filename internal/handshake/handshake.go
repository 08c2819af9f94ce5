// Package handshake implements the Nyx hybrid key exchange: a classical
// X25519 Diffie-Hellman exchange combined with a post-quantum ML-KEM-768
// encapsulation, feeding a single HKDF-SHA256 derivation that produces four
// independent direction-scoped traffic keys.
package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/hkdf"

	"github.com/nyxproto/nyx/internal/aead"
)

// State is the lifecycle of one side of a handshake.
type State int32

const (
	StateIdle State = iota
	StateAwaitingPeer
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPeer:
		return "awaiting_peer"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Capability identifies an optional protocol feature negotiated during the
// handshake. Both peers advertise the capabilities they support; the
// negotiated set is the intersection, except for capabilities either side
// marks required, whose absence fails the handshake.
type Capability uint16

const (
	CapMultipath Capability = 0x01
	// CapEarlyData advertises support for 0-RTT Crypto-frame traffic
	// ahead of handshake completion.
	CapEarlyData Capability = 0x02
	// CapCmixHint is negotiation-hint-only: peers may advertise interest
	// in cMix-style batched mixing, but no such mixing is implemented
	// here; the hint exists so a future implementation can detect
	// support without a protocol version bump.
	CapCmixHint Capability = 0x03
)

const (
	labelTxI2R = "nyx-v1.0-traffic-tx-i2r"
	labelRxI2R = "nyx-v1.0-traffic-rx-i2r"
	labelTxR2I = "nyx-v1.0-traffic-tx-r2i"
	labelRxR2I = "nyx-v1.0-traffic-rx-r2i"
)

var (
	ErrAlreadyStarted     = errors.New("handshake: already started")
	ErrWrongState         = errors.New("handshake: message received in wrong state")
	ErrRequiredCapMissing = errors.New("handshake: peer missing a required capability")
	ErrMalformedMessage   = errors.New("handshake: malformed hybrid key material")
)

// HybridKeypair is one side's ephemeral key material: an X25519 keypair and
// an ML-KEM-768 keypair. Both are generated fresh per handshake attempt and
// zeroed once traffic keys have been derived.
type HybridKeypair struct {
	x25519Priv *ecdh.PrivateKey
	kemPub     *mlkem768.PublicKey
	kemPriv    *mlkem768.PrivateKey
}

// GenerateHybridKeypair creates a fresh X25519 + ML-KEM-768 keypair.
func GenerateHybridKeypair() (*HybridKeypair, error) {
	x25519Priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("handshake: generate x25519 key: %w", err)
	}
	kemPub, kemPriv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("handshake: generate mlkem768 key: %w", err)
	}
	return &HybridKeypair{
		x25519Priv: x25519Priv,
		kemPub:     kemPub,
		kemPriv:    kemPriv,
	}, nil
}

// Public returns the wire-encodable public half of the keypair.
func (k *HybridKeypair) Public() *HybridPublicKey {
	kemPubBytes := make([]byte, mlkem768.PublicKeySize)
	k.kemPub.Pack(kemPubBytes)
	return &HybridPublicKey{
		X25519Pub: k.x25519Priv.PublicKey().Bytes(),
		KEMPub:    kemPubBytes,
	}
}

// Zero destroys the private key material. The X25519 and ML-KEM private
// keys themselves are immutable value types from their respective
// packages, so this drops our only references to them rather than
// scrubbing memory in place; callers should not retain copies.
func (k *HybridKeypair) Zero() {
	k.x25519Priv = nil
	k.kemPriv = nil
}

// HybridPublicKey is the wire form of one side's public key material: a
// fixed-length X25519 public key followed by a fixed-length ML-KEM-768
// public key. Per §6 the frame layer length-prefixes this as a Crypto
// frame payload, so the encoding here is simply the concatenation; no
// internal length prefix is needed because both field widths are fixed by
// the algorithms in use.
type HybridPublicKey struct {
	X25519Pub []byte // 32 bytes
	KEMPub    []byte // mlkem768.PublicKeySize bytes
}

// MarshalBinary encodes the hybrid public key as X25519Pub||KEMPub.
func (p *HybridPublicKey) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, len(p.X25519Pub)+len(p.KEMPub))
	out = append(out, p.X25519Pub...)
	out = append(out, p.KEMPub...)
	return out, nil
}

// UnmarshalHybridPublicKey decodes the wire form produced by MarshalBinary.
func UnmarshalHybridPublicKey(data []byte) (*HybridPublicKey, error) {
	want := 32 + mlkem768.PublicKeySize
	if len(data) != want {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedMessage, want, len(data))
	}
	p := &HybridPublicKey{
		X25519Pub: append([]byte(nil), data[:32]...),
		KEMPub:    append([]byte(nil), data[32:]...),
	}
	return p, nil
}

// HybridCiphertext is the responder's reply: an ML-KEM-768 ciphertext
// encapsulating the shared secret against the initiator's KEM public key.
// The responder's own X25519 public key travels alongside it so the
// initiator can complete its side of the ECDH.
type HybridCiphertext struct {
	X25519Pub []byte // 32 bytes
	KEMCt     []byte // mlkem768.CiphertextSize bytes
}

func (c *HybridCiphertext) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, len(c.X25519Pub)+len(c.KEMCt))
	out = append(out, c.X25519Pub...)
	out = append(out, c.KEMCt...)
	return out, nil
}

func UnmarshalHybridCiphertext(data []byte) (*HybridCiphertext, error) {
	want := 32 + mlkem768.CiphertextSize
	if len(data) != want {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedMessage, want, len(data))
	}
	return &HybridCiphertext{
		X25519Pub: append([]byte(nil), data[:32]...),
		KEMCt:     append([]byte(nil), data[32:]...),
	}, nil
}

// TrafficKeys holds the four labeled outputs of the handshake's key
// schedule. Despite the Tx/Rx naming, each direction (I2R, R2I) has a
// single key in practice — the sender's Tx output doubles as the peer's
// receive key for that direction. A connection retains the two Tx keys
// (e.g. the initiator keeps TxKeyI2R to send and TxKeyR2I to receive) and
// discards the Rx-labeled outputs immediately; they exist so each side can
// independently derive and verify the full key schedule.
type TrafficKeys struct {
	TxKeyI2R [aead.KeySize]byte
	RxKeyI2R [aead.KeySize]byte
	TxKeyR2I [aead.KeySize]byte
	RxKeyR2I [aead.KeySize]byte
}

// Zero destroys all four derived keys.
func (t *TrafficKeys) Zero() {
	zero := func(b *[aead.KeySize]byte) {
		for i := range b {
			b[i] = 0
		}
	}
	zero(&t.TxKeyI2R)
	zero(&t.RxKeyI2R)
	zero(&t.TxKeyR2I)
	zero(&t.RxKeyR2I)
}

// deriveTrafficKeys combines the X25519 and ML-KEM-768 shared secrets into
// a single PRK via HKDF-Extract, then expands it into the four labeled
// traffic keys. There is no salt: the combined secret is high-entropy
// output from two independent key-exchange primitives, so an all-zero
// salt costs nothing and keeps derivation a pure function of the shared
// secrets.
func deriveTrafficKeys(x25519SS, kemSS []byte) (*TrafficKeys, error) {
	ikm := make([]byte, 0, len(x25519SS)+len(kemSS))
	ikm = append(ikm, x25519SS...)
	ikm = append(ikm, kemSS...)

	prk := hkdf.Extract(sha256.New, ikm, nil)

	expand := func(label string) ([aead.KeySize]byte, error) {
		var out [aead.KeySize]byte
		r := hkdf.Expand(sha256.New, prk, []byte(label))
		if _, err := io.ReadFull(r, out[:]); err != nil {
			return out, fmt.Errorf("handshake: hkdf expand %q: %w", label, err)
		}
		return out, nil
	}

	txI2R, err := expand(labelTxI2R)
	if err != nil {
		return nil, err
	}
	rxI2R, err := expand(labelRxI2R)
	if err != nil {
		return nil, err
	}
	txR2I, err := expand(labelTxR2I)
	if err != nil {
		return nil, err
	}
	rxR2I, err := expand(labelRxR2I)
	if err != nil {
		return nil, err
	}

	return &TrafficKeys{
		TxKeyI2R: txI2R,
		RxKeyI2R: rxI2R,
		TxKeyR2I: txR2I,
		RxKeyR2I: rxR2I,
	}, nil
}

// CompleteInitiator finishes the initiator side of the handshake: it
// performs the X25519 ECDH against the responder's public key, decapsulates
// the ML-KEM ciphertext with its own private key, and derives traffic keys.
func CompleteInitiator(local *HybridKeypair, peerCiphertext *HybridCiphertext) (*TrafficKeys, error) {
	peerX25519Pub, err := ecdh.X25519().NewPublicKey(peerCiphertext.X25519Pub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad x25519 public key: %v", ErrMalformedMessage, err)
	}
	x25519SS, err := local.x25519Priv.ECDH(peerX25519Pub)
	if err != nil {
		return nil, fmt.Errorf("handshake: x25519 ecdh: %w", err)
	}

	kemSS := make([]byte, mlkem768.SharedKeySize)
	if err := mlkem768.Decapsulate(kemSS, peerCiphertext.KEMCt, local.kemPriv); err != nil {
		return nil, fmt.Errorf("handshake: mlkem768 decapsulate: %w", err)
	}

	return deriveTrafficKeys(x25519SS, kemSS)
}

// CompleteResponder finishes the responder side: it performs the X25519
// ECDH against the initiator's public key, encapsulates a fresh shared
// secret against the initiator's KEM public key, derives traffic keys, and
// returns both the keys and the ciphertext reply to send back.
func CompleteResponder(local *HybridKeypair, peerPublic *HybridPublicKey) (*TrafficKeys, *HybridCiphertext, error) {
	peerX25519Pub, err := ecdh.X25519().NewPublicKey(peerPublic.X25519Pub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad x25519 public key: %v", ErrMalformedMessage, err)
	}
	x25519SS, err := local.x25519Priv.ECDH(peerX25519Pub)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: x25519 ecdh: %w", err)
	}

	peerKEMPub, err := unpackKEMPublicKey(peerPublic.KEMPub)
	if err != nil {
		return nil, nil, err
	}

	kemCt := make([]byte, mlkem768.CiphertextSize)
	kemSS := make([]byte, mlkem768.SharedKeySize)
	mlkem768.Encapsulate(kemCt, kemSS, peerKEMPub)

	keys, err := deriveTrafficKeys(x25519SS, kemSS)
	if err != nil {
		return nil, nil, err
	}

	return keys, &HybridCiphertext{
		X25519Pub: local.x25519Priv.PublicKey().Bytes(),
		KEMCt:     kemCt,
	}, nil
}

func unpackKEMPublicKey(data []byte) (*mlkem768.PublicKey, error) {
	if len(data) != mlkem768.PublicKeySize {
		return nil, fmt.Errorf("%w: bad mlkem768 public key length", ErrMalformedMessage)
	}
	pk := new(mlkem768.PublicKey)
	if err := pk.Unpack(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return pk, nil
}

// CapabilitySet is a bitset of negotiated capabilities.
type CapabilitySet uint16

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= CapabilitySet(1 << uint(c))
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(1<<uint(c)) != 0
}

// Negotiate intersects two advertised capability sets and checks that
// every capability either side marked required is present in the result.
func Negotiate(local, remote, localRequired, remoteRequired CapabilitySet) (CapabilitySet, error) {
	negotiated := local & remote
	for _, required := range []CapabilitySet{localRequired, remoteRequired} {
		if required&^negotiated != 0 {
			return 0, ErrRequiredCapMissing
		}
	}
	return negotiated, nil
}

// Handshaker drives one side of a hybrid handshake across a dedicated
// control stream. It tracks state transitions and records an atomic
// snapshot so callers (metrics, logging) can observe progress without
// taking a lock.
type Handshaker struct {
	isInitiator bool
	state       atomic.Int32
	local       *HybridKeypair
}

// NewHandshaker creates a handshaker for the given role and generates its
// ephemeral hybrid keypair immediately, so the first message can be sent
// without an extra round trip of key generation.
func NewHandshaker(isInitiator bool) (*Handshaker, error) {
	kp, err := GenerateHybridKeypair()
	if err != nil {
		return nil, err
	}
	h := &Handshaker{isInitiator: isInitiator, local: kp}
	h.state.Store(int32(StateIdle))
	return h, nil
}

func (h *Handshaker) State() State {
	return State(h.state.Load())
}

func (h *Handshaker) Start() (*HybridPublicKey, error) {
	if !h.state.CompareAndSwap(int32(StateIdle), int32(StateAwaitingPeer)) {
		return nil, ErrAlreadyStarted
	}
	return h.local.Public(), nil
}

// FinishAsInitiator consumes the responder's ciphertext reply and produces
// the final traffic keys.
func (h *Handshaker) FinishAsInitiator(peerCiphertext *HybridCiphertext) (*TrafficKeys, error) {
	if State(h.state.Load()) != StateAwaitingPeer {
		h.state.Store(int32(StateFailed))
		return nil, ErrWrongState
	}
	keys, err := CompleteInitiator(h.local, peerCiphertext)
	if err != nil {
		h.state.Store(int32(StateFailed))
		return nil, err
	}
	h.local.Zero()
	h.state.Store(int32(StateCompleted))
	return keys, nil
}

// FinishAsResponder consumes the initiator's public key, generates the
// reply ciphertext, and produces the final traffic keys.
func (h *Handshaker) FinishAsResponder(peerPublic *HybridPublicKey) (*TrafficKeys, *HybridCiphertext, error) {
	if State(h.state.Load()) != StateAwaitingPeer {
		h.state.Store(int32(StateFailed))
		return nil, nil, ErrWrongState
	}
	keys, reply, err := CompleteResponder(h.local, peerPublic)
	if err != nil {
		h.state.Store(int32(StateFailed))
		return nil, nil, err
	}
	h.local.Zero()
	h.state.Store(int32(StateCompleted))
	return keys, reply, nil
}

