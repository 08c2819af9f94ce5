// Package connid generates and formats the small fixed-width identifiers
// used throughout a Nyx connection: the 32-bit connection id and the 8-bit
// path id. Both are ephemeral — unlike a persisted agent identity they live
// only for the lifetime of the connection and are never written to disk.
package connid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidLength is returned when a byte slice has the wrong size for the
// identifier being parsed.
var ErrInvalidLength = errors.New("connid: invalid byte length")

// ConnID is the 32-bit connection identifier from the data model (§3).
type ConnID uint32

// NewConnID generates a random, non-zero connection id.
func NewConnID() (ConnID, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("connid: generate: %w", err)
		}
		id := ConnID(binary.BigEndian.Uint32(buf[:]))
		if id != 0 {
			return id, nil
		}
	}
}

// ConnIDFromBytes parses a big-endian 4-byte connection id.
func ConnIDFromBytes(b []byte) (ConnID, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: got %d bytes, want 4", ErrInvalidLength, len(b))
	}
	return ConnID(binary.BigEndian.Uint32(b)), nil
}

// Bytes encodes the connection id as big-endian.
func (c ConnID) Bytes() []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(c))
	return buf[:]
}

// String returns the hex representation.
func (c ConnID) String() string {
	return hex.EncodeToString(c.Bytes())
}

// IsZero reports whether the id is the zero value (never assigned to a live connection).
func (c ConnID) IsZero() bool {
	return c == 0
}

// PathRangeMin and PathRangeMax bound the user-assignable path id range;
// 0 and values > PathRangeMax are reserved (§3, Path attributes).
const (
	PathRangeMin uint8 = 1
	PathRangeMax uint8 = 239
)

// PathID is the 8-bit path identifier from the data model (§3).
type PathID uint8

// IsReserved reports whether id falls outside the user-assignable range.
func (p PathID) IsReserved() bool {
	return p < PathID(PathRangeMin) || p > PathID(PathRangeMax)
}

// String returns "path-" followed by the id in decimal.
func (p PathID) String() string {
	return fmt.Sprintf("path-%d", uint8(p))
}
