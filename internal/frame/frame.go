// Package frame implements the Nyx wire frame codec: a fixed 11-byte header
// followed by the payload. For an encrypted frame the payload is the sealed
// ciphertext with its AEAD authentication tag at the end.
//
// Header layout (big-endian, 11 bytes):
//
//	StreamID [4 bytes]
//	Sequence [4 bytes]
//	Type     [1 byte]
//	Length   [2 bytes] - payload length, including the AEAD tag of a sealed payload
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// HeaderSize is the size of a frame header in bytes.
const HeaderSize = 4 + 4 + 1 + 2

// Type identifies the purpose of a frame's payload.
type Type uint8

const (
	TypeData  Type = 0x00
	TypeAck   Type = 0x01
	TypeClose Type = 0x02
	TypeCrypto Type = 0x03

	// PluginTypeMin and PluginTypeMax bound the reserved range for
	// experimental or deployment-specific frame types.
	PluginTypeMin Type = 0x50
	PluginTypeMax Type = 0x5F
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeClose:
		return "CLOSE"
	case TypeCrypto:
		return "CRYPTO"
	default:
		if t >= PluginTypeMin && t <= PluginTypeMax {
			return fmt.Sprintf("PLUGIN(0x%02x)", uint8(t))
		}
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// IsPlugin reports whether t falls in the reserved plugin frame-type range.
func (t Type) IsPlugin() bool {
	return t >= PluginTypeMin && t <= PluginTypeMax
}

// IsKnown reports whether t is one of the core frame types or a plugin type.
func IsKnown(t Type) bool {
	switch t {
	case TypeData, TypeAck, TypeClose, TypeCrypto:
		return true
	default:
		return t.IsPlugin()
	}
}

var (
	// ErrMalformed is returned when a header or frame cannot be parsed.
	ErrMalformed = errors.New("frame: malformed")

	// ErrTooLarge is returned when a frame payload exceeds the configured maximum.
	ErrTooLarge = errors.New("frame: payload exceeds maximum length")

	// ErrNeedMoreData signals a streaming decoder has an incomplete frame
	// buffered and must wait for more bytes before it can proceed.
	ErrNeedMoreData = errors.New("frame: need more data")
)

// Frame is one decoded Nyx wire frame. Payload is plaintext for TypeCrypto
// and pre-handshake traffic; for encrypted application data it holds the
// sealed ciphertext and tag, which the caller opens with TrafficKey.Open.
type Frame struct {
	StreamID uint32
	Sequence uint32
	Type     Type
	Payload  []byte
}

// Header is the fixed-size prefix of a frame, decoded without touching the
// payload, so a reader can learn the payload length before the payload
// has arrived.
type Header struct {
	StreamID uint32
	Sequence uint32
	Type     Type
	Length   uint16
}

// DecodeHeader parses the fixed 11-byte header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformed, HeaderSize, len(buf))
	}
	return Header{
		StreamID: binary.BigEndian.Uint32(buf[0:4]),
		Sequence: binary.BigEndian.Uint32(buf[4:8]),
		Type:     Type(buf[8]),
		Length:   binary.BigEndian.Uint16(buf[9:11]),
	}, nil
}

// EncodeHeader writes h's fixed header fields into buf, which must be at
// least HeaderSize bytes.
func EncodeHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.StreamID)
	binary.BigEndian.PutUint32(buf[4:8], h.Sequence)
	buf[8] = uint8(h.Type)
	binary.BigEndian.PutUint16(buf[9:11], h.Length)
}

// bufPool pools header+payload scratch buffers for Encode, avoiding an
// allocation per outbound frame on the hot path.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, HeaderSize+2048)
		return &b
	},
}

// GetBuffer returns a pooled scratch buffer. Callers of Encode that want to
// avoid an allocation should obtain one with GetBuffer and pass it as dst;
// PutBuffer returns it to the pool once the caller is done with the result.
func GetBuffer() *[]byte {
	return bufPool.Get().(*[]byte)
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool.
func PutBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufPool.Put(buf)
}

// Encode serializes f into dst[:0], growing dst as needed, and returns the
// resulting slice. maxPayloadLen enforces the configured frame.max_frame_len.
// A sealed payload already carries its AEAD tag, so Encode only ever
// writes header||payload, with Length counting the tag.
func Encode(dst []byte, f Frame, maxPayloadLen int) ([]byte, error) {
	if len(f.Payload) > maxPayloadLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(f.Payload), maxPayloadLen)
	}
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d exceeds 16-bit length field", ErrTooLarge, len(f.Payload))
	}

	total := HeaderSize + len(f.Payload)
	if cap(dst) < total {
		dst = make([]byte, total)
	} else {
		dst = dst[:total]
	}

	EncodeHeader(dst, Header{
		StreamID: f.StreamID,
		Sequence: f.Sequence,
		Type:     f.Type,
		Length:   uint16(len(f.Payload)),
	})
	copy(dst[HeaderSize:], f.Payload)

	return dst, nil
}

// Decode parses a complete frame (header + Length payload bytes) from buf
// and copies the payload out of buf.
// It returns ErrNeedMoreData if buf does not yet contain a full frame, so
// callers reading from a stream can buffer and retry rather than treating
// a short read as malformed.
func Decode(buf []byte, maxPayloadLen int) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrNeedMoreData
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	if int(h.Length) > maxPayloadLen {
		return Frame{}, 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, h.Length, maxPayloadLen)
	}

	total := HeaderSize + int(h.Length)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}

	payload := make([]byte, h.Length)
	copy(payload, buf[HeaderSize:total])

	return Frame{
		StreamID: h.StreamID,
		Sequence: h.Sequence,
		Type:     h.Type,
		Payload:  payload,
	}, total, nil
}

// Reader decodes frames from a byte stream, buffering partial reads across
// calls. It is not safe for concurrent use by multiple goroutines.
type Reader struct {
	r             io.Reader
	maxPayloadLen int
	buf           []byte
	filled        int
}

// NewReader creates a Reader that decodes frames up to maxPayloadLen bytes
// of payload from r.
func NewReader(r io.Reader, maxPayloadLen int) *Reader {
	return &Reader{
		r:             r,
		maxPayloadLen: maxPayloadLen,
		buf:           make([]byte, HeaderSize+maxPayloadLen),
	}
}

// ReadFrame reads and decodes the next frame, blocking on the underlying
// reader as needed.
func (fr *Reader) ReadFrame() (Frame, error) {
	for {
		f, consumed, err := Decode(fr.buf[:fr.filled], fr.maxPayloadLen)
		if err == nil {
			copy(fr.buf, fr.buf[consumed:fr.filled])
			fr.filled -= consumed
			return f, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return Frame{}, err
		}

		n, rerr := fr.r.Read(fr.buf[fr.filled:])
		fr.filled += n
		if rerr != nil {
			if n > 0 {
				// Try decoding what we have before surfacing the read
				// error; a full frame may have arrived in the same read
				// that hit EOF.
				continue
			}
			return Frame{}, rerr
		}
	}
}

// Writer writes frames to an io.Writer, pooling its scratch buffer.
type Writer struct {
	w             io.Writer
	maxPayloadLen int
}

// NewWriter creates a Writer that rejects payloads over maxPayloadLen bytes.
func NewWriter(w io.Writer, maxPayloadLen int) *Writer {
	return &Writer{w: w, maxPayloadLen: maxPayloadLen}
}

// WriteFrame encodes and writes f using a pooled scratch buffer.
func (fw *Writer) WriteFrame(f Frame) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	encoded, err := Encode(*buf, f, fw.maxPayloadLen)
	if err != nil {
		return err
	}
	*buf = encoded

	_, err = fw.w.Write(encoded)
	return err
}
