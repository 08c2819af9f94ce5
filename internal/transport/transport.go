// Package transport provides the pluggable datagram/session transports
// a Nyx connection runs its frame codec over. Nyx's own hybrid handshake
// and frame encryption are transport-agnostic; this package only has to
// deliver and accept opaque bytes, per §6's Transport collaborator
// contract.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportQUIC      TransportType = "quic"
	TransportWebSocket TransportType = "ws"
)

// Transport creates and accepts peer connections.
type Transport interface {
	// Dial connects to a remote peer.
	Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() TransportType

	// Close shuts down the transport.
	Close() error
}

// Listener accepts incoming peer connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (PeerConn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// PeerConn represents a connection to a peer.
type PeerConn interface {
	// OpenStream creates a new outgoing stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for an incoming stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close terminates the connection.
	Close() error

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr

	// IsDialer returns true if this side initiated the connection.
	IsDialer() bool

	// TransportType returns the transport protocol type.
	TransportType() TransportType
}

// Stream is a bidirectional byte stream with half-close support.
type Stream interface {
	io.Reader
	io.Writer

	// StreamID returns the stream identifier.
	StreamID() uint64

	// CloseWrite sends a half-close (FIN) - signals done sending.
	CloseWrite() error

	// Close fully closes the stream in both directions.
	Close() error

	// SetDeadline sets read and write deadlines.
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialOptions contains options for dialing a peer.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection.
	TLSConfig *tls.Config

	// InsecureSkipVerify allows skipping TLS certificate verification.
	// WARNING: Only use this for development/testing. In production, always
	// provide a proper TLSConfig with certificate verification enabled.
	InsecureSkipVerify bool

	// Timeout is the connection timeout.
	Timeout time.Duration

	// ProxyURL is the HTTP proxy URL (for WebSocket transport).
	ProxyURL string

	// ProxyUsername is the proxy authentication username.
	ProxyUsername string

	// ProxyPassword is the proxy authentication password.
	ProxyPassword string

	// WSSubprotocol is the WebSocket subprotocol to negotiate; empty uses
	// DefaultWSSubprotocol. A non-default value lets two nodes agree on a
	// protocol string an observer can't distinguish from an ordinary app.
	WSSubprotocol string

	// FingerprintPreset selects a uTLS ClientHello fingerprint (e.g.
	// "chrome", "firefox") the WebSocket transport's TLS handshake should
	// mimic, so the connection's ClientHello can't be singled out from
	// ordinary browser traffic by a passive observer. Empty or "disabled"
	// uses the standard library's TLS stack unmodified.
	FingerprintPreset string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener.
	TLSConfig *tls.Config

	// Path is the HTTP path (used by the WebSocket transport).
	Path string

	// MaxStreams is the maximum number of concurrent streams per connection.
	MaxStreams int

	// PlainText disables TLS on a WebSocket listener, for deployments
	// behind a TLS-terminating reverse proxy.
	PlainText bool

	// WSSubprotocol is the WebSocket subprotocol to accept; empty uses
	// DefaultWSSubprotocol.
	WSSubprotocol string
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 30 * time.Second,
	}
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{
		MaxStreams: 10000,
	}
}

// SubStreamIDAllocator allocates transport-level sub-stream IDs for
// transports (like QUIC) that multiplex several raw streams per session,
// avoiding collisions between the two peers:
// - Dialers use odd IDs (1, 3, 5, ...)
// - Listeners use even IDs (2, 4, 6, ...)
// This is independent of the Nyx-layer stream IDs the stream package
// allocates for logical streams carried inside frames.
// Thread-safe: uses atomic operations for concurrent access.
type SubStreamIDAllocator struct {
	next     atomic.Uint64
	isDialer bool
}

// NewSubStreamIDAllocator creates a new allocator.
func NewSubStreamIDAllocator(isDialer bool) *SubStreamIDAllocator {
	start := uint64(2) // even for listener
	if isDialer {
		start = 1 // odd for dialer
	}
	a := &SubStreamIDAllocator{
		isDialer: isDialer,
	}
	a.next.Store(start)
	return a
}

// Next returns the next available stream ID.
// Thread-safe: can be called concurrently from multiple goroutines.
func (a *SubStreamIDAllocator) Next() uint64 {
	// Add 2 and return the value before the add
	return a.next.Add(2) - 2
}

// IsDialer returns true if this allocator is for a dialer.
func (a *SubStreamIDAllocator) IsDialer() bool {
	return a.isDialer
}
