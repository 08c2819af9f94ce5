package connection

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nyxproto/nyx/internal/connid"
	"github.com/nyxproto/nyx/internal/handshake"
	"github.com/nyxproto/nyx/internal/ratelimit"
	"github.com/nyxproto/nyx/internal/stream"
	"github.com/nyxproto/nyx/internal/transport"
)

// countingStream wraps a fakeStream and counts bytes written to it, so a
// test can tell which physical stream actually carried a frame without
// decoding the frame codec itself.
type countingStream struct {
	fakeStream
	writes *atomic.Int64
}

func (s countingStream) Write(p []byte) (int, error) {
	s.writes.Add(1)
	return s.fakeStream.Write(p)
}

// multiStreamPeerConn is fakePeerConn generalized to hand out N preloaded
// streams instead of exactly one, so a test can exercise AddPath opening a
// second transport.Stream alongside the handshake's control stream.
type multiStreamPeerConn struct {
	isDialer bool
	streams  chan transport.Stream
}

func newMultiStreamPeerPair(n int, path1Writes *atomic.Int64) (transport.PeerConn, transport.PeerConn) {
	pa := &multiStreamPeerConn{isDialer: true, streams: make(chan transport.Stream, n)}
	pb := &multiStreamPeerConn{isDialer: false, streams: make(chan transport.Stream, n)}
	for i := 0; i < n; i++ {
		a, b := net.Pipe()
		if i == 0 {
			pa.streams <- fakeStream{a}
			pb.streams <- fakeStream{b}
			continue
		}
		pa.streams <- countingStream{fakeStream{a}, path1Writes}
		pb.streams <- countingStream{fakeStream{b}, path1Writes}
	}
	return pa, pb
}

func (p *multiStreamPeerConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	return <-p.streams, nil
}
func (p *multiStreamPeerConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return <-p.streams, nil
}
func (p *multiStreamPeerConn) IsDialer() bool { return p.isDialer }
func (p *multiStreamPeerConn) TransportType() transport.TransportType {
	return transport.TransportType("fake")
}
func (p *multiStreamPeerConn) LocalAddr() net.Addr  { return fakeAddr("local") }
func (p *multiStreamPeerConn) RemoteAddr() net.Addr { return fakeAddr("remote") }
func (p *multiStreamPeerConn) Close() error         { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

func newHandshakenMultiStreamPair(t *testing.T, path1Writes *atomic.Int64) (*Connection, *Connection) {
	t.Helper()
	peerA, peerB := newMultiStreamPeerPair(2, path1Writes)
	global := ratelimit.NewGlobalLimiter(10 * 1024 * 1024)

	initiator, err := New(peerA, true, testConnectionConfig(), global, nil, nil)
	if err != nil {
		t.Fatalf("New(initiator) error = %v", err)
	}
	responder, err := New(peerB, false, testConnectionConfig(), global, nil, nil)
	if err != nil {
		t.Fatalf("New(responder) error = %v", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- initiator.Handshake(context.Background()) }()
	go func() { errCh <- responder.Handshake(context.Background()) }()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("Handshake() error = %v", err)
		}
	}
	return initiator, responder
}

func TestConnection_HandshakeNegotiatesMultipathCapability(t *testing.T) {
	initiator, responder := newHandshakenMultiStreamPair(t, new(atomic.Int64))
	defer initiator.Close()
	defer responder.Close()

	if !initiator.Capabilities().Has(handshake.CapMultipath) {
		t.Error("initiator did not negotiate CapMultipath")
	}
	if !responder.Capabilities().Has(handshake.CapMultipath) {
		t.Error("responder did not negotiate CapMultipath")
	}
}

func TestConnection_AddPathRoutesSendData(t *testing.T) {
	var path1Writes atomic.Int64
	initiator, responder := newHandshakenMultiStreamPair(t, &path1Writes)
	defer initiator.Close()
	defer responder.Close()

	go responder.ReceiveLoop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		_, err := initiator.AddPath(ctx, connid.PathID(1))
		errCh <- err
	}()
	go func() {
		_, err := responder.AddPath(ctx, connid.PathID(1))
		errCh <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("AddPath() error = %v", err)
		}
	}

	received := make(chan []byte, 32)
	responder.SetStreamDataHandler(func(s *stream.Stream, payload []byte) {
		received <- payload
	})
	if _, err := responder.streams.Accept(1, stream.KindBidi); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if _, err := initiator.Streams(); err != nil {
		t.Fatalf("Streams() error = %v", err)
	}

	// Sending enough frames to span several SWRR rounds is what exercises
	// Select() actually alternating paths; it is not a claim that every
	// frame gets reassembled in order; with two paths sharing one global
	// sequence counter, each path's reorder buffer sees a non-contiguous
	// slice of the sequence space (see DESIGN.md "Known follow-ups"), so
	// only the first run on each path is ever guaranteed delivered here.
	const n = 20
	for i := 0; i < n; i++ {
		if _, err := initiator.SendData(1, []byte("hop"), ratelimit.PriorityNormal); err != nil {
			t.Fatalf("SendData() error = %v", err)
		}
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first in-order frame to be delivered")
	}

	deadline := time.After(2 * time.Second)
	for path1Writes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("SendData() never routed a frame onto the added path's stream; Select() is not being honored")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestConnection_AddPathRejectsBeforeHandshake(t *testing.T) {
	peerA, peerB := newMultiStreamPeerPair(2, new(atomic.Int64))
	global := ratelimit.NewGlobalLimiter(10 * 1024 * 1024)

	c, err := New(peerA, true, testConnectionConfig(), global, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = peerB

	if _, err := c.AddPath(context.Background(), connid.PathID(1)); err != ErrNotConnected {
		t.Errorf("AddPath() before handshake error = %v, want ErrNotConnected", err)
	}
}

func TestConnection_AddPathRejectsReservedID(t *testing.T) {
	var path1Writes atomic.Int64
	initiator, responder := newHandshakenMultiStreamPair(t, &path1Writes)
	defer initiator.Close()
	defer responder.Close()

	if _, err := initiator.AddPath(context.Background(), connid.PathID(0)); !errors.Is(err, ErrReservedPathID) {
		t.Errorf("AddPath(0) error = %v, want ErrReservedPathID", err)
	}
}
