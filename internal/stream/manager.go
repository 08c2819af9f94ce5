// Package stream implements the Nyx stream manager: ordered byte-stream
// multiplexing over a connection, with per-stream flow control and an
// in-order receive buffer.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// State is a stream's position in the half-close state machine.
//
//	            send EOF                    recv EOF
//	Open ───────────────► HalfClosedSend ──────────► Closed
//	  │                                                ▲
//	  │ recv EOF                          send EOF     │
//	  └──────────► HalfClosedRecv ────────────────────┘
type State int32

const (
	StateOpen State = iota
	StateHalfClosedSend // local send closed, may still receive
	StateHalfClosedRecv // remote FIN'd, may still send
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfClosedSend:
		return "HALF_CLOSED_SEND"
	case StateHalfClosedRecv:
		return "HALF_CLOSED_RECV"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Kind distinguishes bidirectional from unidirectional streams; each kind
// is counted against its own configured maximum.
type Kind int

const (
	KindBidi Kind = iota
	KindUni
)

var (
	ErrStreamNotFound       = errors.New("stream: not found")
	ErrTooManyStreams       = errors.New("stream: too many open streams")
	ErrSendClosed           = errors.New("stream: send side closed")
	ErrRecvClosed           = errors.New("stream: recv side closed")
	ErrFlowControlViolation = errors.New("stream: flow control window exceeded")
	ErrWouldBlock           = errors.New("stream: would block")
)

// IDAllocator hands out stream IDs with the parity fixed by role: odd IDs
// starting at 1 for the client (connection initiator), even IDs starting
// at 2 for the server. Bidirectional and unidirectional streams draw from
// independent counters so each can be checked against its own maximum.
type IDAllocator struct {
	nextBidi atomic.Uint64
	nextUni  atomic.Uint64
}

// NewIDAllocator creates an allocator for the given role.
func NewIDAllocator(isClient bool) *IDAllocator {
	a := &IDAllocator{}
	start := uint64(2)
	if isClient {
		start = 1
	}
	a.nextBidi.Store(start)
	a.nextUni.Store(start)
	return a
}

// Next returns the next stream ID of the given kind, a distinct sequence
// for bidi vs. uni, each incrementing by 2.
func (a *IDAllocator) Next(kind Kind) uint32 {
	if kind == KindUni {
		return uint32(a.nextUni.Add(2) - 2)
	}
	return uint32(a.nextBidi.Add(2) - 2)
}

// Stream is one multiplexed, ordered byte stream over a connection.
type Stream struct {
	ID   uint32
	Kind Kind

	state atomic.Int32
	mu    sync.Mutex

	readBuffer  chan []byte
	closeOnce   sync.Once
	closed      chan struct{}
	remoteFinCh chan struct{}

	window        int64
	recvBufferLen atomic.Int64
	sendCredit    atomic.Int64

	CreatedAt time.Time
	BytesSent atomic.Uint64
	BytesRecv atomic.Uint64
}

// newStream constructs a stream in the Open state with the given receive
// window. sendCredit starts equal to window on the assumption both peers
// configure the same initial value; a real ACK-piggybacked credit update
// corrects this once the peer's value is known.
func newStream(id uint32, kind Kind, window int64) *Stream {
	s := &Stream{
		ID:          id,
		Kind:        kind,
		readBuffer:  make(chan []byte, 64),
		closed:      make(chan struct{}),
		remoteFinCh: make(chan struct{}),
		window:      window,
		CreatedAt:   time.Now(),
	}
	s.state.Store(int32(StateOpen))
	s.sendCredit.Store(window)
	return s
}

// State returns the stream's current half-close state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// CanWrite reports whether the local side may still send.
func (s *Stream) CanWrite() bool {
	st := s.State()
	return st == StateOpen || st == StateHalfClosedRecv
}

// CanRead reports whether the local side may still receive.
func (s *Stream) CanRead() bool {
	st := s.State()
	return st == StateOpen || st == StateHalfClosedSend
}

// CloseSend half-closes the local send side, transitioning to
// HalfClosedSend (or Closed if the remote already half-closed).
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateOpen:
		s.state.Store(int32(StateHalfClosedSend))
	case StateHalfClosedRecv:
		s.state.Store(int32(StateClosed))
		s.finalize()
	case StateHalfClosedSend, StateClosed:
		return ErrSendClosed
	}
	return nil
}

// handleRemoteFin processes a FIN from the peer, transitioning to
// HalfClosedRecv (or Closed if the local side already half-closed send).
func (s *Stream) handleRemoteFin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateOpen:
		s.state.Store(int32(StateHalfClosedRecv))
	case StateHalfClosedSend:
		s.state.Store(int32(StateClosed))
		s.finalize()
	default:
		return
	}

	select {
	case <-s.remoteFinCh:
	default:
		close(s.remoteFinCh)
	}
}

// finalize must be called with s.mu held; it unblocks any pending Read
// once the stream reaches its terminal state.
func (s *Stream) finalize() {
	select {
	case <-s.remoteFinCh:
	default:
		close(s.remoteFinCh)
	}
}

// pushData appends payload to the stream's in-order receive buffer after
// checking it against the flow-control window. A violation is fatal to
// the connection, not just this stream, so the caller (the Manager) must
// propagate ErrFlowControlViolation up rather than swallow it.
func (s *Stream) pushData(payload []byte) error {
	if !s.CanRead() {
		return ErrRecvClosed
	}

	newLen := s.recvBufferLen.Add(int64(len(payload)))
	if newLen > s.window {
		return ErrFlowControlViolation
	}

	select {
	case <-s.closed:
		return io.EOF
	case s.readBuffer <- payload:
		s.BytesRecv.Add(uint64(len(payload)))
		return nil
	}
}

// Read returns the next chunk of in-order data, or io.EOF once the stream
// is closed or the remote has finished sending and the buffer is drained.
func (s *Stream) Read() ([]byte, error) {
	select {
	case data := <-s.readBuffer:
		s.recvBufferLen.Add(-int64(len(data)))
		return data, nil
	default:
	}

	select {
	case data := <-s.readBuffer:
		s.recvBufferLen.Add(-int64(len(data)))
		return data, nil
	case <-s.closed:
		select {
		case data := <-s.readBuffer:
			s.recvBufferLen.Add(-int64(len(data)))
			return data, nil
		default:
			return nil, io.EOF
		}
	case <-s.remoteFinCh:
		select {
		case data := <-s.readBuffer:
			s.recvBufferLen.Add(-int64(len(data)))
			return data, nil
		default:
			return nil, io.EOF
		}
	}
}

// AddSendCredit applies a window-update credit delta piggy-backed on an
// Ack frame.
func (s *Stream) AddSendCredit(delta int64) {
	s.sendCredit.Add(delta)
}

// ReserveSendCredit attempts to reserve n bytes of send-side flow-control
// credit, returning ErrWouldBlock if insufficient credit is available.
func (s *Stream) ReserveSendCredit(n int64) error {
	if !s.CanWrite() {
		return ErrSendClosed
	}
	for {
		cur := s.sendCredit.Load()
		if cur < n {
			return ErrWouldBlock
		}
		if s.sendCredit.CompareAndSwap(cur, cur-n) {
			s.BytesSent.Add(uint64(n))
			return nil
		}
	}
}

// Close forcibly closes the stream (a reset, not a graceful FIN).
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
	})
	return nil
}

// Done returns a channel closed by Close (a reset, including Manager.Close).
// A stream that reaches StateClosed through both sides' FIN does not close it.
func (s *Stream) Done() <-chan struct{} {
	return s.closed
}

func (s *Stream) String() string {
	return fmt.Sprintf("Stream{id=%d, kind=%v, state=%s}", s.ID, s.Kind, s.State())
}

// ManagerConfig bounds the stream manager's resource usage.
type ManagerConfig struct {
	MaxStreamsBidi int
	MaxStreamsUni  int
	InitialWindow  int64
}

// Manager owns every stream on one connection: ID allocation, the stream
// registry, and dispatch of inbound Data/Ack/Close frames to the right
// Stream.
type Manager struct {
	cfg       ManagerConfig
	allocator *IDAllocator

	mu         sync.RWMutex
	streams    map[uint32]*Stream
	countBidi  int
	countUni   int

	onStreamOpen  func(*Stream)
	onStreamClose func(*Stream, error)
	onStreamData  func(*Stream, []byte)
}

// NewManager creates a stream manager for the given role.
func NewManager(cfg ManagerConfig, isClient bool) *Manager {
	return &Manager{
		cfg:       cfg,
		allocator: NewIDAllocator(isClient),
		streams:   make(map[uint32]*Stream),
	}
}

// SetCallbacks installs the manager's event callbacks.
func (m *Manager) SetCallbacks(onOpen func(*Stream), onClose func(*Stream, error), onData func(*Stream, []byte)) {
	m.onStreamOpen = onOpen
	m.onStreamClose = onClose
	m.onStreamData = onData
}

// Open allocates a new locally-initiated stream of the given kind,
// enforcing the configured per-kind maximum.
func (m *Manager) Open(kind Kind) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kind == KindBidi && m.countBidi >= m.cfg.MaxStreamsBidi {
		return nil, ErrTooManyStreams
	}
	if kind == KindUni && m.countUni >= m.cfg.MaxStreamsUni {
		return nil, ErrTooManyStreams
	}

	id := m.allocator.Next(kind)
	for m.streams[id] != nil {
		// Bidi and uni ids share one parity; skip an id the other kind holds.
		id = m.allocator.Next(kind)
	}
	s := newStream(id, kind, m.cfg.InitialWindow)
	m.streams[id] = s
	if kind == KindBidi {
		m.countBidi++
	} else {
		m.countUni++
	}

	if m.onStreamOpen != nil {
		m.onStreamOpen(s)
	}
	return s, nil
}

// Accept registers a remotely-initiated stream, enforcing the same
// per-kind maximum as Open.
func (m *Manager) Accept(id uint32, kind Kind) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.streams[id]; exists {
		return nil, fmt.Errorf("stream: id %d already registered", id)
	}
	if kind == KindBidi && m.countBidi >= m.cfg.MaxStreamsBidi {
		return nil, ErrTooManyStreams
	}
	if kind == KindUni && m.countUni >= m.cfg.MaxStreamsUni {
		return nil, ErrTooManyStreams
	}

	s := newStream(id, kind, m.cfg.InitialWindow)
	m.streams[id] = s
	if kind == KindBidi {
		m.countBidi++
	} else {
		m.countUni++
	}

	if m.onStreamOpen != nil {
		m.onStreamOpen(s)
	}
	return s, nil
}

// Get returns the stream with the given ID, or nil if unknown.
func (m *Manager) Get(id uint32) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[id]
}

// HandleData dispatches an inbound Data-frame payload to its stream. A
// returned ErrFlowControlViolation is fatal to the whole connection, per
// the stream manager's flow-control invariant; callers must tear down the
// connection rather than just this stream.
func (m *Manager) HandleData(streamID uint32, payload []byte, fin bool) error {
	s := m.Get(streamID)
	if s == nil {
		return ErrStreamNotFound
	}

	if len(payload) > 0 {
		if err := s.pushData(payload); err != nil {
			return err
		}
		if m.onStreamData != nil {
			m.onStreamData(s, payload)
		}
	}
	if fin {
		s.handleRemoteFin()
		if s.State() == StateClosed {
			m.remove(streamID, nil)
		}
	}
	return nil
}

// HandleAck applies a window-update credit delta from an inbound Ack frame.
func (m *Manager) HandleAck(streamID uint32, creditDelta int64) error {
	s := m.Get(streamID)
	if s == nil {
		return ErrStreamNotFound
	}
	s.AddSendCredit(creditDelta)
	return nil
}

// HandleClose processes an inbound Close frame (a reset, not a FIN).
func (m *Manager) HandleClose(streamID uint32, reason error) {
	m.remove(streamID, reason)
}

func (m *Manager) remove(id uint32, reason error) {
	m.mu.Lock()
	s, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
		if s.Kind == KindBidi {
			m.countBidi--
		} else {
			m.countUni--
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	if m.onStreamClose != nil {
		m.onStreamClose(s, reason)
	}
}

// Count returns the number of currently open streams.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// All returns a snapshot of every open stream.
func (m *Manager) All() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	return out
}

// Close tears down every open stream, e.g. on connection close.
func (m *Manager) Close() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[uint32]*Stream)
	m.countBidi = 0
	m.countUni = 0
	m.mu.Unlock()

	for _, s := range streams {
		s.Close()
		if m.onStreamClose != nil {
			m.onStreamClose(s, errors.New("stream: manager closed"))
		}
	}
}
