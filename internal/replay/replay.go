// Package replay implements the Nyx anti-replay sliding window and the
// early-data (0-RTT) admission gate that rides alongside it.
package replay

import (
	"sync"
	"sync/atomic"
)

// Reason is the structured cause of a rejection, used for metrics and
// logging. Rejections are silent at the protocol level — the frame is
// simply dropped — but every rejection is counted by reason.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonReplaySeen
	ReasonTooOld
	ReasonTooFarFuture
	ReasonWrongState
	ReasonOversizedPacket
	ReasonSessionLimitExceeded
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonReplaySeen:
		return "replay_seen"
	case ReasonTooOld:
		return "too_old"
	case ReasonTooFarFuture:
		return "too_far_future"
	case ReasonWrongState:
		return "wrong_state"
	case ReasonOversizedPacket:
		return "oversized_packet"
	case ReasonSessionLimitExceeded:
		return "session_limit_exceeded"
	default:
		return "unknown"
	}
}

// Window tracks the set of accepted nonce counters for one direction and
// rejects reuse, staleness, and far-future values that would otherwise let
// an attacker force unbounded seen-set growth.
type Window struct {
	mu   sync.Mutex
	size uint64
	base uint64
	seen map[uint64]struct{}
}

// NewWindow creates a replay window of the given size (fixed at 2^20 for
// interoperability between implementations).
func NewWindow(size uint64) *Window {
	return &Window{
		size: size,
		seen: make(map[uint64]struct{}),
	}
}

// CheckAndAccept evaluates nonce counter n against the window and, if
// accepted, records it in the same locked section so two concurrent
// reports of the same counter cannot both succeed.
func (w *Window) CheckAndAccept(n uint64) (bool, Reason) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n == 0 && w.base > 0 {
		return false, ReasonTooOld
	}

	floor := uint64(0)
	if w.base > w.size {
		floor = w.base - w.size
	}
	if n < floor {
		return false, ReasonTooOld
	}
	if n > w.base+w.size {
		return false, ReasonTooFarFuture
	}
	if _, ok := w.seen[n]; ok {
		return false, ReasonReplaySeen
	}

	w.seen[n] = struct{}{}
	if n > w.base {
		w.base = n
		newFloor := uint64(0)
		if w.base > w.size {
			newFloor = w.base - w.size
		}
		for k := range w.seen {
			if k < newFloor {
				delete(w.seen, k)
			}
		}
	}
	return true, ReasonNone
}

// Reset clears the window to its initial state: base 0, empty seen-set.
// Called on rekey, since a new key starts a new nonce space.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.base = 0
	w.seen = make(map[uint64]struct{})
}

// Base returns the current high-water mark, mostly for tests and metrics.
func (w *Window) Base() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.base
}

// EarlyDataState is the lifecycle of 0-RTT admission for one connection.
type EarlyDataState int32

const (
	EarlyDataDisabled EarlyDataState = iota
	EarlyDataEnabled
	EarlyDataCompleted
	EarlyDataSecurityDisabled
)

func (s EarlyDataState) String() string {
	switch s {
	case EarlyDataDisabled:
		return "disabled"
	case EarlyDataEnabled:
		return "enabled"
	case EarlyDataCompleted:
		return "completed"
	case EarlyDataSecurityDisabled:
		return "security_disabled"
	default:
		return "unknown"
	}
}

// Config bounds early-data admission.
type Config struct {
	MaxPacketBytes        int64
	MaxTotalBytes         int64
	SecurityTripThreshold int32
}

// Manager is the anti-replay and early-data gate for one direction of
// traffic on a connection. A connection holds one Manager, for its
// receive direction, since nonces are direction-scoped.
type Manager struct {
	window *Window
	cfg    Config

	state             atomic.Int32
	cumulativeEarly   atomic.Int64
	consecutiveReplay atomic.Int32
}

// NewManager creates a replay/early-data manager starting in the Disabled
// early-data state.
func NewManager(windowSize uint64, cfg Config) *Manager {
	m := &Manager{
		window: NewWindow(windowSize),
		cfg:    cfg,
	}
	m.state.Store(int32(EarlyDataDisabled))
	return m
}

// EarlyDataState returns the current early-data gate state.
func (m *Manager) EarlyDataState() EarlyDataState {
	return EarlyDataState(m.state.Load())
}

// OnCryptoFrameObserved is called by the handshake driver the moment a
// Crypto frame is sent or received in either direction; early data may
// only be enabled once that has happened at least once.
func (m *Manager) OnCryptoFrameObserved() {
	m.state.CompareAndSwap(int32(EarlyDataDisabled), int32(EarlyDataEnabled))
}

// OnHandshakeComplete transitions early-data-specific limits away: once
// the handshake is done there is no more 0-RTT traffic to gate.
func (m *Manager) OnHandshakeComplete() {
	for {
		cur := EarlyDataState(m.state.Load())
		if cur == EarlyDataSecurityDisabled {
			return
		}
		if m.state.CompareAndSwap(int32(cur), int32(EarlyDataCompleted)) {
			return
		}
	}
}

// CheckDataFrame validates an inbound Data frame against the replay
// window and, while early data is enabled and the handshake has not yet
// completed, the early-data size caps.
func (m *Manager) CheckDataFrame(nonce uint64, payloadLen int, isEarlyData bool) (bool, Reason) {
	if isEarlyData {
		state := m.EarlyDataState()
		if state != EarlyDataEnabled {
			return false, ReasonWrongState
		}
		if int64(payloadLen) > m.cfg.MaxPacketBytes {
			return false, ReasonOversizedPacket
		}
		total := m.cumulativeEarly.Add(int64(payloadLen))
		if total > m.cfg.MaxTotalBytes {
			return false, ReasonSessionLimitExceeded
		}
	}

	ok, reason := m.window.CheckAndAccept(nonce)
	if !ok {
		m.recordRejection(reason)
	} else {
		m.consecutiveReplay.Store(0)
	}
	return ok, reason
}

// recordRejection trips the security-disabled state permanently once
// enough consecutive replay rejections accumulate on this direction,
// regardless of intervening accepted frames of other kinds.
func (m *Manager) recordRejection(reason Reason) {
	if reason != ReasonReplaySeen {
		return
	}
	count := m.consecutiveReplay.Add(1)
	if count >= m.cfg.SecurityTripThreshold {
		m.state.Store(int32(EarlyDataSecurityDisabled))
	}
}

// Rekey resets the replay window and the cumulative early-data counter:
// a new key starts a new nonce space, and traffic-key counters reset to 0
// alongside it (the caller owns resetting its TrafficKey counters).
func (m *Manager) Rekey() {
	m.window.Reset()
	m.cumulativeEarly.Store(0)
}
