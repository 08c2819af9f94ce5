// Package multipath implements the per-connection path scheduler: path
// weighting and selection, dynamic hop count, per-path reorder buffers,
// and path health/lifecycle tracking.
package multipath

import (
	"sync"
	"time"
)

const (
	weightScale = 1000.0
	weightMin   = 1.0
	weightMax   = 10000.0

	hopCountMin = 3
	hopCountMax = 7

	unhealthyLossRate = 0.5
	unhealthyRTT      = 5 * time.Second

	reorderTimeoutMin = 10 * time.Millisecond
	reorderTimeoutMax = 2 * time.Second
)

// Event is a telemetry signal a Scheduler emits as path state changes.
type Event struct {
	Kind     EventKind
	PathID   string
	Reason   string
	OldValue int
	NewValue int
	Delay    time.Duration
}

// EventKind identifies the kind of multipath telemetry event.
type EventKind int

const (
	PathActivated EventKind = iota
	PathDeactivated
	HopCountAdjusted
	PacketReordered
	PacketExpired
	PathStatsUpdated
)

func (k EventKind) String() string {
	switch k {
	case PathActivated:
		return "path_activated"
	case PathDeactivated:
		return "path_deactivated"
	case HopCountAdjusted:
		return "hop_count_adjusted"
	case PacketReordered:
		return "packet_reordered"
	case PacketExpired:
		return "packet_expired"
	case PathStatsUpdated:
		return "path_stats_updated"
	default:
		return "unknown"
	}
}

// Path tracks one network path's live performance stats, derived weight,
// hop count, health, and reorder buffer.
type Path struct {
	ID string

	mu sync.Mutex

	srtt          time.Duration
	rttvar        time.Duration
	haveRTT       bool
	lossRate      float64
	hopCount      int
	weight        float64
	swrrCounter   float64
	active        bool
	lastHopAdjust time.Time

	reorder *reorderBuffer
}

// newPath creates a path starting with a neutral weight and the minimum
// hop count, active until its first health check proves otherwise.
func newPath(id string) *Path {
	p := &Path{
		ID:       id,
		hopCount: hopCountMin,
		weight:   weightScale,
		active:   true,
		reorder:  newReorderBuffer(),
	}
	return p
}

// OnRTTSample folds a fresh RTT sample into the path's smoothed RTT
// estimate, the same α=1/8, β=1/4 EWMA shape the rate controller uses
// for its congestion estimate.
func (p *Path) OnRTTSample(sample time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveRTT {
		p.srtt = sample
		p.rttvar = sample / 2
		p.haveRTT = true
		return
	}
	diff := sample - p.srtt
	if diff < 0 {
		diff = -diff
	}
	p.rttvar = p.rttvar + (diff-p.rttvar)/4
	p.srtt = p.srtt + (sample-p.srtt)/8
}

// OnLossSample updates the path's smoothed loss rate from a single
// send/loss observation (1 = lost, 0 = delivered), folded in with the
// same decay used for RTT.
func (p *Path) OnLossSample(lost bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sample := 0.0
	if lost {
		sample = 1.0
	}
	p.lossRate = p.lossRate + (sample-p.lossRate)/8
}

// recomputeWeight derives this path's scheduling weight from its current
// RTT and loss rate. Must be called with p.mu held.
func (p *Path) recomputeWeight() float64 {
	rttMs := float64(p.srtt / time.Millisecond)
	if rttMs <= 0 {
		rttMs = 1
	}
	w := weightScale / rttMs
	if w < weightMin {
		w = weightMin
	}
	if w > weightMax {
		w = weightMax
	}
	loss := p.lossRate
	if loss < 0 {
		loss = 0
	}
	if loss > 0.99 {
		loss = 0.99
	}
	return w * (1 - loss)
}

// Weight returns the path's current scheduling weight.
func (p *Path) Weight() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.weight = p.recomputeWeight()
	return p.weight
}

// IsHealthy reports whether the path meets the protocol's health bar: loss
// rate below 50%, RTT below 5s, and a non-collapsed weight.
func (p *Path) IsHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lossRate >= unhealthyLossRate {
		return false
	}
	if p.srtt >= unhealthyRTT {
		return false
	}
	return p.recomputeWeight() > 0
}

// reorderTimeout computes the per-path reorder buffer expiry window:
// smoothed RTT + 2·RTT-variance, clamped to [10ms, 2s].
func (p *Path) reorderTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	timeout := p.srtt + 2*p.rttvar
	if timeout < reorderTimeoutMin {
		timeout = reorderTimeoutMin
	}
	if timeout > reorderTimeoutMax {
		timeout = reorderTimeoutMax
	}
	return timeout
}

// setActive flips the path's active/inactive status, e.g. from a health
// check transition or a reactivation once metrics recover.
func (p *Path) setActive(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = active
}

// Active reports whether the path is currently carrying traffic.
func (p *Path) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
