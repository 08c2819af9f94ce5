package multipath

import (
	"errors"
	"sync"
	"time"
)

// ErrNoActivePaths is returned when Select is called with no path able
// to carry traffic.
var ErrNoActivePaths = errors.New("multipath: no active paths")

// Config bounds a Scheduler's behavior.
type Config struct {
	MinPaths              int
	MaxPaths              int
	HopAdjustmentInterval time.Duration
	HealthCheckInterval   time.Duration
}

// Scheduler distributes outbound frames across a connection's active
// paths using Smooth Weighted Round-Robin, and reassembles inbound
// frames per path before handing them to the stream layer.
type Scheduler struct {
	cfg Config

	mu     sync.Mutex
	paths  map[string]*Path
	order  []string // stable iteration order for SWRR
	events chan Event
}

// NewScheduler creates an empty scheduler. events may be nil if the
// caller doesn't want telemetry.
func NewScheduler(cfg Config, events chan Event) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		paths:  make(map[string]*Path),
		events: events,
	}
}

func (s *Scheduler) emit(e Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	default:
		// Telemetry is best-effort; a full channel must never block
		// the data path.
	}
}

// AddPath registers a new path, active by default, up to MaxPaths.
func (s *Scheduler) AddPath(id string) (*Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.paths[id]; ok {
		return p, nil
	}
	if s.cfg.MaxPaths > 0 && len(s.paths) >= s.cfg.MaxPaths {
		return nil, errors.New("multipath: max paths reached")
	}
	p := newPath(id)
	s.paths[id] = p
	s.order = append(s.order, id)
	s.emit(Event{Kind: PathActivated, PathID: id})
	return p, nil
}

// Path returns the registered path by ID, or nil.
func (s *Scheduler) Path(id string) *Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[id]
}

// activeCount returns how many paths are currently active. Caller must
// hold s.mu.
func (s *Scheduler) activeCount() int {
	n := 0
	for _, id := range s.order {
		if s.paths[id].Active() {
			n++
		}
	}
	return n
}

// Select runs one step of Smooth Weighted Round-Robin over the active
// paths: each gets its weight added to a running counter, the max is
// chosen, and the sum of active weights is subtracted from the winner.
func (s *Scheduler) Select() (*Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	var best *Path
	var bestCounter float64

	for _, id := range s.order {
		p := s.paths[id]
		if !p.Active() {
			continue
		}
		w := p.Weight()
		total += w

		p.mu.Lock()
		p.swrrCounter += w
		counter := p.swrrCounter
		p.mu.Unlock()

		if best == nil || counter > bestCounter {
			best = p
			bestCounter = counter
		}
	}

	if best == nil {
		return nil, ErrNoActivePaths
	}

	best.mu.Lock()
	best.swrrCounter -= total
	best.mu.Unlock()

	return best, nil
}

// RunHealthCheck evaluates every path's health and flips active state,
// never dropping below MinPaths active paths (the floor keeps the
// connection alive even if every path looks degraded).
func (s *Scheduler) RunHealthCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeCount()
	for _, id := range s.order {
		p := s.paths[id]
		healthy := p.IsHealthy()
		wasActive := p.Active()

		if !healthy && wasActive {
			if active <= s.cfg.MinPaths {
				continue // floor: keep it up even though it's unhealthy
			}
			p.setActive(false)
			active--
			s.emit(Event{Kind: PathDeactivated, PathID: id, Reason: "unhealthy"})
		} else if healthy && !wasActive {
			p.setActive(true)
			active++
			s.emit(Event{Kind: PathActivated, PathID: id})
		}
	}
}

// AdjustHopCounts raises or lowers each path's hop count in [3, 7] based
// on loss/RTT, rate-limited to one step per HopAdjustmentInterval.
func (s *Scheduler) AdjustHopCounts(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		p := s.paths[id]
		p.mu.Lock()
		if now.Sub(p.lastHopAdjust) < s.cfg.HopAdjustmentInterval {
			p.mu.Unlock()
			continue
		}
		old := p.hopCount
		degraded := p.lossRate > 0.1 || p.srtt > time.Second
		good := p.lossRate < 0.01 && p.srtt < 200*time.Millisecond

		switch {
		case degraded && p.hopCount < hopCountMax:
			p.hopCount++
		case good && p.hopCount > hopCountMin:
			p.hopCount--
		default:
			p.mu.Unlock()
			continue
		}
		p.lastHopAdjust = now
		newCount := p.hopCount
		p.mu.Unlock()

		s.emit(Event{Kind: HopCountAdjusted, PathID: id, OldValue: old, NewValue: newCount})
	}
}

// DeliverInOrder feeds an inbound packet on pathID through that path's
// reorder buffer and returns the contiguous run now deliverable.
func (s *Scheduler) DeliverInOrder(pathID string, seq uint64, payload []byte, now time.Time) [][]byte {
	p := s.Path(pathID)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.reorder.insert(seq, payload, now)
	if len(out) > 1 {
		s.emit(Event{Kind: PacketReordered, PathID: pathID})
	}
	return out
}

// ExpireReorderBuffers runs the reorder-buffer timeout sweep for every
// path and returns any packets newly deliverable as a result.
func (s *Scheduler) ExpireReorderBuffers(now time.Time) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var delivered [][]byte
	for _, id := range s.order {
		p := s.paths[id]
		timeout := p.reorderTimeout()

		p.mu.Lock()
		expired, d := p.reorder.expire(timeout, now)
		p.mu.Unlock()

		for i := 0; i < expired; i++ {
			s.emit(Event{Kind: PacketExpired, PathID: id})
		}
		delivered = append(delivered, d...)
	}
	return delivered
}
