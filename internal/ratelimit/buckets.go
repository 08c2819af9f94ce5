// Package ratelimit implements the Nyx rate, flow and backpressure
// controller: hierarchical token buckets, a BBR-ish congestion controller,
// and a backpressure monitor, combined behind a single admission check.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Priority is one of the five traffic classes a send is tagged with.
// Control always keeps its reserved share of a parent bucket even when
// the other classes are saturated, since each class draws from its own
// sub-bucket rather than a shared queue.
type Priority int

const (
	PriorityControl Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityControl:
		return "control"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// priorityShares gives each class its fraction of a parent bucket's rate
// and burst. Control is guaranteed 20% even under saturation because it
// draws from its own reserved sub-bucket, never from the others' share.
var priorityShares = map[Priority]float64{
	PriorityControl:    0.20,
	PriorityHigh:       0.30,
	PriorityNormal:     0.30,
	PriorityLow:        0.15,
	PriorityBackground: 0.05,
}

// minBurst is the smallest burst size handed to any sub-bucket so a very
// small parent rate still allows single-frame sends through.
const minBurst = 1

// bucketSet is one token-bucket level (global, connection, or stream)
// split into five priority sub-buckets. x/time/rate.Limiter already does
// lazy, timer-free refill internally, which is exactly the "rate ×
// elapsed_seconds, no timer threads" behavior the controller wants.
type bucketSet struct {
	byPriority map[Priority]*rate.Limiter
}

func newBucketSet(ratePerSec int64, burst int64) *bucketSet {
	bs := &bucketSet{byPriority: make(map[Priority]*rate.Limiter, len(priorityShares))}
	for p, share := range priorityShares {
		r := rate.Limit(float64(ratePerSec) * share)
		b := int(float64(burst) * share)
		if b < minBurst {
			b = minBurst
		}
		bs.byPriority[p] = rate.NewLimiter(r, b)
	}
	return bs
}

// reserve attempts to draw n tokens from the priority sub-bucket without
// blocking. It returns a reservation that can be rolled back with
// cancelReservations if a later level in the hierarchy can't also admit
// the send, keeping the whole admission check atomic in effect.
func (bs *bucketSet) reserve(p Priority, n int, now time.Time) (*rate.Reservation, bool) {
	lim, ok := bs.byPriority[p]
	if !ok {
		return nil, false
	}
	res := lim.ReserveN(now, n)
	if !res.OK() || res.Delay() > 0 {
		if res.OK() {
			res.Cancel()
		}
		return nil, false
	}
	return res, true
}

func cancelReservations(reservations []*rate.Reservation) {
	for _, r := range reservations {
		if r != nil {
			r.Cancel()
		}
	}
}
