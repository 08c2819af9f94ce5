package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DecisionKind is the outcome of a transmission admission check.
type DecisionKind int

const (
	Allowed DecisionKind = iota
	RateLimited
	FlowControlBlocked
	Delayed
)

func (k DecisionKind) String() string {
	switch k {
	case Allowed:
		return "allowed"
	case RateLimited:
		return "rate_limited"
	case FlowControlBlocked:
		return "flow_control_blocked"
	case Delayed:
		return "delayed"
	default:
		return "unknown"
	}
}

// Decision is the result of CheckTransmission.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration
}

// Config bounds one connection's slice of the rate/flow/backpressure
// controller.
type Config struct {
	GlobalBandwidthLimit  int64
	PerConnectionLimit    int64
	PerStreamLimit        int64
	BackpressureThreshold float64
	MaxBackpressureDelay  time.Duration
	InitialWindow         int64
	MinWindow             int64
	IdleEviction          time.Duration
}

const defaultBurstFactor = 2 // burst = rate × defaultBurstFactor seconds

// GlobalLimiter is the single process-wide token bucket hierarchy that
// every connection's Controller draws from as the top level of the
// hierarchy. Callers create exactly one per process and share it.
type GlobalLimiter struct {
	buckets *bucketSet
}

// NewGlobalLimiter creates the process-wide bucket at the configured
// bandwidth limit (default 1 MB/s).
func NewGlobalLimiter(bandwidthLimit int64) *GlobalLimiter {
	return &GlobalLimiter{buckets: newBucketSet(bandwidthLimit, bandwidthLimit*defaultBurstFactor)}
}

// Controller is the rate, flow and backpressure controller for one
// connection: a connection-level token bucket plus per-stream buckets,
// a congestion controller, and a backpressure monitor, all gating
// through a single CheckTransmission call.
type Controller struct {
	cfg    Config
	global *GlobalLimiter

	connBuckets  *bucketSet
	congestion   *congestionController
	backpressure *backpressureMonitor

	mu      sync.Mutex
	streams map[uint32]*bucketSet

	lastUseNano atomic.Int64
}

// NewController creates a per-connection controller against a shared
// GlobalLimiter. connLimit and streamLimit of 0 mean "inherit" (global,
// and connection, respectively), per §7's PerConnectionLimit/
// PerStreamLimit semantics.
func NewController(global *GlobalLimiter, cfg Config) *Controller {
	connLimit := cfg.PerConnectionLimit
	if connLimit <= 0 {
		connLimit = cfg.GlobalBandwidthLimit
	}
	threshold := cfg.BackpressureThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	maxDelay := cfg.MaxBackpressureDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	c := &Controller{
		cfg:          cfg,
		global:       global,
		connBuckets:  newBucketSet(connLimit, connLimit*defaultBurstFactor),
		congestion:   newCongestionController(cfg.InitialWindow, cfg.MinWindow),
		backpressure: newBackpressureMonitor(threshold, maxDelay),
		streams:      make(map[uint32]*bucketSet),
	}
	c.touch()
	return c
}

func (c *Controller) streamBucket(streamID uint32) *bucketSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bs, ok := c.streams[streamID]; ok {
		return bs
	}
	limit := c.cfg.PerStreamLimit
	if limit <= 0 {
		limit = c.cfg.PerConnectionLimit
		if limit <= 0 {
			limit = c.cfg.GlobalBandwidthLimit
		}
	}
	bs := newBucketSet(limit, limit*defaultBurstFactor)
	c.streams[streamID] = bs
	return bs
}

// RegisterQueue declares a named queue the backpressure monitor should
// watch (a send buffer, a reorder buffer, and so on).
func (c *Controller) RegisterQueue(name string, capacity int64) {
	c.backpressure.registerQueue(name, capacity)
}

// UpdateQueueSize reports a registered queue's current occupancy.
func (c *Controller) UpdateQueueSize(name string, bytes int64) {
	c.backpressure.updateQueueSize(name, bytes)
}

// OnAck feeds a successful acknowledgment into the congestion controller.
func (c *Controller) OnAck(ackedBytes int64, rtt time.Duration) {
	c.touch()
	c.congestion.onAck(ackedBytes, rtt)
}

// OnLoss feeds a detected loss into the congestion controller.
func (c *Controller) OnLoss() {
	c.touch()
	c.congestion.onLoss()
}

// OnECN feeds an ECN-marked packet into the congestion controller.
func (c *Controller) OnECN() {
	c.touch()
	c.congestion.onECN()
}

// CheckTransmission decides whether a send of n bytes on streamID at the
// given priority may proceed now, later, or not at all. The congestion
// window is checked first, then the token buckets (global → connection →
// stream, all at the caller's priority class), then backpressure.
func (c *Controller) CheckTransmission(streamID uint32, priority Priority, n int) Decision {
	c.touch()

	if !c.congestion.admissible(int64(n)) {
		return Decision{Kind: FlowControlBlocked}
	}

	now := time.Now()
	stream := c.streamBucket(streamID)

	var reservations []*rate.Reservation
	levels := []*bucketSet{c.global.buckets, c.connBuckets, stream}
	for _, level := range levels {
		res, ok := level.reserve(priority, n, now)
		if !ok {
			cancelReservations(reservations)
			return Decision{Kind: RateLimited}
		}
		reservations = append(reservations, res)
	}

	if d := c.backpressure.delay(); d > 0 {
		// Tokens for this attempt are already spent; the caller is
		// expected to retry after the delay, drawing fresh tokens then.
		return Decision{Kind: Delayed, Delay: d}
	}

	c.congestion.onSend(int64(n))
	return Decision{Kind: Allowed}
}

// IdleFor reports how long this controller has gone unused, for a
// periodic maintenance sweep over a Registry to compare against the
// configured idle-eviction timeout.
func (c *Controller) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastUseNano.Load()))
}

func (c *Controller) touch() {
	c.lastUseNano.Store(time.Now().UnixNano())
}
