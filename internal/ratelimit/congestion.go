package ratelimit

import (
	"sync"
	"time"
)

// congestionController is a per-connection BBR-ish sliding-window
// admission gate over in-flight bytes, independent of the token buckets.
type congestionController struct {
	mu sync.Mutex

	windowSize   float64
	minWindow    float64
	bytesInFlight int64
	inSlowStart  bool

	srtt    time.Duration
	rttvar  time.Duration
	haveRTT bool
}

func newCongestionController(initialWindow, minWindow int64) *congestionController {
	return &congestionController{
		windowSize:  float64(initialWindow),
		minWindow:   float64(minWindow),
		inSlowStart: true,
	}
}

// admissible reports whether n more bytes can be put in flight right now.
func (c *congestionController) admissible(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.bytesInFlight+n) <= c.windowSize
}

// onSend records that n bytes have been handed to the transport and are
// now awaiting acknowledgment.
func (c *congestionController) onSend(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesInFlight += n
}

// onAck updates the smoothed RTT estimate (α=1/8, variance β=1/4) and
// grows the window: exponentially during slow start, additively after.
func (c *congestionController) onAck(ackedBytes int64, sampleRTT time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bytesInFlight -= ackedBytes
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}

	if !c.haveRTT {
		c.srtt = sampleRTT
		c.rttvar = sampleRTT / 2
		c.haveRTT = true
	} else {
		diff := sampleRTT - c.srtt
		if diff < 0 {
			diff = -diff
		}
		c.rttvar = c.rttvar + (diff-c.rttvar)/4
		c.srtt = c.srtt + (sampleRTT-c.srtt)/8
	}

	if c.inSlowStart {
		c.windowSize += float64(ackedBytes)
	} else if c.windowSize > 0 {
		c.windowSize += float64(ackedBytes) / c.windowSize
	}
}

// onLoss halves the window and exits slow start permanently for this
// connection's congestion epoch.
func (c *congestionController) onLoss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowSize = max(c.windowSize*0.5, c.minWindow)
	c.inSlowStart = false
}

// onECN backs off more gently than a detected loss, since ECN signals
// congestion before the network actually drops anything.
func (c *congestionController) onECN() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowSize = max(c.windowSize*0.7, c.minWindow)
}
