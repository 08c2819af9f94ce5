package multipath

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MinPaths:              1,
		MaxPaths:              8,
		HopAdjustmentInterval: 30 * time.Second,
		HealthCheckInterval:   time.Second,
	}
}

func TestPath_WeightFavorsLowRTTLowLoss(t *testing.T) {
	fast := newPath("fast")
	fast.OnRTTSample(10 * time.Millisecond)

	slow := newPath("slow")
	slow.OnRTTSample(500 * time.Millisecond)

	if fast.Weight() <= slow.Weight() {
		t.Errorf("fast path weight %v should exceed slow path weight %v", fast.Weight(), slow.Weight())
	}
}

func TestPath_WeightClampedToRange(t *testing.T) {
	p := newPath("p")
	p.OnRTTSample(time.Microsecond) // would blow past weightMax unclamped
	if w := p.Weight(); w > weightMax {
		t.Errorf("Weight() = %v, want <= %v", w, weightMax)
	}
}

func TestPath_LossReducesWeight(t *testing.T) {
	p := newPath("p")
	p.OnRTTSample(50 * time.Millisecond)
	before := p.Weight()
	for i := 0; i < 50; i++ {
		p.OnLossSample(true)
	}
	after := p.Weight()
	if after >= before {
		t.Errorf("weight after sustained loss = %v, want less than %v", after, before)
	}
}

func TestPath_IsHealthy(t *testing.T) {
	p := newPath("p")
	p.OnRTTSample(20 * time.Millisecond)
	if !p.IsHealthy() {
		t.Error("fresh low-RTT path should be healthy")
	}
	for i := 0; i < 50; i++ {
		p.OnLossSample(true)
	}
	if p.IsHealthy() {
		t.Error("path with sustained 100% loss should be unhealthy")
	}
}

func TestScheduler_SelectRespectsWeightRatio(t *testing.T) {
	s := NewScheduler(testConfig(), nil)
	fast, _ := s.AddPath("fast")
	slow, _ := s.AddPath("slow")
	fast.OnRTTSample(10 * time.Millisecond)
	slow.OnRTTSample(200 * time.Millisecond)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		p, err := s.Select()
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		counts[p.ID]++
	}

	if counts["fast"] <= counts["slow"] {
		t.Errorf("fast path selected %d times, slow %d times; want fast > slow", counts["fast"], counts["slow"])
	}
}

func TestScheduler_SelectNoPathsErrors(t *testing.T) {
	s := NewScheduler(testConfig(), nil)
	if _, err := s.Select(); err != ErrNoActivePaths {
		t.Errorf("Select() error = %v, want ErrNoActivePaths", err)
	}
}

func TestScheduler_HealthCheckDeactivatesUnhealthy(t *testing.T) {
	cfg := testConfig()
	cfg.MinPaths = 1
	s := NewScheduler(cfg, nil)
	good, _ := s.AddPath("good")
	bad, _ := s.AddPath("bad")
	good.OnRTTSample(20 * time.Millisecond)
	bad.OnRTTSample(20 * time.Millisecond)
	for i := 0; i < 50; i++ {
		bad.OnLossSample(true)
	}

	s.RunHealthCheck()

	if !good.Active() {
		t.Error("healthy path deactivated")
	}
	if bad.Active() {
		t.Error("unhealthy path should be deactivated")
	}
}

func TestScheduler_HealthCheckRespectsMinPathsFloor(t *testing.T) {
	cfg := testConfig()
	cfg.MinPaths = 1
	s := NewScheduler(cfg, nil)
	only, _ := s.AddPath("only")
	for i := 0; i < 50; i++ {
		only.OnLossSample(true)
	}

	s.RunHealthCheck()

	if !only.Active() {
		t.Error("last remaining path was deactivated despite MinPaths floor")
	}
}

func TestScheduler_AdjustHopCountsRaisesOnDegradation(t *testing.T) {
	cfg := testConfig()
	cfg.HopAdjustmentInterval = 0
	s := NewScheduler(cfg, nil)
	p, _ := s.AddPath("p")
	p.OnRTTSample(2 * time.Second)

	s.AdjustHopCounts(time.Now())

	if p.hopCount != hopCountMin+1 {
		t.Errorf("hopCount after degradation = %d, want %d", p.hopCount, hopCountMin+1)
	}
}

func TestScheduler_AdjustHopCountsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.HopAdjustmentInterval = time.Hour
	s := NewScheduler(cfg, nil)
	p, _ := s.AddPath("p")
	p.OnRTTSample(2 * time.Second)

	now := time.Now()
	s.AdjustHopCounts(now)
	afterFirst := p.hopCount
	s.AdjustHopCounts(now.Add(time.Second)) // well within the interval
	if p.hopCount != afterFirst {
		t.Errorf("hopCount changed again before interval elapsed: %d -> %d", afterFirst, p.hopCount)
	}
}

func TestScheduler_DeliverInOrder(t *testing.T) {
	s := NewScheduler(testConfig(), nil)
	s.AddPath("p")
	now := time.Now()

	if out := s.DeliverInOrder("p", 1, []byte("b"), now); out != nil {
		t.Errorf("out-of-order packet delivered early: %v", out)
	}
	out := s.DeliverInOrder("p", 0, []byte("a"), now)
	if len(out) != 2 || string(out[0]) != "a" || string(out[1]) != "b" {
		t.Errorf("DeliverInOrder() run = %v, want [a b]", out)
	}
}

func TestScheduler_ExpireReorderBuffers(t *testing.T) {
	events := make(chan Event, 8)
	s := NewScheduler(testConfig(), events)
	p, _ := s.AddPath("p")
	p.OnRTTSample(10 * time.Millisecond)
	now := time.Now()

	// Packet 5 arrives with 0..4 still missing: it sits in the reorder
	// buffer rather than being delivered immediately.
	if out := s.DeliverInOrder("p", 5, []byte("gap-filler"), now); out != nil {
		t.Fatalf("out-of-order packet delivered early: %v", out)
	}

	// Long after its timeout, it should be reported as lost, not handed
	// up as delivered data.
	delivered := s.ExpireReorderBuffers(now.Add(time.Second))
	if len(delivered) != 0 {
		t.Errorf("ExpireReorderBuffers() delivered = %v, want none (it should expire, not deliver)", delivered)
	}

	sawExpired := false
	for {
		select {
		case e := <-events:
			if e.Kind == PacketExpired && e.PathID == "p" {
				sawExpired = true
			}
		default:
			if !sawExpired {
				t.Error("expected a PacketExpired event for the timed-out packet")
			}
			return
		}
	}
}

func TestScheduler_ExpireReorderBuffersUnblocksHeadGap(t *testing.T) {
	s := NewScheduler(testConfig(), nil)
	p, _ := s.AddPath("p")
	p.OnRTTSample(10 * time.Millisecond)
	now := time.Now()

	// Sequence 0 never arrives; 1 sits buffered behind it.
	if out := s.DeliverInOrder("p", 1, []byte("b"), now); out != nil {
		t.Fatalf("out-of-order packet delivered early: %v", out)
	}

	delivered := s.ExpireReorderBuffers(now.Add(time.Second))
	// Sequence 1 times out and is reported lost, which moves the path past
	// the gap at 0; nothing is buffered behind it, so nothing is delivered.
	if len(delivered) != 0 {
		t.Errorf("ExpireReorderBuffers() delivered = %v, want none", delivered)
	}
}

func TestScheduler_AddPathIdempotent(t *testing.T) {
	s := NewScheduler(testConfig(), nil)
	p1, _ := s.AddPath("p")
	p2, _ := s.AddPath("p")
	if p1 != p2 {
		t.Error("AddPath() created a duplicate path for the same ID")
	}
}

func TestScheduler_AddPathEnforcesMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPaths = 1
	s := NewScheduler(cfg, nil)
	if _, err := s.AddPath("a"); err != nil {
		t.Fatalf("first AddPath() error = %v", err)
	}
	if _, err := s.AddPath("b"); err == nil {
		t.Error("expected error when exceeding MaxPaths")
	}
}

func TestScheduler_EventsEmittedNonBlocking(t *testing.T) {
	events := make(chan Event) // unbuffered, nothing draining it
	s := NewScheduler(testConfig(), events)
	// AddPath emits PathActivated; with no receiver draining, this call
	// must still return promptly instead of blocking forever.
	done := make(chan struct{})
	go func() {
		s.AddPath("p")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddPath() blocked on event emission with no telemetry consumer")
	}
}
