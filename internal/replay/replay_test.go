package replay

import (
	"sync"
	"testing"
)

func TestWindow_AcceptsMonotonicSequence(t *testing.T) {
	w := NewWindow(1024)
	for i := uint64(0); i < 10; i++ {
		ok, reason := w.CheckAndAccept(i)
		if !ok {
			t.Fatalf("CheckAndAccept(%d) rejected: %v", i, reason)
		}
	}
	if w.Base() != 9 {
		t.Errorf("Base() = %d, want 9", w.Base())
	}
}

func TestWindow_RejectsReplay(t *testing.T) {
	w := NewWindow(1024)
	w.CheckAndAccept(5)
	ok, reason := w.CheckAndAccept(5)
	if ok || reason != ReasonReplaySeen {
		t.Errorf("replayed nonce: ok=%v reason=%v, want false/ReasonReplaySeen", ok, reason)
	}
}

func TestWindow_RejectsTooOld(t *testing.T) {
	w := NewWindow(16)
	for n := uint64(0); n <= 1000; n += 10 {
		w.CheckAndAccept(n)
	}
	ok, reason := w.CheckAndAccept(5)
	if ok || reason != ReasonTooOld {
		t.Errorf("stale nonce: ok=%v reason=%v, want false/ReasonTooOld", ok, reason)
	}
}

func TestWindow_RejectsTooFarFuture(t *testing.T) {
	w := NewWindow(16)
	ok, reason := w.CheckAndAccept(1_000_000)
	if ok || reason != ReasonTooFarFuture {
		t.Errorf("far-future nonce: ok=%v reason=%v, want false/ReasonTooFarFuture", ok, reason)
	}
}

func TestWindow_ZeroRejectedOnceBaseAdvances(t *testing.T) {
	w := NewWindow(1024)
	if ok, _ := w.CheckAndAccept(0); !ok {
		t.Fatal("first nonce 0 should be accepted")
	}
	if ok, _ := w.CheckAndAccept(50); !ok {
		t.Fatal("advancing nonce should be accepted")
	}
	ok, reason := w.CheckAndAccept(0)
	if ok || reason != ReasonTooOld {
		t.Errorf("replayed 0 after base advanced: ok=%v reason=%v, want false/ReasonTooOld", ok, reason)
	}
}

func TestWindow_OutOfOrderWithinWindowAccepted(t *testing.T) {
	w := NewWindow(1024)
	w.CheckAndAccept(100)
	ok, reason := w.CheckAndAccept(50)
	if !ok {
		t.Errorf("in-window out-of-order nonce rejected: %v", reason)
	}
	// replaying the same out-of-order nonce must now fail
	ok, reason = w.CheckAndAccept(50)
	if ok || reason != ReasonReplaySeen {
		t.Errorf("replay of out-of-order nonce: ok=%v reason=%v, want false/ReasonReplaySeen", ok, reason)
	}
}

func TestWindow_Reset(t *testing.T) {
	w := NewWindow(1024)
	w.CheckAndAccept(500)
	w.Reset()
	if w.Base() != 0 {
		t.Errorf("Base() after Reset() = %d, want 0", w.Base())
	}
	if ok, _ := w.CheckAndAccept(0); !ok {
		t.Error("nonce 0 should be accepted again after Reset()")
	}
}

func TestWindow_Concurrent(t *testing.T) {
	w := NewWindow(1 << 20)
	const goroutines = 32
	const perGoroutine = 200

	results := make(chan uint64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				n := uint64(g*perGoroutine + i + 1)
				if ok, _ := w.CheckAndAccept(n); ok {
					results <- n
				}
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]struct{}, goroutines*perGoroutine)
	for n := range results {
		if _, dup := seen[n]; dup {
			t.Fatalf("nonce %d accepted twice", n)
		}
		seen[n] = struct{}{}
	}
	if len(seen) != goroutines*perGoroutine {
		t.Errorf("accepted %d distinct nonces, want %d", len(seen), goroutines*perGoroutine)
	}
}

func testConfig() Config {
	return Config{
		MaxPacketBytes:        64 * 1024,
		MaxTotalBytes:         1024 * 1024,
		SecurityTripThreshold: 8,
	}
}

func TestManager_EarlyDataLifecycle(t *testing.T) {
	m := NewManager(1024, testConfig())
	if m.EarlyDataState() != EarlyDataDisabled {
		t.Fatalf("initial state = %v, want Disabled", m.EarlyDataState())
	}

	ok, reason := m.CheckDataFrame(1, 100, true)
	if ok || reason != ReasonWrongState {
		t.Errorf("early data before crypto frame observed: ok=%v reason=%v, want false/ReasonWrongState", ok, reason)
	}

	m.OnCryptoFrameObserved()
	if m.EarlyDataState() != EarlyDataEnabled {
		t.Fatalf("state after OnCryptoFrameObserved = %v, want Enabled", m.EarlyDataState())
	}

	ok, reason = m.CheckDataFrame(1, 100, true)
	if !ok {
		t.Errorf("early data while enabled rejected: %v", reason)
	}

	m.OnHandshakeComplete()
	if m.EarlyDataState() != EarlyDataCompleted {
		t.Fatalf("state after OnHandshakeComplete = %v, want Completed", m.EarlyDataState())
	}
}

func TestManager_EarlyDataPacketCap(t *testing.T) {
	m := NewManager(1024, testConfig())
	m.OnCryptoFrameObserved()

	ok, reason := m.CheckDataFrame(1, 64*1024+1, true)
	if ok || reason != ReasonOversizedPacket {
		t.Errorf("oversized early-data packet: ok=%v reason=%v, want false/ReasonOversizedPacket", ok, reason)
	}
}

func TestManager_EarlyDataSessionCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalBytes = 100
	m := NewManager(1024, cfg)
	m.OnCryptoFrameObserved()

	if ok, reason := m.CheckDataFrame(1, 60, true); !ok {
		t.Fatalf("first chunk rejected: %v", reason)
	}
	ok, reason := m.CheckDataFrame(2, 60, true)
	if ok || reason != ReasonSessionLimitExceeded {
		t.Errorf("cumulative over-cap: ok=%v reason=%v, want false/ReasonSessionLimitExceeded", ok, reason)
	}
}

func TestManager_SecurityTrip(t *testing.T) {
	cfg := testConfig()
	cfg.SecurityTripThreshold = 3
	m := NewManager(1024, cfg)
	m.OnCryptoFrameObserved()

	m.CheckDataFrame(10, 10, false)
	for i := 0; i < 3; i++ {
		m.CheckDataFrame(10, 10, false) // replay the same nonce repeatedly
	}

	if m.EarlyDataState() != EarlyDataSecurityDisabled {
		t.Errorf("state after repeated replay = %v, want SecurityDisabled", m.EarlyDataState())
	}

	// even a fresh, in-window nonce is now gated as wrong-state for early data
	ok, reason := m.CheckDataFrame(11, 10, true)
	if ok || reason != ReasonWrongState {
		t.Errorf("early data after security trip: ok=%v reason=%v, want false/ReasonWrongState", ok, reason)
	}
}

func TestManager_Rekey(t *testing.T) {
	m := NewManager(1024, testConfig())
	m.OnCryptoFrameObserved()
	m.CheckDataFrame(5, 10, true)

	m.Rekey()

	if m.window.Base() != 0 {
		t.Errorf("window base after Rekey() = %d, want 0", m.window.Base())
	}
	if m.cumulativeEarly.Load() != 0 {
		t.Errorf("cumulative early-data bytes after Rekey() = %d, want 0", m.cumulativeEarly.Load())
	}
	// the nonce space has restarted, so the previously-used counter 5 is
	// acceptable again post-rekey
	ok, reason := m.CheckDataFrame(5, 10, false)
	if !ok {
		t.Errorf("nonce reuse after Rekey() rejected: %v", reason)
	}
}
