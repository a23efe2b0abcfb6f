package ledger_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deadlockssh/deadlockssh/pkg/config"
	"github.com/deadlockssh/deadlockssh/pkg/ledger"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	cfg := config.DefaultConfig().Ledger
	l, err := ledger.New(cfg, nil, log.New())
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	return l
}

// TestRecordIncrements tests that repeat connections from one address get
// sequential post-increment counts
func TestRecordIncrements(t *testing.T) {
	l := newTestLedger(t)

	for i := int64(1); i <= 5; i++ {
		rec, err := l.Record("203.0.113.10")
		if err != nil {
			t.Fatalf("record failed: %v", err)
		}
		if rec.Count != i {
			t.Errorf("attempt %d: expected count %d, got %d", i, i, rec.Count)
		}
		if rec.Addr != "203.0.113.10" {
			t.Errorf("unexpected address %q", rec.Addr)
		}
		if rec.LastSeen.IsZero() {
			t.Error("expected last seen to be set")
		}
	}
}

// TestRecordIndependentAddresses tests that addresses are counted
// independently
func TestRecordIndependentAddresses(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < 3; i++ {
		if _, err := l.Record("198.51.100.1"); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := l.Record("198.51.100.2")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != 1 {
		t.Errorf("fresh address should start at 1, got %d", rec.Count)
	}
}

// TestRecordLinearizable tests that concurrent callers for one address
// never observe the same post-increment count and the final count equals
// the number of calls
func TestRecordLinearizable(t *testing.T) {
	l := newTestLedger(t)

	const workers = 50
	const perWorker = 20
	const total = workers * perWorker

	var mu sync.Mutex
	seen := make(map[int64]bool, total)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				rec, err := l.Record("192.0.2.99")
				if err != nil {
					t.Errorf("record failed: %v", err)
					return
				}
				mu.Lock()
				if seen[rec.Count] {
					t.Errorf("count %d observed twice", rec.Count)
				}
				seen[rec.Count] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	rec, err := l.Record("192.0.2.99")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != total+1 {
		t.Errorf("expected final count %d, got %d", total+1, rec.Count)
	}
}

// TestRecordConcurrentDistinctAddresses tests safety under concurrent
// calls from many distinct addresses
func TestRecordConcurrentDistinctAddresses(t *testing.T) {
	l := newTestLedger(t)

	const addrs = 200
	var wg sync.WaitGroup
	for i := 0; i < addrs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.1.%d.%d", i/256, i%256)
			if _, err := l.Record(addr); err != nil {
				t.Errorf("record failed for %s: %v", addr, err)
			}
		}(i)
	}
	wg.Wait()

	stats, err := l.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TrackedAddrs != addrs {
		t.Errorf("expected %d tracked addresses, got %d", addrs, stats.TrackedAddrs)
	}
	if stats.TotalConnections != addrs {
		t.Errorf("expected %d total connections, got %d", addrs, stats.TotalConnections)
	}
}

// TestSnapshotOrdered tests that snapshots are ordered by address and are
// copies, not views
func TestSnapshotOrdered(t *testing.T) {
	l := newTestLedger(t)

	for _, addr := range []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"} {
		if _, err := l.Record(addr); err != nil {
			t.Fatal(err)
		}
	}

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 records, got %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Addr >= snap[i].Addr {
			t.Errorf("snapshot not ordered: %q before %q", snap[i-1].Addr, snap[i].Addr)
		}
	}

	// Mutating the ledger afterwards must not change the snapshot.
	if _, err := l.Record("10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if snap[0].Count != 1 {
		t.Errorf("snapshot mutated by later record: count %d", snap[0].Count)
	}
}

// TestTopOffenders tests ranking by connection count
func TestTopOffenders(t *testing.T) {
	l := newTestLedger(t)

	counts := map[string]int{
		"203.0.113.1": 5,
		"203.0.113.2": 9,
		"203.0.113.3": 2,
		"203.0.113.4": 9,
	}
	for addr, n := range counts {
		for i := 0; i < n; i++ {
			if _, err := l.Record(addr); err != nil {
				t.Fatal(err)
			}
		}
	}

	top := l.TopOffenders(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 offenders, got %d", len(top))
	}
	// Ties break on address order.
	if top[0].Addr != "203.0.113.2" || top[0].Count != 9 {
		t.Errorf("unexpected first offender: %+v", top[0])
	}
	if top[1].Addr != "203.0.113.4" || top[1].Count != 9 {
		t.Errorf("unexpected second offender: %+v", top[1])
	}
}

// TestMemoryEviction tests that stale entries are dropped by Evict while
// fresh ones survive
func TestMemoryEviction(t *testing.T) {
	backend := ledger.NewMemoryBackend()

	old := time.Now().Add(-2 * time.Hour)
	if _, err := backend.Record("10.9.9.9", old); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.Record("10.9.9.10", time.Now()); err != nil {
		t.Fatal(err)
	}

	evicted, err := backend.Evict(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", evicted)
	}

	snap, err := backend.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 || snap[0].Addr != "10.9.9.10" {
		t.Errorf("unexpected survivors: %+v", snap)
	}

	// Total connection count is history, not live state.
	stats, err := backend.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalConnections != 2 {
		t.Errorf("expected total 2 after eviction, got %d", stats.TotalConnections)
	}
}

// TestNoPersistenceAcrossRestart tests that a fresh memory backend starts
// every address back at count 1, the ledger's explicit non-persistence
// property
func TestNoPersistenceAcrossRestart(t *testing.T) {
	first := ledger.NewMemoryBackend()
	for i := 0; i < 4; i++ {
		if _, err := first.Record("203.0.113.77", time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := ledger.NewMemoryBackend()
	rec, err := second.Record("203.0.113.77", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Count != 1 {
		t.Errorf("expected count reset to 1 after restart, got %d", rec.Count)
	}
}

// TestInvalidBackend tests creation with an unknown backend type
func TestInvalidBackend(t *testing.T) {
	cfg := config.DefaultConfig().Ledger
	cfg.Backend.Type = "invalid"

	if _, err := ledger.New(cfg, nil, log.New()); err == nil {
		t.Error("expected error for invalid backend type")
	}
}

// TestLedgerStartStop tests that background tasks shut down cleanly
func TestLedgerStartStop(t *testing.T) {
	cfg := config.DefaultConfig().Ledger
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.Retention = time.Hour

	l, err := ledger.New(cfg, nil, log.New())
	if err != nil {
		t.Fatal(err)
	}
	l.Start()

	if _, err := l.Record("10.2.3.4"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	if err := l.Stop(); err != nil {
		t.Errorf("stop returned error: %v", err)
	}
}
