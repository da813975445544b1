package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Veridian-Labs/aegis/core/pkg/resiliency"
	"github.com/Veridian-Labs/aegis/core/pkg/retry"
)

// fakeBackend accepts batches in memory. failEntries > 0 simulates partial
// success by accepting only a prefix of each batch.
type fakeBackend struct {
	mu          sync.Mutex
	batches     [][]*Entry
	hashes      []string
	failEntries int
	err         error
}

func (b *fakeBackend) SubmitEntry(_ context.Context, entry *Entry) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return "hash-" + entry.EntryID, nil
}

func (b *fakeBackend) SubmitBatch(_ context.Context, batchID string, entries []*Entry, _ string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.batches = append(b.batches, entries)
	accepted := len(entries) - b.failEntries
	if accepted < 0 {
		accepted = 0
	}
	hashes := make([]string, 0, accepted)
	for _, e := range entries[:accepted] {
		hashes = append(hashes, "hash-"+e.EntryID)
	}
	b.hashes = append(b.hashes, hashes...)
	return hashes, nil
}

func (b *fakeBackend) Health(context.Context) error { return b.err }

func (b *fakeBackend) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func (b *fakeBackend) totalEntries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, batch := range b.batches {
		n += len(batch)
	}
	return n
}

// stuckBreaker reports a fixed state.
type stuckBreaker struct{ state resiliency.State }

func (s *stuckBreaker) Allow() bool             { return s.state != resiliency.StateOpen }
func (s *stuckBreaker) Record(bool)             {}
func (s *stuckBreaker) State() resiliency.State { return s.state }

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testClient(t *testing.T, cfg Config, backend Backend, breaker resiliency.Breaker) *TrailClient {
	t.Helper()
	retrier := retry.NewEngine(retry.Config{MaxRetries: 1}, nil, quietLogger())
	client, err := NewTrailClient(cfg, backend, breaker, retrier, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewTrailClient: %v", err)
	}
	t.Cleanup(func() { client.Stop(context.Background()) })
	return client
}

func TestRecord_FlushesAtBatchSize(t *testing.T) {
	backend := &fakeBackend{}
	client := testClient(t, Config{
		BatchSize:     3,
		QueueCapacity: 100,
		RecentResults: 10,
	}, backend, resiliency.NewCircuitBreaker("audit", 5, time.Minute))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ref, err := client.Record(ctx, EntryTypeDecision, "a1", fmt.Sprintf("op-%d", i), map[string]int{"i": i})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if ref == "" {
			t.Fatal("audit reference must be returned")
		}
	}

	// The size-triggered flush runs on a background goroutine.
	waitFor(t, func() bool { return backend.batchCount() == 1 })
	if backend.totalEntries() != 3 {
		t.Errorf("got %d entries flushed, want 3", backend.totalEntries())
	}

	stats := client.Snapshot()
	if stats.BatchesFlushed != 1 || stats.EntriesSucceeded != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.RecentBatches) != 1 || stats.RecentBatches[0].Successful != 3 {
		t.Errorf("recent = %+v", stats.RecentBatches)
	}
}

func TestStop_FlushesPendingBelowBatchSize(t *testing.T) {
	backend := &fakeBackend{}
	retrier := retry.NewEngine(retry.Config{MaxRetries: 1}, nil, quietLogger())
	client, err := NewTrailClient(Config{
		BatchSize:     100,
		QueueCapacity: 100,
		RecentResults: 10,
	}, backend, resiliency.NewCircuitBreaker("audit", 5, time.Minute), retrier, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = client.Record(ctx, EntryTypeDecision, "a1", "op", nil)
	}

	client.Stop(ctx)

	if backend.totalEntries() != 4 {
		t.Errorf("queued entries must survive clean shutdown, got %d of 4", backend.totalEntries())
	}
	stats := client.Snapshot()
	if len(stats.RecentBatches) == 0 || stats.RecentBatches[0].EntryCount != 4 {
		t.Errorf("final batch result missing: %+v", stats.RecentBatches)
	}

	if _, err := client.Record(ctx, EntryTypeDecision, "a1", "op", nil); err == nil {
		t.Error("stopped client must refuse new entries")
	}
}

func TestSubmit_CircuitOpenRejectsLocally(t *testing.T) {
	backend := &fakeBackend{}
	client := testClient(t, Config{
		BatchSize:     2,
		QueueCapacity: 100,
		RecentResults: 10,
	}, backend, &stuckBreaker{state: resiliency.StateOpen})

	ctx := context.Background()
	_, _ = client.Record(ctx, EntryTypeDecision, "a1", "op", nil)
	_, _ = client.Record(ctx, EntryTypeDecision, "a1", "op", nil)

	waitFor(t, func() bool { return client.Snapshot().CircuitRejections == 2 })
	if backend.batchCount() != 0 {
		t.Error("open circuit must prevent any network call")
	}
}

func TestRecordNow_SubmitsSingleEntry(t *testing.T) {
	backend := &fakeBackend{}
	client := testClient(t, Config{
		BatchSize:     100,
		QueueCapacity: 100,
		RecentResults: 10,
	}, backend, resiliency.NewCircuitBreaker("audit", 5, time.Minute))

	ref, err := client.RecordNow(context.Background(), EntryTypeSystem, "aegisd", "startup", map[string]string{"profile": "default"})
	if err != nil {
		t.Fatalf("RecordNow: %v", err)
	}
	if ref == "" {
		t.Fatal("backend entry hash must be returned")
	}

	stats := client.Snapshot()
	if stats.Recorded != 1 || stats.EntriesSucceeded != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ChainHead == "genesis" {
		t.Error("a direct entry must still advance the hash chain")
	}
	if backend.batchCount() != 0 {
		t.Error("RecordNow must not consume the batch path")
	}
}

func TestRecordNow_CircuitOpenRejects(t *testing.T) {
	backend := &fakeBackend{}
	client := testClient(t, Config{
		BatchSize:     100,
		QueueCapacity: 100,
		RecentResults: 10,
	}, backend, &stuckBreaker{state: resiliency.StateOpen})

	_, err := client.RecordNow(context.Background(), EntryTypeSystem, "aegisd", "liveness", nil)
	if err == nil {
		t.Fatal("open circuit must reject a direct submission")
	}
	stats := client.Snapshot()
	if stats.CircuitRejections != 1 {
		t.Errorf("circuit_rejections = %d, want 1", stats.CircuitRejections)
	}
}

func TestSubmit_PartialSuccessCounts(t *testing.T) {
	backend := &fakeBackend{failEntries: 1}
	client := testClient(t, Config{
		BatchSize:     3,
		QueueCapacity: 100,
		RecentResults: 10,
	}, backend, resiliency.NewCircuitBreaker("audit", 5, time.Minute))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = client.Record(ctx, EntryTypeDecision, "a1", "op", nil)
	}

	waitFor(t, func() bool { return client.Snapshot().BatchesFlushed == 1 })
	stats := client.Snapshot()
	if stats.EntriesSucceeded != 2 || stats.EntriesFailed != 1 {
		t.Errorf("succeeded=%d failed=%d, want 2/1", stats.EntriesSucceeded, stats.EntriesFailed)
	}
	recent := stats.RecentBatches[0]
	if recent.Successful != 2 || recent.Failed != 1 || len(recent.EntryHashes) != 2 {
		t.Errorf("batch result = %+v", recent)
	}
}

func TestRecord_DropOldestBackpressure(t *testing.T) {
	backend := &fakeBackend{}
	client := testClient(t, Config{
		BatchSize:     100, // never size-triggered
		QueueCapacity: 3,
		RecentResults: 10,
	}, backend, resiliency.NewCircuitBreaker("audit", 5, time.Minute))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = client.Record(ctx, EntryTypeDecision, "a1", fmt.Sprintf("op-%d", i), nil)
	}

	stats := client.Snapshot()
	if stats.QueueDepth != 3 {
		t.Errorf("queue depth = %d, want capacity 3", stats.QueueDepth)
	}
	if stats.DroppedOldest != 2 {
		t.Errorf("dropped = %d, want 2", stats.DroppedOldest)
	}
}

func TestRecord_EntriesAreChained(t *testing.T) {
	backend := &fakeBackend{}
	client := testClient(t, Config{
		BatchSize:     2,
		QueueCapacity: 100,
		RecentResults: 10,
	}, backend, resiliency.NewCircuitBreaker("audit", 5, time.Minute))

	ctx := context.Background()
	ref1, _ := client.Record(ctx, EntryTypeDecision, "a1", "first", nil)
	_, _ = client.Record(ctx, EntryTypeDecision, "a1", "second", nil)

	waitFor(t, func() bool { return backend.batchCount() == 1 })
	backend.mu.Lock()
	defer backend.mu.Unlock()
	entries := backend.batches[0]
	if entries[0].PreviousHash != "genesis" {
		t.Errorf("first entry previous = %q", entries[0].PreviousHash)
	}
	if entries[1].PreviousHash != ref1 {
		t.Errorf("second entry must chain to the first: %q != %q", entries[1].PreviousHash, ref1)
	}
}

func TestHealth_ReportsBreakerState(t *testing.T) {
	backend := &fakeBackend{}
	client := testClient(t, Config{
		BatchSize:     10,
		QueueCapacity: 100,
		RecentResults: 10,
	}, backend, &stuckBreaker{state: resiliency.StateHalfOpen})

	health := client.Health(context.Background())
	if !health.Healthy {
		t.Error("fake backend is healthy")
	}
	if health.BreakerState != string(resiliency.StateHalfOpen) {
		t.Errorf("breaker state = %q", health.BreakerState)
	}
}

// waitFor polls until the condition holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
