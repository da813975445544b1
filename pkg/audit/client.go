package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Veridian-Labs/aegis/core/pkg/canonicalize"
	"github.com/Veridian-Labs/aegis/core/pkg/resiliency"
	"github.com/Veridian-Labs/aegis/core/pkg/retry"
)

// retryProvider names the audit delivery path in the failed-item store.
const retryProvider = "audit"

// Config tunes the trail client.
type Config struct {
	BatchSize          int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval      time.Duration `yaml:"flush_interval" json:"flush_interval"`
	QueueCapacity      int           `yaml:"queue_capacity" json:"queue_capacity"`
	SubmitTimeout      time.Duration `yaml:"submit_timeout" json:"submit_timeout"`
	BatchesPerSecond   float64       `yaml:"batches_per_second" json:"batches_per_second"`
	RecentResults      int           `yaml:"recent_results" json:"recent_results"`
	ConstitutionalHash string        `yaml:"constitutional_hash" json:"constitutional_hash"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        32,
		FlushInterval:    5 * time.Second,
		QueueCapacity:    4096,
		SubmitTimeout:    10 * time.Second,
		BatchesPerSecond: 10,
		RecentResults:    50,
	}
}

// Archiver receives successfully flushed batches for durable archival,
// off the hot path. Failures are logged, never propagated.
type Archiver interface {
	SaveBatch(ctx context.Context, result *BatchResult, entries []*Entry) error
}

// TrailClient queues audit entries and flushes them in batches. Record is
// fire-and-forget: callers are never blocked by backend latency beyond the
// queue append. Backpressure policy is drop-oldest-and-count.
type TrailClient struct {
	cfg     Config
	backend Backend
	breaker resiliency.Breaker
	retrier *retry.Engine
	limiter *rate.Limiter
	archive Archiver
	logger  *slog.Logger

	mu        sync.Mutex
	pending   []*Entry
	chainHead string
	recent    []BatchResult
	stats     Stats
	stopped   bool

	stopCh chan struct{}
	loopWG sync.WaitGroup
	subWG  sync.WaitGroup
}

// NewTrailClient constructs and starts the client. breaker and retrier are
// required; archive may be nil.
func NewTrailClient(cfg Config, backend Backend, breaker resiliency.Breaker, retrier *retry.Engine, archive Archiver, logger *slog.Logger) (*TrailClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("audit: backend is required")
	}
	if breaker == nil {
		return nil, fmt.Errorf("audit: circuit breaker is required")
	}
	if retrier == nil {
		return nil, fmt.Errorf("audit: retry engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.QueueCapacity < cfg.BatchSize {
		cfg.QueueCapacity = cfg.BatchSize
	}
	if cfg.RecentResults < 1 {
		cfg.RecentResults = 50
	}

	var limiter *rate.Limiter
	if cfg.BatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BatchesPerSecond), 1)
	}

	c := &TrailClient{
		cfg:       cfg,
		backend:   backend,
		breaker:   breaker,
		retrier:   retrier,
		limiter:   limiter,
		archive:   archive,
		logger:    logger,
		chainHead: "genesis",
		stopCh:    make(chan struct{}),
	}

	if cfg.FlushInterval > 0 {
		c.loopWG.Add(1)
		go c.flushLoop()
	}
	return c, nil
}

// Record queues one audit entry and returns its entry hash as the audit
// reference. The entry is chained to the previously queued entry.
func (c *TrailClient) Record(ctx context.Context, entryType EntryType, agentID, action string, payload any) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("audit: serialize payload: %w", err)
	}

	c.mu.Lock()
	entry, entryHash, err := c.buildEntryLocked(entryType, agentID, action, payloadBytes)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}

	if len(c.pending) >= c.cfg.QueueCapacity {
		// Bounded queue: drop the oldest entry and count it.
		c.pending = c.pending[1:]
		c.stats.DroppedOldest++
	}
	c.pending = append(c.pending, entry)

	var batch []*Entry
	if len(c.pending) >= c.cfg.BatchSize {
		batch = c.takeBatchLocked()
		// Registered before releasing the lock so Stop cannot miss an
		// in-flight submission.
		c.subWG.Add(1)
	}
	c.mu.Unlock()

	if batch != nil {
		go func() {
			defer c.subWG.Done()
			c.submit(context.WithoutCancel(ctx), batch)
		}()
	}
	return entryHash, nil
}

// buildEntryLocked chains a new entry onto the trail and bumps the recorded
// counter. Callers hold mu and must not use the entry on error.
func (c *TrailClient) buildEntryLocked(entryType EntryType, agentID, action string, payloadBytes []byte) (*Entry, string, error) {
	if c.stopped {
		return nil, "", fmt.Errorf("audit: client is stopped")
	}

	entry := &Entry{
		EntryID:            uuid.New().String(),
		Timestamp:          time.Now().UTC(),
		EntryType:          entryType,
		AgentID:            agentID,
		Action:             action,
		Payload:            payloadBytes,
		PayloadHash:        canonicalize.HashBytes(payloadBytes),
		PreviousHash:       c.chainHead,
		ConstitutionalHash: c.cfg.ConstitutionalHash,
	}
	entryHash, err := entryContentHash(entry)
	if err != nil {
		return nil, "", fmt.Errorf("audit: entry hash: %w", err)
	}
	c.chainHead = entryHash
	c.stats.Recorded++
	return entry, entryHash, nil
}

// RecordNow submits a single entry synchronously, bypassing the batch
// queue. System entries (startup, shutdown, liveness) use it so they land
// even when the flush loop is idle. The circuit breaker gates it exactly
// like batch submission; the entry still joins the hash chain.
func (c *TrailClient) RecordNow(ctx context.Context, entryType EntryType, agentID, action string, payload any) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("audit: serialize payload: %w", err)
	}

	c.mu.Lock()
	entry, _, err := c.buildEntryLocked(entryType, agentID, action, payloadBytes)
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	if !c.breaker.Allow() {
		c.mu.Lock()
		c.stats.CircuitRejections++
		c.mu.Unlock()
		return "", fmt.Errorf("audit: submission rejected by open circuit")
	}

	callCtx := ctx
	if c.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
	}
	backendHash, err := c.backend.SubmitEntry(callCtx, entry)
	c.breaker.Record(err == nil)

	c.mu.Lock()
	if err != nil {
		c.stats.EntriesFailed++
	} else {
		c.stats.EntriesSucceeded++
	}
	c.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("audit: submit entry: %w", err)
	}
	return backendHash, nil
}

// takeBatchLocked snapshots and clears the pending queue. Callers hold mu,
// so a size-triggered flush can never race a timer flush into submitting
// the same entries twice or dropping entries appended in between.
func (c *TrailClient) takeBatchLocked() []*Entry {
	if len(c.pending) == 0 {
		return nil
	}
	batch := c.pending
	c.pending = make([]*Entry, 0, c.cfg.BatchSize)
	return batch
}

func (c *TrailClient) flushLoop() {
	defer c.loopWG.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Flush(context.Background())
		}
	}
}

// Flush submits any pending entries immediately.
func (c *TrailClient) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.takeBatchLocked()
	c.mu.Unlock()
	if batch != nil {
		c.submit(ctx, batch)
	}
}

func (c *TrailClient) submit(ctx context.Context, entries []*Entry) {
	batchID := uuid.New().String()

	if !c.breaker.Allow() {
		// Local fast-fail, counted apart from remote failures so
		// operators can tell "backend down" from "not calling it".
		c.mu.Lock()
		c.stats.CircuitRejections += uint64(len(entries))
		c.mu.Unlock()
		c.logger.Warn("audit batch rejected by open circuit",
			"batch_id", batchID,
			"entries", len(entries))
		return
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.recordOutcome(batchID, entries, nil)
			return
		}
	}

	payload, _ := json.Marshal(entries)
	var hashes []string
	res := c.retrier.Execute(ctx, func(ctx context.Context, _ retry.Item) retry.Result {
		callCtx := ctx
		if c.cfg.SubmitTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.SubmitTimeout)
			defer cancel()
		}
		got, err := c.backend.SubmitBatch(callCtx, batchID, entries, c.cfg.ConstitutionalHash)
		c.breaker.Record(err == nil)
		if err != nil {
			// Timeouts and transport failures are retryable.
			return retry.Result{Status: retry.StatusRetryable, Error: err.Error()}
		}
		hashes = got
		return retry.Result{Status: retry.StatusSent}
	}, retry.Item{RequestID: batchID, Provider: retryProvider, Payload: payload})

	if res.Status != retry.StatusSent {
		c.recordOutcome(batchID, entries, nil)
		return
	}
	c.recordOutcome(batchID, entries, hashes)

	if c.archive != nil {
		result := c.lastResult(batchID)
		if result != nil {
			if err := c.archive.SaveBatch(ctx, result, entries); err != nil {
				c.logger.Error("audit archive failure", "batch_id", batchID, "error", err)
			}
		}
	}
}

// recordOutcome builds the immutable BatchResult and updates counters.
// hashes == nil means the whole batch failed.
func (c *TrailClient) recordOutcome(batchID string, entries []*Entry, hashes []string) {
	result := BatchResult{
		BatchID:     batchID,
		EntryCount:  len(entries),
		Successful:  len(hashes),
		Failed:      len(entries) - len(hashes),
		EntryHashes: hashes,
		Timestamp:   time.Now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.BatchesFlushed++
	c.stats.EntriesSucceeded += uint64(result.Successful)
	c.stats.EntriesFailed += uint64(result.Failed)
	c.recent = append(c.recent, result)
	if len(c.recent) > c.cfg.RecentResults {
		c.recent = c.recent[len(c.recent)-c.cfg.RecentResults:]
	}
}

func (c *TrailClient) lastResult(batchID string) *BatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.recent) - 1; i >= 0; i-- {
		if c.recent[i].BatchID == batchID {
			result := c.recent[i]
			return &result
		}
	}
	return nil
}

// Health probes the backend and reports latency plus breaker state.
func (c *TrailClient) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := c.backend.Health(ctx)
	status := HealthStatus{
		Backend:      "audit",
		Healthy:      err == nil,
		Latency:      time.Since(start),
		BreakerState: string(c.breaker.State()),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// Snapshot returns the current statistics for the operator surface.
func (c *TrailClient) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.QueueDepth = len(c.pending)
	stats.ChainHead = c.chainHead
	stats.BreakerState = string(c.breaker.State())
	stats.RecentBatches = append([]BatchResult(nil), c.recent...)
	return stats
}

// Stop flushes any non-empty pending batch before declaring the client
// stopped: entries queued on clean shutdown are never silently lost.
func (c *TrailClient) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.loopWG.Wait()
	c.subWG.Wait()
	c.Flush(ctx)
}

func entryContentHash(entry *Entry) (string, error) {
	hashable := struct {
		EntryID      string    `json:"entry_id"`
		Timestamp    time.Time `json:"timestamp"`
		EntryType    EntryType `json:"entry_type"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{
		EntryID:      entry.EntryID,
		Timestamp:    entry.Timestamp,
		EntryType:    entry.EntryType,
		Action:       entry.Action,
		PayloadHash:  entry.PayloadHash,
		PreviousHash: entry.PreviousHash,
	}
	canonical, err := canonicalize.JCS(hashable)
	if err != nil {
		return "", err
	}
	return "sha256:" + canonicalize.HashBytes(canonical), nil
}
