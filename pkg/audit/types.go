// Package audit implements the fire-and-forget audit trail client: every
// guard decision and consensus outcome is queued, batched, and submitted to
// the remote audit backend behind a circuit breaker, with hash chaining for
// tamper evidence.
package audit

import (
	"encoding/json"
	"time"
)

// EntryType categorizes audit entries.
type EntryType string

const (
	EntryTypeDecision  EntryType = "guard_decision"
	EntryTypeConsensus EntryType = "consensus_outcome"
	EntryTypeSystem    EntryType = "system"
)

// Entry is one immutable audit record. PayloadHash covers the serialized
// payload; PreviousHash chains each entry to the one queued before it.
type Entry struct {
	EntryID            string            `json:"entry_id"`
	Timestamp          time.Time         `json:"timestamp"`
	EntryType          EntryType         `json:"entry_type"`
	AgentID            string            `json:"agent_id,omitempty"`
	Action             string            `json:"action"`
	Payload            json.RawMessage   `json:"payload"`
	PayloadHash        string            `json:"payload_hash"`
	PreviousHash       string            `json:"previous_hash"`
	ConstitutionalHash string            `json:"constitutional_hash"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// BatchResult summarizes one batch flush. Produced once, immutable, kept in
// a bounded recent-results ring for the operator surface. Partial success
// is expressed by Successful < EntryCount.
type BatchResult struct {
	BatchID     string    `json:"batch_id"`
	EntryCount  int       `json:"entry_count"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	EntryHashes []string  `json:"entry_hashes"`
	Timestamp   time.Time `json:"timestamp"`
}

// HealthStatus is the operator-facing liveness report.
type HealthStatus struct {
	Backend      string        `json:"backend"`
	Healthy      bool          `json:"healthy"`
	Latency      time.Duration `json:"latency"`
	BreakerState string        `json:"breaker_state"`
	Error        string        `json:"error,omitempty"`
}

// Stats is a point-in-time snapshot of the trail client's counters.
type Stats struct {
	Recorded          uint64        `json:"recorded"`
	BatchesFlushed    uint64        `json:"batches_flushed"`
	EntriesSucceeded  uint64        `json:"entries_succeeded"`
	EntriesFailed     uint64        `json:"entries_failed"`
	DroppedOldest     uint64        `json:"dropped_oldest"`
	CircuitRejections uint64        `json:"circuit_rejections"`
	QueueDepth        int           `json:"queue_depth"`
	ChainHead         string        `json:"chain_head"`
	BreakerState      string        `json:"breaker_state"`
	RecentBatches     []BatchResult `json:"recent_batches"`
}
