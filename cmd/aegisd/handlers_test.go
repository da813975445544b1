package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/aegis/core/pkg/audit"
	"github.com/Veridian-Labs/aegis/core/pkg/consensus"
	"github.com/Veridian-Labs/aegis/core/pkg/guard"
	"github.com/Veridian-Labs/aegis/core/pkg/observability"
	"github.com/Veridian-Labs/aegis/core/pkg/policy"
	"github.com/Veridian-Labs/aegis/core/pkg/resiliency"
	"github.com/Veridian-Labs/aegis/core/pkg/retry"
)

const testHash = "sha256:test-constitution"

// acceptAllBackend accepts every audit batch.
type acceptAllBackend struct{}

func (acceptAllBackend) SubmitEntry(_ context.Context, e *audit.Entry) (string, error) {
	return "h-" + e.EntryID, nil
}

func (acceptAllBackend) SubmitBatch(_ context.Context, _ string, entries []*audit.Entry, _ string) ([]string, error) {
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = "h-" + e.EntryID
	}
	return hashes, nil
}

func (acceptAllBackend) Health(context.Context) error { return nil }

// signingPoint allows everything but demands a signature round.
type signingPoint struct{ signers []any }

func (p *signingPoint) Evaluate(context.Context, map[string]any, string) (*policy.DecisionResponse, error) {
	return &policy.DecisionResponse{
		Allowed: true,
		Metadata: map[string]any{
			"requires_signatures": true,
			"required_signers":    p.signers,
		},
	}, nil
}

func (p *signingPoint) Backend() policy.Backend { return policy.BackendRemote }
func (p *signingPoint) PolicyHash() string      { return "sha256:test-policy" }

func newTestServer(t *testing.T) (*server, *httptest.Server) {
	t.Helper()
	return newTestServerWith(t, policy.NewFallbackEngine())
}

func newTestServerWith(t *testing.T, engine policy.DecisionPoint) (*server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	client, err := policy.NewClient(engine, policy.NewMemoryCache(), policy.ClientConfig{
		ExpectedConstitutionalHash: testHash,
	}, logger)
	require.NoError(t, err)

	failed := retry.NewMemoryFailedStore()
	retrier := retry.NewEngine(retry.Config{MaxRetries: 1}, failed, logger)
	trail, err := audit.NewTrailClient(audit.Config{
		BatchSize:          100,
		QueueCapacity:      1000,
		RecentResults:      10,
		ConstitutionalHash: testHash,
	}, acceptAllBackend{}, resiliency.NewCircuitBreaker("audit", 5, time.Minute), retrier, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { trail.Stop(context.Background()) })

	cfg := guard.DefaultConfig()
	cfg.ExpectedConstitutionalHash = testHash
	orch, err := guard.NewOrchestrator(cfg, client, consensus.NewSignatureCollector(), consensus.NewReviewCollector(), trail, logger)
	require.NoError(t, err)

	provider, err := observability.New(context.Background(), &observability.Config{Enabled: false}, nil)
	require.NoError(t, err)

	slo := observability.NewSLOTracker()
	for _, target := range observability.DefaultGuardTargets() {
		slo.SetTarget(target)
	}

	srv := &server{
		client:    client,
		orch:      orch,
		trail:     trail,
		failed:    failed,
		provider:  provider,
		slo:       slo,
		constHash: testHash,
		logger:    logger,
	}
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func TestHandleEvaluate_FallbackDenies(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/evaluate", guard.Request{
		AgentID:            "a1",
		ActionType:         "delete",
		ConstitutionalHash: testHash,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result guard.GuardResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, guard.DecisionDeny, result.Decision)
	assert.False(t, result.IsAllowed)
	assert.True(t, result.ConstitutionalValid)
}

func TestHandleEvaluate_BadBody(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/evaluate", "application/json", bytes.NewReader([]byte("{broken")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleSignature_FullRound(t *testing.T) {
	_, ts := newTestServerWith(t, &signingPoint{signers: []any{"alice", "bob"}})

	resp := postJSON(t, ts.URL+"/v1/evaluate", guard.Request{
		AgentID:            "a1",
		ActionType:         "deploy",
		ConstitutionalHash: testHash,
	})
	var result guard.GuardResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	require.Equal(t, guard.DecisionRequireSignatures, result.Decision)

	resp = postJSON(t, ts.URL+"/v1/guards/"+result.GuardID+"/signatures", map[string]any{
		"signer_id":  "alice",
		"confidence": 0.9,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "one of two signers leaves the round pending")

	resp = postJSON(t, ts.URL+"/v1/guards/"+result.GuardID+"/signatures", map[string]any{
		"signer_id":  "bob",
		"confidence": 0.8,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var outcome guard.Outcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
	resp.Body.Close()
	assert.Equal(t, guard.DecisionAllow, outcome.Decision)
	assert.True(t, outcome.IsAllowed)
}

func TestHandleSignature_UnknownGuard(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/guards/nope/signatures", map[string]any{
		"signer_id":  "alice",
		"confidence": 1.0,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleStats(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Contains(t, stats, "cache_hits")
	assert.Contains(t, stats, "audit")
	assert.Contains(t, stats, "pending_escalations")
	assert.Equal(t, "fallback", stats["policy_backend"])
}

func TestHandleHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleSLO(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/slo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var statuses []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	assert.Len(t, statuses, 4)
}

func TestHandleFailed_ListAndResolve(t *testing.T) {
	srv, ts := newTestServer(t)

	require.NoError(t, srv.failed.Save(context.Background(), &retry.FailedItem{
		Provider:  "audit",
		RequestID: "req-1",
		LastError: "connection refused",
	}))

	resp, err := http.Get(ts.URL + "/v1/failed")
	require.NoError(t, err)
	var listing struct {
		Items []*retry.FailedItem `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing.Items, 1)

	resp = postJSON(t, ts.URL+"/v1/failed/resolve", map[string]string{
		"provider":   "audit",
		"request_id": "req-1",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/failed/resolve", map[string]string{
		"provider":   "audit",
		"request_id": "req-1",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleEvidence_NoArchive(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/evidence", audit.ExportRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
