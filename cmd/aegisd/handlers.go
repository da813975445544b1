package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Veridian-Labs/aegis/core/pkg/audit"
	"github.com/Veridian-Labs/aegis/core/pkg/consensus"
	"github.com/Veridian-Labs/aegis/core/pkg/guard"
	"github.com/Veridian-Labs/aegis/core/pkg/observability"
	"github.com/Veridian-Labs/aegis/core/pkg/policy"
	"github.com/Veridian-Labs/aegis/core/pkg/retry"
)

// server is the operator-facing HTTP surface.
type server struct {
	client    *policy.Client
	orch      *guard.Orchestrator
	trail     *audit.TrailClient
	failed    retry.FailedStore
	archive   *audit.ArchiveStore
	provider  *observability.Provider
	slo       *observability.SLOTracker
	sinkCfg   *audit.S3SinkConfig
	constHash string
	logger    *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /slo", s.handleSLO)
	mux.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /v1/guards/{id}/signatures", s.handleSignature)
	mux.HandleFunc("POST /v1/guards/{id}/rejections", s.handleRejection)
	mux.HandleFunc("POST /v1/guards/{id}/reviews", s.handleReview)
	mux.HandleFunc("POST /v1/guards/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /v1/failed", s.handleFailedList)
	mux.HandleFunc("POST /v1/failed/resolve", s.handleFailedResolve)
	mux.HandleFunc("POST /v1/evidence", s.handleEvidence)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.trail.Health(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"audit":   health,
		"backend": s.client.Backend(),
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	hits, misses := s.client.CacheStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"cache_hits":          hits,
		"cache_misses":        misses,
		"policy_backend":      s.client.Backend(),
		"audit":               s.trail.Snapshot(),
		"pending_escalations": s.orch.PendingEscalations(),
	})
}

func (s *server) handleSLO(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.slo.StatusAll())
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req guard.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start := time.Now()
	ctx, finish := s.provider.TrackEvaluation(r.Context(), req.AgentID, req.ActionType)
	result, err := s.orch.Evaluate(ctx, req)
	if err != nil {
		observability.SetSpanStatus(ctx, err)
		finish(string(guard.DecisionDeny), err)
		s.recordSLO(observability.OpEvaluate, start, false)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	observability.SpanFromContext(ctx).SetAttributes(
		observability.GuardDecision(result.GuardID, result.AgentID, result.ActionType, string(result.Decision), string(result.RiskLevel))...)
	observability.AddSpanEvent(ctx, "policy.evaluation",
		observability.PolicyEvaluation(result.PolicyPath, string(s.client.Backend()), string(result.Decision), time.Since(start).Seconds()*1e3)...)
	finish(string(result.Decision), nil)
	s.recordSLO(observability.OpEvaluate, start, true)

	if result.Decision == guard.DecisionRequireSignatures || result.Decision == guard.DecisionRequireReview {
		s.provider.EscalationOpened(ctx)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleSignature(w http.ResponseWriter, r *http.Request) {
	guardID := r.PathValue("id")
	var sig consensus.Signature
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if sig.SignedAt.IsZero() {
		sig = consensus.NewSignature(sig.SignerID, sig.Reasoning, sig.Confidence, s.constHash, time.Now())
	}

	start := time.Now()
	outcome, err := s.orch.SubmitSignature(r.Context(), guardID, sig)
	s.finishConsensus(r.Context(), w, observability.OpSignatureRound, start, outcome, err)
}

func (s *server) handleRejection(w http.ResponseWriter, r *http.Request) {
	guardID := r.PathValue("id")
	var req struct {
		SignerID string `json:"signer_id"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start := time.Now()
	outcome, err := s.orch.RejectSignature(r.Context(), guardID, req.SignerID, req.Reason)
	s.finishConsensus(r.Context(), w, observability.OpSignatureRound, start, outcome, err)
}

func (s *server) handleReview(w http.ResponseWriter, r *http.Request) {
	guardID := r.PathValue("id")
	var review consensus.CriticReview
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if review.ReviewedAt.IsZero() {
		review.ReviewedAt = time.Now().UTC()
	}

	start := time.Now()
	outcome, err := s.orch.SubmitReview(r.Context(), guardID, review)
	s.finishConsensus(r.Context(), w, observability.OpReviewRound, start, outcome, err)
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	guardID := r.PathValue("id")
	var req struct {
		Allow    bool   `json:"allow"`
		Operator string `json:"operator"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := s.orch.ResolveEscalation(r.Context(), guardID, req.Allow, req.Operator, req.Reason)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, guard.ErrUnknownGuard) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	s.provider.EscalationClosed(r.Context())
	writeJSON(w, http.StatusOK, outcome)
}

func (s *server) handleFailedList(w http.ResponseWriter, r *http.Request) {
	items, err := s.failed.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *server) handleFailedResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider  string `json:"provider"`
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.failed.Resolve(r.Context(), req.Provider, req.RequestID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, retry.ErrItemNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, audit.ErrArchiveNotConfigured.Error())
		return
	}
	var req audit.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	exporter := audit.NewExporter(s.archive, s.evidenceSink(r.Context()))
	pack, _, err := exporter.GeneratePack(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, audit.ErrInvalidTimeRange) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *server) evidenceSink(ctx context.Context) audit.ObjectSink {
	if s.sinkCfg == nil {
		return nil
	}
	sink, err := audit.NewS3Sink(ctx, *s.sinkCfg)
	if err != nil {
		s.logger.Warn("evidence sink unavailable", "error", err)
		return nil
	}
	return sink
}

func (s *server) finishConsensus(ctx context.Context, w http.ResponseWriter, op string, start time.Time, outcome *guard.Outcome, err error) {
	if err != nil {
		s.recordSLO(op, start, false)
		status := http.StatusInternalServerError
		if errors.Is(err, guard.ErrUnknownGuard) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	s.recordSLO(op, start, true)

	if outcome == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}
	observability.AddSpanEvent(ctx, "consensus.outcome",
		observability.ConsensusOutcome(outcome.GuardID, op, string(outcome.Decision))...)
	if !outcome.Escalated {
		s.provider.EscalationClosed(ctx)
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *server) recordSLO(op string, start time.Time, success bool) {
	s.slo.Record(observability.SLOObservation{
		Operation: op,
		Latency:   time.Since(start),
		Success:   success,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
