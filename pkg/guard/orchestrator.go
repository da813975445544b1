package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veridian-Labs/aegis/core/pkg/audit"
	"github.com/Veridian-Labs/aegis/core/pkg/consensus"
	"github.com/Veridian-Labs/aegis/core/pkg/policy"
)

var (
	// ErrUnknownGuard is returned for consensus input against a guard id
	// that has no open escalation.
	ErrUnknownGuard = errors.New("guard: no open escalation for guard id")
)

// Evaluator is the policy boundary the orchestrator depends on.
// *policy.Client satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, input map[string]any, policyPath string) (*policy.DecisionResponse, error)
}

// Recorder is the audit boundary. *audit.TrailClient satisfies it.
type Recorder interface {
	Record(ctx context.Context, entryType audit.EntryType, agentID, action string, payload any) (string, error)
}

// Config tunes the orchestrator.
//
// DefaultSigners is the standing signer set used when an escalation
// requires signatures but the policy response names none. Without it a
// signature round would have an empty required set that no submission
// could ever complete, so such escalations fall back to critic review.
type Config struct {
	ExpectedConstitutionalHash string        `yaml:"expected_constitutional_hash" json:"expected_constitutional_hash"`
	DefaultPolicyPath          string        `yaml:"default_policy_path" json:"default_policy_path"`
	DefaultSigners             []string      `yaml:"default_signers" json:"default_signers"`
	SignatureThreshold         float64       `yaml:"signature_threshold" json:"signature_threshold"`
	SignatureTTL               time.Duration `yaml:"signature_ttl" json:"signature_ttl"`
	ReviewTimeout              time.Duration `yaml:"review_timeout" json:"review_timeout"`
}

// DefaultConfig returns production defaults. Signature collection is
// unanimous unless configured otherwise.
func DefaultConfig() Config {
	return Config{
		DefaultPolicyPath:  "governance/authz",
		SignatureThreshold: 1.0,
		SignatureTTL:       time.Hour,
		ReviewTimeout:      30 * time.Minute,
	}
}

// Request describes one action an agent wants to take.
type Request struct {
	AgentID            string         `json:"agent_id"`
	ActionType         string         `json:"action_type"`
	Resource           string         `json:"resource,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	ConstitutionalHash string         `json:"constitutional_hash"`
	PolicyPath         string         `json:"policy_path,omitempty"`
}

// Outcome reports the terminal resolution of an escalated guard.
type Outcome struct {
	GuardID   string   `json:"guard_id"`
	Decision  Decision `json:"decision"`
	IsAllowed bool     `json:"is_allowed"`
	Reason    string   `json:"reason"`
	Escalated bool     `json:"escalated,omitempty"`
	AuditRef  string   `json:"audit_ref,omitempty"`
}

// escalation tracks one guard awaiting consensus input. kind tells which
// collector owns the round.
type escalation struct {
	result    *GuardResult
	kind      Decision // REQUIRE_SIGNATURES or REQUIRE_REVIEW
	escalated bool     // review round reached ESCALATED, awaiting operator
}

// Orchestrator drives the guard state machine for each action attempt.
// The policy engine is consulted exactly once per guard id; every later
// transition is driven by signature or review input.
type Orchestrator struct {
	cfg        Config
	evaluator  Evaluator
	signatures *consensus.SignatureCollector
	reviews    *consensus.ReviewCollector
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	open map[string]*escalation
}

// NewOrchestrator wires the orchestrator. All collaborators are injected;
// there are no package-level default clients.
func NewOrchestrator(cfg Config, evaluator Evaluator, signatures *consensus.SignatureCollector, reviews *consensus.ReviewCollector, recorder Recorder, logger *slog.Logger) (*Orchestrator, error) {
	if evaluator == nil {
		return nil, fmt.Errorf("guard: policy evaluator is required")
	}
	if signatures == nil || reviews == nil {
		return nil, fmt.Errorf("guard: both consensus collectors are required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("guard: audit recorder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultPolicyPath == "" {
		cfg.DefaultPolicyPath = "governance/authz"
	}
	if cfg.SignatureThreshold <= 0 || cfg.SignatureThreshold > 1 {
		cfg.SignatureThreshold = 1.0
	}
	if cfg.SignatureTTL <= 0 {
		cfg.SignatureTTL = time.Hour
	}
	return &Orchestrator{
		cfg:        cfg,
		evaluator:  evaluator,
		signatures: signatures,
		reviews:    reviews,
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
		open:       map[string]*escalation{},
	}, nil
}

// WithClock overrides the time source for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.now = clock
	return o
}

// Evaluate runs the policy gate for one action attempt and returns the
// immutable GuardResult. When the result is REQUIRE_SIGNATURES or
// REQUIRE_REVIEW a consensus round is opened under the guard id; feeding
// that round resolves the guard without another policy call.
func (o *Orchestrator) Evaluate(ctx context.Context, req Request) (*GuardResult, error) {
	policyPath := req.PolicyPath
	if policyPath == "" {
		policyPath = o.cfg.DefaultPolicyPath
	}

	input := map[string]any{
		"agent_id":            req.AgentID,
		"action":              req.ActionType,
		"constitutional_hash": req.ConstitutionalHash,
	}
	if req.Resource != "" {
		input["resource"] = req.Resource
	}
	if req.Context != nil {
		input["context"] = req.Context
	}

	// The client fail-closes: any engine failure comes back as a typed
	// deny, never an error the orchestrator must interpret.
	resp, err := o.evaluator.Evaluate(ctx, input, policyPath)
	if err != nil || resp == nil {
		resp = &policy.DecisionResponse{
			Allowed:  false,
			Reason:   "policy evaluation failed",
			Metadata: map[string]any{"security": "fail-closed"},
		}
		if err != nil {
			resp.Metadata["error"] = err.Error()
		}
	}

	result := o.buildResult(req, policyPath, resp)

	if result.Decision == DecisionRequireSignatures || result.Decision == DecisionRequireReview {
		o.openEscalation(result)
	}

	o.audit(ctx, audit.EntryTypeDecision, result.AgentID, result.ActionType, result)
	return result, nil
}

func (o *Orchestrator) buildResult(req Request, policyPath string, resp *policy.DecisionResponse) *GuardResult {
	hashValid := req.ConstitutionalHash != "" && req.ConstitutionalHash == o.cfg.ExpectedConstitutionalHash
	risk := assessRisk(req.ActionType, resp.Metadata)

	result := &GuardResult{
		GuardID:             newGuardID(),
		Timestamp:           o.now().UTC(),
		AgentID:             req.AgentID,
		ActionType:          req.ActionType,
		PolicyPath:          policyPath,
		PolicyResult:        resp,
		ConstitutionalHash:  req.ConstitutionalHash,
		ConstitutionalValid: hashValid,
		RiskLevel:           risk.level,
		RiskScore:           risk.score,
		RiskFactors:         risk.factors,
	}
	if !hashValid {
		result.ValidationErrors = append(result.ValidationErrors, "constitutional hash mismatch")
	}

	if resp.Metadata != nil {
		if v, ok := resp.Metadata["requires_signatures"].(bool); ok && v {
			result.RequiresSignatures = true
			result.RequiredSigners = stringList(resp.Metadata["required_signers"])
		}
		if v, ok := resp.Metadata["requires_review"].(bool); ok && v {
			result.RequiresReview = true
			result.RequiredReviewers = stringList(resp.Metadata["required_reviewers"])
		}
	}
	// High-risk allowed actions escalate even without explicit policy
	// metadata. Signers take precedence when both paths apply.
	if resp.Allowed && !result.RequiresSignatures && !result.RequiresReview {
		switch risk.level {
		case RiskCritical:
			result.RequiresSignatures = true
		case RiskHigh:
			result.RequiresReview = true
		}
	}
	// A signature round over an empty signer set can never complete:
	// fill in the configured standing signers, or downgrade to review
	// when none are configured.
	if result.RequiresSignatures && len(result.RequiredSigners) == 0 {
		if len(o.cfg.DefaultSigners) > 0 {
			result.RequiredSigners = append([]string(nil), o.cfg.DefaultSigners...)
		} else {
			result.RequiresSignatures = false
			result.RequiresReview = true
		}
	}

	switch {
	case !resp.Allowed:
		result.Decision = DecisionDeny
	case result.RequiresSignatures:
		result.Decision = DecisionRequireSignatures
	case result.RequiresReview:
		result.Decision = DecisionRequireReview
	default:
		result.Decision = DecisionAllow
		result.IsAllowed = true
	}
	return result
}

func (o *Orchestrator) openEscalation(result *GuardResult) {
	o.mu.Lock()
	o.open[result.GuardID] = &escalation{result: result, kind: result.Decision}
	o.mu.Unlock()

	if result.Decision == DecisionRequireSignatures {
		o.signatures.Open(result.GuardID, result.RequiredSigners, o.cfg.SignatureThreshold, o.cfg.SignatureTTL)
	} else {
		o.reviews.Open(result.GuardID, result.RequiredReviewers, nil, int(o.cfg.ReviewTimeout.Seconds()))
	}
}

// SubmitSignature feeds one signature into an open signature round.
// It returns a nil Outcome while the round is still pending and the
// terminal Outcome the moment the round resolves.
func (o *Orchestrator) SubmitSignature(ctx context.Context, guardID string, sig consensus.Signature) (*Outcome, error) {
	esc, err := o.escalationOf(guardID, DecisionRequireSignatures)
	if err != nil {
		return nil, err
	}
	if !o.signatures.AddSignature(guardID, sig) {
		return nil, fmt.Errorf("guard: signature from %q refused for guard %s", sig.SignerID, guardID)
	}
	return o.resolveSignatures(ctx, esc)
}

// RejectSignature records a signer's refusal. Rejection is absolute: the
// round turns REJECTED regardless of how many signatures were collected.
func (o *Orchestrator) RejectSignature(ctx context.Context, guardID, signerID, reason string) (*Outcome, error) {
	esc, err := o.escalationOf(guardID, DecisionRequireSignatures)
	if err != nil {
		return nil, err
	}
	if !o.signatures.Reject(guardID, signerID, reason) {
		return nil, fmt.Errorf("guard: rejection by %q refused for guard %s", signerID, guardID)
	}
	return o.resolveSignatures(ctx, esc)
}

func (o *Orchestrator) resolveSignatures(ctx context.Context, esc *escalation) (*Outcome, error) {
	round, ok := o.signatures.Get(esc.result.GuardID)
	if !ok || !round.Terminal() {
		return nil, nil
	}

	outcome := &Outcome{GuardID: esc.result.GuardID}
	switch round.Status {
	case consensus.SignaturesCollected:
		outcome.Decision = DecisionAllow
		outcome.IsAllowed = true
		outcome.Reason = fmt.Sprintf("signature threshold met (%d/%d)", round.CollectedCount, round.RequiredCount)
	case consensus.SignaturesRejected:
		outcome.Decision = DecisionDeny
		outcome.Reason = fmt.Sprintf("rejected by %v", round.RejectedBy)
	case consensus.SignaturesExpired:
		outcome.Decision = DecisionDeny
		outcome.Reason = "signature collection expired"
	}
	o.closeEscalation(ctx, esc, outcome, round)
	return outcome, nil
}

// SubmitReview feeds one critic review into an open review round. A round
// that reaches the ESCALATED verdict resolves as DENY until an operator
// calls ResolveEscalation.
func (o *Orchestrator) SubmitReview(ctx context.Context, guardID string, review consensus.CriticReview) (*Outcome, error) {
	esc, err := o.escalationOf(guardID, DecisionRequireReview)
	if err != nil {
		return nil, err
	}
	if !o.reviews.AddReview(guardID, review) {
		return nil, fmt.Errorf("guard: review from %q refused for guard %s", review.CriticID, guardID)
	}

	round, ok := o.reviews.Get(guardID)
	if !ok || !round.Terminal() {
		return nil, nil
	}

	outcome := &Outcome{GuardID: guardID}
	switch round.Status {
	case consensus.ReviewApproved:
		outcome.Decision = DecisionAllow
		outcome.IsAllowed = true
		outcome.Reason = fmt.Sprintf("approved by critic consensus (confidence %.2f)", round.ConsensusConfidence)
	case consensus.ReviewRejected:
		outcome.Decision = DecisionDeny
		outcome.Reason = "rejected by critic consensus"
	case consensus.ReviewEscalated:
		// Denied until a human resolves it; the guard stays open.
		outcome.Decision = DecisionDeny
		outcome.Escalated = true
		outcome.Reason = "escalated to operator review"
		o.mu.Lock()
		esc.escalated = true
		o.mu.Unlock()
		ref, _ := o.audit(ctx, audit.EntryTypeConsensus, esc.result.AgentID, esc.result.ActionType, outcome)
		outcome.AuditRef = ref
		return outcome, nil
	}
	o.closeEscalation(ctx, esc, outcome, round)
	return outcome, nil
}

// ResolveEscalation is the operator path for a review round that ended
// ESCALATED. It produces the final outcome and closes the guard.
func (o *Orchestrator) ResolveEscalation(ctx context.Context, guardID string, allow bool, operator, reason string) (*Outcome, error) {
	o.mu.Lock()
	esc, ok := o.open[guardID]
	if !ok || !esc.escalated {
		o.mu.Unlock()
		return nil, ErrUnknownGuard
	}
	delete(o.open, guardID)
	o.mu.Unlock()

	outcome := &Outcome{
		GuardID:   guardID,
		Decision:  DecisionDeny,
		Escalated: true,
		Reason:    fmt.Sprintf("escalation resolved by %s: %s", operator, reason),
	}
	if allow {
		outcome.Decision = DecisionAllow
		outcome.IsAllowed = true
	}
	ref, _ := o.audit(ctx, audit.EntryTypeConsensus, esc.result.AgentID, esc.result.ActionType, outcome)
	outcome.AuditRef = ref
	return outcome, nil
}

// ExpireOverdue sweeps signature rounds past their deadline and resolves
// each expired guard as DENY.
func (o *Orchestrator) ExpireOverdue(ctx context.Context) []*Outcome {
	expired := o.signatures.ExpireOverdue()
	outcomes := make([]*Outcome, 0, len(expired))
	for _, round := range expired {
		o.mu.Lock()
		esc, ok := o.open[round.DecisionID]
		o.mu.Unlock()
		if !ok {
			continue
		}
		outcome := &Outcome{
			GuardID:  round.DecisionID,
			Decision: DecisionDeny,
			Reason:   "signature collection expired",
		}
		o.closeEscalation(ctx, esc, outcome, round)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// PendingEscalations reports how many guards are awaiting consensus input.
func (o *Orchestrator) PendingEscalations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.open)
}

func (o *Orchestrator) escalationOf(guardID string, kind Decision) (*escalation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	esc, ok := o.open[guardID]
	if !ok || esc.kind != kind {
		return nil, ErrUnknownGuard
	}
	return esc, nil
}

func (o *Orchestrator) closeEscalation(ctx context.Context, esc *escalation, outcome *Outcome, round any) {
	o.mu.Lock()
	delete(o.open, esc.result.GuardID)
	o.mu.Unlock()

	ref, _ := o.audit(ctx, audit.EntryTypeConsensus, esc.result.AgentID, esc.result.ActionType, map[string]any{
		"outcome": outcome,
		"round":   round,
	})
	outcome.AuditRef = ref
}

// audit records fire-and-forget; a failed audit write never blocks or
// fails the guarded action, it is logged and counted by the trail client.
func (o *Orchestrator) audit(ctx context.Context, entryType audit.EntryType, agentID, action string, payload any) (string, error) {
	ref, err := o.recorder.Record(ctx, entryType, agentID, action, payload)
	if err != nil {
		o.logger.Error("audit record failed", "agent_id", agentID, "action", action, "error", err)
		return "", err
	}
	return ref, nil
}
