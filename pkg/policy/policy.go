// Package policy implements the policy evaluation client: the only
// component allowed to decide ALLOW for a guarded action.
//
// Evaluation is delegated to a pluggable DecisionPoint backend (remote
// engine, embedded CEL, or the fail-closed fallback). Every backend MUST be
// fail-closed: any error, timeout, or protocol surprise maps to a denial,
// never to an allow. The client adds the constitutional-hash gate, input
// schema validation, and a canonical-keyed result cache on top.
package policy

import (
	"context"
	"fmt"

	"github.com/Veridian-Labs/aegis/core/pkg/canonicalize"
)

// Backend identifies a decision-point implementation.
type Backend string

const (
	BackendRemote   Backend = "remote"
	BackendCEL      Backend = "cel"
	BackendFallback Backend = "fallback"
)

// DecisionResponse is the canonical output of a policy evaluation.
type DecisionResponse struct {
	Allowed      bool           `json:"allowed"`
	Reason       string         `json:"reason"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	DecisionHash string         `json:"decision_hash,omitempty"`
}

// DecisionPoint is the stable boundary to a policy-decision engine.
// input is the governance document (including constitutional_hash) and
// policyPath selects the policy within the engine.
type DecisionPoint interface {
	Evaluate(ctx context.Context, input map[string]any, policyPath string) (*DecisionResponse, error)
	Backend() Backend
	PolicyHash() string
}

// EngineHealth is the status reported by a decision engine's health probe.
type EngineHealth string

const (
	EngineHealthy     EngineHealth = "healthy"
	EngineDegraded    EngineHealth = "degraded"
	EngineUnreachable EngineHealth = "unreachable"
)

// ComputeDecisionHash produces a deterministic SHA-256 digest of a decision
// (JCS canonical form, excluding the hash field itself) for audit binding.
func ComputeDecisionHash(resp *DecisionResponse) (string, error) {
	hashInput := struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}{
		Allowed: resp.Allowed,
		Reason:  resp.Reason,
	}
	canonical, err := canonicalize.JCS(hashInput)
	if err != nil {
		return "", fmt.Errorf("policy: decision hash canonicalization failed: %w", err)
	}
	return "sha256:" + canonicalize.HashBytes(canonical), nil
}

func deny(reason string, metadata map[string]any) *DecisionResponse {
	resp := &DecisionResponse{
		Allowed:  false,
		Reason:   reason,
		Metadata: metadata,
	}
	hash, err := ComputeDecisionHash(resp)
	if err == nil {
		resp.DecisionHash = hash
	}
	return resp
}
