package policy

import "context"

// FallbackEngine is the operating mode used when policy integration is
// disabled or the remote engine is known-unavailable. It denies every
// evaluation: unavailability of the decision authority is itself grounds
// for denial, never for default-allow.
type FallbackEngine struct{}

// NewFallbackEngine creates the fail-closed fallback decision point.
func NewFallbackEngine() *FallbackEngine { return &FallbackEngine{} }

// Evaluate implements DecisionPoint. Always denies.
func (f *FallbackEngine) Evaluate(_ context.Context, _ map[string]any, policyPath string) (*DecisionResponse, error) {
	return deny("policy engine in fallback mode", map[string]any{
		"mode":        "fallback",
		"security":    "fail-closed",
		"backend":     string(BackendFallback),
		"policy_path": policyPath,
	}), nil
}

// Backend implements DecisionPoint.
func (f *FallbackEngine) Backend() Backend { return BackendFallback }

// PolicyHash implements DecisionPoint.
func (f *FallbackEngine) PolicyHash() string { return "sha256:fallback" }
