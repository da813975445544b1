package guard

import (
	"time"

	"github.com/google/uuid"

	"github.com/Veridian-Labs/aegis/core/pkg/policy"
)

// Decision is the outcome of one guarded action attempt.
type Decision string

const (
	DecisionPending           Decision = "PENDING"
	DecisionAllow             Decision = "ALLOW"
	DecisionDeny              Decision = "DENY"
	DecisionRequireReview     Decision = "REQUIRE_REVIEW"
	DecisionRequireSignatures Decision = "REQUIRE_SIGNATURES"
)

// RiskLevel buckets the assessed risk of an action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
	RiskUnknown  RiskLevel = "unknown"
)

// GuardResult is created exactly once per evaluation and never mutated
// afterwards. The audit trail serializes it as-is; escalation outcomes are
// reported separately as Outcome values.
type GuardResult struct {
	GuardID   string    `json:"guard_id"`
	Timestamp time.Time `json:"timestamp"`

	Decision  Decision `json:"decision"`
	IsAllowed bool     `json:"is_allowed"`

	AgentID    string `json:"agent_id"`
	ActionType string `json:"action_type"`
	PolicyPath string `json:"policy_path"`

	PolicyResult *policy.DecisionResponse `json:"policy_result,omitempty"`

	ConstitutionalHash  string   `json:"constitutional_hash"`
	ConstitutionalValid bool     `json:"constitutional_valid"`
	ValidationErrors    []string `json:"validation_errors,omitempty"`
	ValidationWarnings  []string `json:"validation_warnings,omitempty"`

	RiskLevel   RiskLevel `json:"risk_level"`
	RiskScore   float64   `json:"risk_score"`
	RiskFactors []string  `json:"risk_factors,omitempty"`

	RequiresSignatures bool     `json:"requires_signatures"`
	RequiredSigners    []string `json:"required_signers,omitempty"`
	RequiresReview     bool     `json:"requires_review"`
	RequiredReviewers  []string `json:"required_reviewers,omitempty"`
}

func newGuardID() string { return uuid.New().String() }

// riskAssessment is what the orchestrator extracts from a policy decision.
type riskAssessment struct {
	level   RiskLevel
	score   float64
	factors []string
}

var riskScores = map[RiskLevel]float64{
	RiskLow:      0.1,
	RiskMedium:   0.4,
	RiskHigh:     0.7,
	RiskCritical: 0.95,
}

// destructiveActions require elevated risk even when the policy engine
// returns no risk metadata of its own.
var destructiveActions = map[string]RiskLevel{
	"delete":     RiskHigh,
	"destroy":    RiskCritical,
	"deploy":     RiskHigh,
	"rollback":   RiskMedium,
	"modify":     RiskMedium,
	"escalate":   RiskHigh,
	"spend":      RiskHigh,
	"transfer":   RiskCritical,
	"deactivate": RiskMedium,
}

// assessRisk derives a risk assessment from policy metadata, falling back
// to the action-type table when the engine supplied none.
func assessRisk(actionType string, metadata map[string]any) riskAssessment {
	assessment := riskAssessment{level: RiskUnknown}

	if metadata != nil {
		if lvl, ok := metadata["risk_level"].(string); ok {
			assessment.level = RiskLevel(lvl)
		}
		if score, ok := metadata["risk_score"].(float64); ok {
			assessment.score = score
		}
		if factors, ok := metadata["risk_factors"].([]any); ok {
			for _, f := range factors {
				if s, ok := f.(string); ok {
					assessment.factors = append(assessment.factors, s)
				}
			}
		}
	}

	if assessment.level == RiskUnknown {
		if lvl, ok := destructiveActions[actionType]; ok {
			assessment.level = lvl
			assessment.factors = append(assessment.factors, "destructive action type: "+actionType)
		} else {
			assessment.level = RiskLow
		}
	}
	if assessment.score == 0 {
		if s, ok := riskScores[assessment.level]; ok {
			assessment.score = s
		}
	}
	return assessment
}

// stringList extracts a list of strings from a metadata value that may be
// decoded as []any or already typed.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
