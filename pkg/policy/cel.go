package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Veridian-Labs/aegis/core/pkg/canonicalize"
)

// CELEngine is an embedded decision point evaluating compiled CEL rules.
// It serves deployments that run without an external engine. Every rule
// bound to the requested policy path must evaluate to true for an allow;
// a missing path, compile error, or evaluation error denies.
type CELEngine struct {
	env        *cel.Env
	mu         sync.RWMutex
	programs   map[string]cel.Program
	rules      map[string][]string // policy path -> CEL expressions
	policyHash string
}

// NewCELEngine creates an engine with rules keyed by policy path.
func NewCELEngine(rules map[string][]string) (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}

	hash, err := canonicalize.CanonicalHash(rules)
	if err != nil {
		return nil, fmt.Errorf("policy: rule set hash: %w", err)
	}

	return &CELEngine{
		env:        env,
		programs:   make(map[string]cel.Program),
		rules:      rules,
		policyHash: "sha256:" + hash,
	}, nil
}

// Evaluate implements DecisionPoint. Fail-closed: any compile or evaluation
// error denies.
func (e *CELEngine) Evaluate(ctx context.Context, input map[string]any, policyPath string) (*DecisionResponse, error) {
	if err := ctx.Err(); err != nil {
		return e.denyLocal("evaluation canceled", err.Error()), nil
	}

	exprs, ok := e.rules[policyPath]
	if !ok {
		return e.denyLocal(fmt.Sprintf("no policy defined for path %q", policyPath), ""), nil
	}

	activation := map[string]any{
		"input":    input,
		"agent_id": stringField(input, "agent_id"),
		"action":   stringField(input, "action"),
		"resource": stringField(input, "resource"),
	}

	for i, expr := range exprs {
		allowed, err := e.evaluateExpr(expr, activation)
		if err != nil {
			return e.denyLocal(fmt.Sprintf("policy rule %d evaluation error", i), err.Error()), nil
		}
		if !allowed {
			decision := &DecisionResponse{
				Allowed: false,
				Reason:  fmt.Sprintf("denied by policy rule %d at %s", i, policyPath),
				Metadata: map[string]any{
					"backend":     string(BackendCEL),
					"policy_path": policyPath,
				},
			}
			if hash, err := ComputeDecisionHash(decision); err == nil {
				decision.DecisionHash = hash
			}
			return decision, nil
		}
	}

	decision := &DecisionResponse{
		Allowed: true,
		Reason:  "allowed by policy",
		Metadata: map[string]any{
			"backend":     string(BackendCEL),
			"policy_path": policyPath,
		},
	}
	if hash, err := ComputeDecisionHash(decision); err == nil {
		decision.DecisionHash = hash
	}
	return decision, nil
}

// Backend implements DecisionPoint.
func (e *CELEngine) Backend() Backend { return BackendCEL }

// PolicyHash implements DecisionPoint.
func (e *CELEngine) PolicyHash() string { return e.policyHash }

func (e *CELEngine) evaluateExpr(expr string, activation map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.programs[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.programs[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return val, nil
}

func (e *CELEngine) denyLocal(reason, errDetail string) *DecisionResponse {
	metadata := map[string]any{
		"backend":  string(BackendCEL),
		"security": "fail-closed",
	}
	if errDetail != "" {
		metadata["error"] = errDetail
	}
	return deny(reason, metadata)
}

func stringField(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}
