// Guard-specific trace attributes and span helpers.

package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Guard semantic convention attributes.
var (
	AttrAgentID    = attribute.Key("aegis.agent.id")
	AttrActionType = attribute.Key("aegis.action.type")
	AttrPolicyPath = attribute.Key("aegis.policy.path")

	AttrDecision      = attribute.Key("aegis.guard.decision")
	AttrRiskLevel     = attribute.Key("aegis.guard.risk_level")
	AttrPolicyBackend = attribute.Key("aegis.policy.backend")
	AttrLatencyMs     = attribute.Key("aegis.policy.latency_ms")

	AttrGuardID       = attribute.Key("aegis.guard.id")
	AttrConsensusKind = attribute.Key("aegis.consensus.kind")
	AttrVerdict       = attribute.Key("aegis.consensus.verdict")
)

// PolicyEvaluation creates attributes for one policy engine call.
func PolicyEvaluation(policyPath, backend, decision string, latencyMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicyPath.String(policyPath),
		AttrPolicyBackend.String(backend),
		AttrDecision.String(decision),
		AttrLatencyMs.Float64(latencyMs),
	}
}

// GuardDecision creates attributes for a guard outcome.
func GuardDecision(guardID, agentID, action, decision, riskLevel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrGuardID.String(guardID),
		AttrAgentID.String(agentID),
		AttrActionType.String(action),
		AttrDecision.String(decision),
		AttrRiskLevel.String(riskLevel),
	}
}

// ConsensusOutcome creates attributes for a resolved consensus round.
func ConsensusOutcome(guardID, kind, verdict string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrGuardID.String(guardID),
		AttrConsensusKind.String(kind),
		AttrVerdict.String(verdict),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
