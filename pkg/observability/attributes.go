package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
var (
	AttrProposalID = attribute.Key("governor.proposal.id")
	AttrUnitID     = attribute.Key("governor.unit.id")
	AttrRisk       = attribute.Key("governor.proposal.risk")
	AttrDecision   = attribute.Key("governor.decision")
	AttrTimerKind  = attribute.Key("governor.timer.kind")
	AttrFromState  = attribute.Key("governor.state.from")
	AttrToState    = attribute.Key("governor.state.to")
	AttrGuardCode  = attribute.Key("governor.guard.code")
	AttrReaped     = attribute.Key("governor.reaper.reaped")
)

// ProposalOperation creates attributes for an operation on one proposal.
func ProposalOperation(proposalID, unitID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if proposalID != "" {
		attrs = append(attrs, AttrProposalID.String(proposalID))
	}
	if unitID != "" {
		attrs = append(attrs, AttrUnitID.String(unitID))
	}
	return attrs
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
