package instrumentation

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestSpanHelpersAreNilSafe(t *testing.T) {
	var span trace.Span

	RecordError(span, errors.New("boom"))
	SetSpanSuccess(span)
	SetSpanError(span, "failed")
	SetSpanAttributes(span, attribute.String(AttrClientID, "client"))
	AddOAuthFlowAttributes(span, "client", "user", "read")
	AddTokenFamilyAttributes(span, "family", 2)
	AddHTTPAttributes(span, "GET", "authorize", 302)
}

func TestSpanHelpersWithNoopSpan(t *testing.T) {
	span := trace.SpanFromContext(t.Context())

	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	SetSpanSuccess(span)
	AddOAuthFlowAttributes(span, "", "", "")
	AddTokenFamilyAttributes(span, "", 0)
}
