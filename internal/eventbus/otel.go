package eventbus

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

// NewOTelHandler returns a Handler that turns every orchestrator.Event into
// an immediately-ended OpenTelemetry span, so a workflow's node/step
// timeline shows up in whatever tracing backend tracer is configured
// against (Jaeger, Tempo, etc.) alongside the SSE stream the same events
// feed.
//
// Each event is a point in time, not a duration, so the span is started
// and ended in the same call rather than kept open across a node's
// execution.
func NewOTelHandler(tracer trace.Tracer) Handler {
	return func(event orchestrator.Event) {
		_, span := tracer.Start(context.Background(), string(event.Kind))
		defer span.End()

		span.SetAttributes(
			attribute.String("orchestrator.workflow_id", event.WorkflowID),
			attribute.String("orchestrator.event_id", event.EventID),
		)
		addPayloadAttributes(span, event.Payload)

		if errMsg, ok := event.Payload["error"].(string); ok {
			span.SetStatus(codes.Error, errMsg)
			span.RecordError(fmt.Errorf("%s", errMsg))
		}
	}
}

func addPayloadAttributes(span trace.Span, payload map[string]interface{}) {
	for key, value := range payload {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(key, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
}
