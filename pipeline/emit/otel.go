package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording each event as a span.
//
// Span name is event.Msg (e.g. "node_start", "node_end", "route"). Attributes
// carry sessionID, step, nodeID, and the flattened event.Meta. A Meta entry
// keyed "error" marks the span as errored.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using tracer, typically obtained via
// otel.Tracer("agentpipeline").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("sessionID", event.SessionID),
		attribute.Int("step", event.Step),
		attribute.String("nodeID", event.NodeID),
	}
	for k, v := range event.Meta {
		attrs = append(attrs, attribute.String(k, toString(v)))
	}
	span.SetAttributes(attrs...)

	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, toString(errVal))
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", v)
}
