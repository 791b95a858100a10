package engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "hearth.engine"

const (
	spanStore  = "engine.store"
	spanSearch = "engine.search"
)

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
