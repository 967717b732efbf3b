// Package telemetry hands out the OpenTelemetry meter and tracer used across
// the provisioner. Without a configured SDK the global providers are no-ops.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const InstrumentationName = "github.com/charity-dao/provisioner"

func Meter() metric.Meter {
	return otel.Meter(InstrumentationName)
}

func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
