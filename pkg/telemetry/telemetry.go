package telemetry

import (
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/metric"
)

// InitTelemetry starts Go runtime metrics collection on provider.
func InitTelemetry(provider metric.MeterProvider) error {
	err := runtime.Start(runtime.WithMeterProvider(provider))
	if err != nil {
		return fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}
	return nil
}
