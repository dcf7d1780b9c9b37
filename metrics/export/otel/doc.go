// Package otel registers authcore engine metrics as OpenTelemetry
// observable instruments.
//
// Each counter becomes an Int64ObservableCounter and each latency bucket an
// Int64ObservableGauge; one callback reads the engine snapshot per
// collection. Callers own the MeterProvider.
package otel
