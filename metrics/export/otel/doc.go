// Package otel publishes authcore metrics through an OpenTelemetry Meter.
//
// Counters become Int64ObservableCounter instruments and each latency bucket
// an Int64ObservableGauge. Callers own the MeterProvider.
package otel
