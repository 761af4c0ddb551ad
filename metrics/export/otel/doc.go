// Package otel publishes goMFA engine metrics through an OpenTelemetry
// Meter. Counters become observable counters; the latency histogram is a
// cumulative bucket gauge keyed by an "le" attribute. The caller owns the
// MeterProvider.
package otel
