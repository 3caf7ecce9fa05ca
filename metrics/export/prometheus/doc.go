// Package prometheus renders authcore counters and the Authorize latency
// histogram in the Prometheus text exposition format.
//
// The exporter does not touch a global registry; callers mount
// [Exporter.Handler] wherever they serve scrapes.
package prometheus
