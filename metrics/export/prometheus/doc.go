// Package prometheus exposes authcore engine metrics as a
// prometheus.Collector.
//
// Counter names are prefixed authcore_ and end in _total; the single
// histogram is authcore_validate_latency_seconds. The collector reads a
// snapshot on every scrape and never mutates engine state. Callers register
// it on their own registry or use Handler, which builds a private one.
package prometheus
