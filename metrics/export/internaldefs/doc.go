// Package internaldefs holds the exporter-facing metric names and bucket
// layout shared by the Prometheus and OpenTelemetry exporters.
package internaldefs
