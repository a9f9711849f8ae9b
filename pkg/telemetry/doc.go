// Package telemetry wires OpenTelemetry exporters and meters for the tap proxy.
//
// It centralises trace provider setup and records per-session tap summaries so
// operators can correlate captured traffic with request spans.
package telemetry
