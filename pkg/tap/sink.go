package tap

import "github.com/polisai/polis-tap/pkg/domain"

// Sink is the output destination selected by a tap config. The variants are
// AdminStreamingSink and FilePerTapSink.
type Sink interface {
	// CreatePerTapSinkHandle returns the handle a single session submits through.
	CreatePerTapSinkHandle(traceID uint64, kind TraceKind) SinkHandle
	// Name identifies the sink variant in logs and metrics.
	Name() string
	sink()
}

// SinkHandle is owned by exactly one session and is not safe for concurrent use.
type SinkHandle interface {
	// SubmitTrace serializes trace in format and emits it.
	SubmitTrace(trace Trace, format domain.OutputFormat) error
	// Close releases any resource held by the handle. It is safe to call more than once.
	Close() error
}
