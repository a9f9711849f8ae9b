package tap

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-tap/pkg/telemetry"
)

var traceIDs atomic.Uint64

// NextTraceID returns a process-unique trace id. Ids start at 1.
func NextTraceID() uint64 {
	return traceIDs.Add(1)
}

// Session is the per-connection or per-request capture state. It owns one sink handle and
// the receive and transmit budgets, both cumulative for the session's lifetime. A session
// is driven by a single goroutine.
//
// A session is counted in metrics from its first submission, so traffic that is observed
// but never tapped does not show up as tap sessions.
type Session struct {
	config  *Config
	kind    TraceKind
	traceID uint64
	handle  SinkHandle
	rx      *Budget
	tx      *Budget
	started time.Time
	closed  bool
	tapped  bool

	submitted int
	failed    int
	captured  int
	truncated int
}

// NewSession starts a session producing traces of kind. The sink handle is created now;
// any file it writes is opened on first submission.
func (c *Config) NewSession(kind TraceKind, traceID uint64) *Session {
	s := &Session{
		config:  c,
		kind:    kind,
		traceID: traceID,
		handle:  c.sink.CreatePerTapSinkHandle(traceID, kind),
		rx:      NewBudget(c.maxRx),
		tx:      NewBudget(c.maxTx),
		started: time.Now(),
	}
	return s
}

// TraceID returns the id stamped on every trace of the session.
func (s *Session) TraceID() uint64 { return s.traceID }

// Kind returns the trace shape the session accepts.
func (s *Session) Kind() TraceKind { return s.kind }

// Config returns the config the session was started under.
func (s *Session) Config() *Config { return s.config }

// RxBudget returns the receive-direction budget.
func (s *Session) RxBudget() *Budget { return s.rx }

// TxBudget returns the transmit-direction budget.
func (s *Session) TxBudget() *Budget { return s.tx }

// Submit rewrites the trace's bodies for the configured format and hands it to the sink.
// Submission failures are logged and counted; they never reach the data path. Submitting
// a trace of a different shape than the session's, or after Close, panics.
func (s *Session) Submit(trace Trace) {
	if s.closed {
		panic("tap: submit on closed session")
	}
	if trace.Kind() != s.kind {
		panic(fmt.Sprintf("tap: session %d of kind %s given %s trace", s.traceID, s.kind, trace.Kind()))
	}

	if !s.tapped {
		s.tapped = true
		s.config.metrics.sessionStarted(s.kind)
	}

	ForEachBody(trace, func(b *Body) {
		s.captured += b.Len()
		if b.Truncated {
			s.truncated++
		}
	})

	format := s.config.format
	BodyBytesToString(trace, format)

	err := s.handle.SubmitTrace(trace, format)
	s.config.metrics.traceSubmitted(s.config.sink.Name(), format, err)
	switch {
	case err == nil:
		s.submitted++
	case errors.Is(err, ErrTraceDropped):
		s.failed++
		s.config.logger.Debug("Tap trace dropped", "trace_id", s.traceID, "sink", s.config.sink.Name())
	default:
		s.failed++
		s.config.logger.Warn("Tap trace submission failed",
			"trace_id", s.traceID,
			"sink", s.config.sink.Name(),
			"format", format.String(),
			"error", err,
		)
	}
}

// Tapped reports whether at least one trace has been submitted.
func (s *Session) Tapped() bool { return s.tapped }

// Close releases the sink handle. It is safe to call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.handle.Close(); err != nil {
		s.config.logger.Warn("Tap sink close failed", "trace_id", s.traceID, "error", err)
	}
	if !s.tapped {
		return
	}
	s.config.metrics.sessionClosed(s.kind)

	telemetry.RecordTapSession(context.Background(), telemetry.TapSessionMetrics{
		Kind:              s.kind.String(),
		Sink:              s.config.sink.Name(),
		Format:            s.config.format.String(),
		Duration:          time.Since(s.started),
		CapturedBytes:     s.captured,
		TruncatedBodies:   s.truncated,
		Submissions:       s.submitted,
		FailedSubmissions: s.failed,
	})
}
