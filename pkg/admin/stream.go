package admin

import (
	"sync/atomic"

	"github.com/polisai/polis-tap/pkg/tap"
)

const defaultStreamBuffer = 256

// stream is the publisher behind one admin tap request. Publish never blocks the data
// path: when the client falls behind the buffer fills and new traces are dropped.
type stream struct {
	configID string
	traces   chan []byte
	dropped  atomic.Uint64
	metrics  *tap.Metrics
}

func newStream(configID string, capacity int, metrics *tap.Metrics) *stream {
	if capacity <= 0 {
		capacity = defaultStreamBuffer
	}
	return &stream{
		configID: configID,
		traces:   make(chan []byte, capacity),
		metrics:  metrics,
	}
}

// Publish queues payload for the client. It reports false when the trace was dropped.
func (s *stream) Publish(payload []byte) bool {
	select {
	case s.traces <- payload:
		return true
	default:
		s.dropped.Add(1)
		s.metrics.RecordAdminDrop(s.configID)
		return false
	}
}

// Dropped returns how many traces were dropped so far.
func (s *stream) Dropped() uint64 {
	return s.dropped.Load()
}
