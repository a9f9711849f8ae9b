// Package sockettap records raw connection bytes into tap traces.
package sockettap

import (
	"time"

	"github.com/polisai/polis-tap/pkg/buffer"
	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/tap"
)

// Tapper follows one connection. Reads are bytes received from the downstream peer and
// are charged to the receive budget; writes are bytes sent to it and are charged to the
// transmit budget.
//
// In buffered mode events accumulate in one trace submitted at close. Once a direction's
// budget truncates an event, later events of that direction are not recorded. In
// streaming mode the connection is described first and every event follows as its own
// segment.
//
// A nil *Tapper ignores every call.
type Tapper struct {
	session *tap.Session
	conn    *tap.Connection
	now     func() time.Time
	closed  bool

	trace *tap.SocketBufferedTrace
}

// Option customizes a Tapper.
type Option func(*Tapper)

// WithClock sets the clock used to timestamp events.
func WithClock(now func() time.Time) Option {
	return func(t *Tapper) {
		if now != nil {
			t.now = now
		}
	}
}

// New evaluates ext's matcher against the connection endpoints and returns a tapper when
// it matches, or nil otherwise.
func New(ext *tap.Extension, localAddr, remoteAddr string, opts ...Option) *Tapper {
	session := ext.Start(domain.Attributes{
		Protocol:      domain.ProtocolSocket,
		LocalAddress:  localAddr,
		RemoteAddress: remoteAddr,
	})
	if session == nil {
		return nil
	}

	t := &Tapper{
		session: session,
		conn:    &tap.Connection{LocalAddress: localAddr, RemoteAddress: remoteAddr},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if session.Kind() == tap.KindSocketBuffered {
		t.trace = &tap.SocketBufferedTrace{TraceID: session.TraceID(), Connection: t.conn}
		return t
	}
	session.Submit(&tap.SocketStreamedSegment{TraceID: session.TraceID(), Connection: t.conn})
	return t
}

// TraceID returns the id of the underlying session.
func (t *Tapper) TraceID() uint64 {
	if t == nil {
		return 0
	}
	return t.session.TraceID()
}

// OnRead records bytes received from the downstream peer.
func (t *Tapper) OnRead(data buffer.Instance) {
	if t == nil || t.closed || data.Len() == 0 {
		return
	}
	if t.trace != nil && t.trace.ReadTruncated {
		return
	}
	event := &tap.SocketEvent{Timestamp: t.now(), Kind: tap.EventRead, Data: tap.NewBody()}
	truncated := t.session.RxBudget().CopyAll(event.Data, data)
	if t.trace != nil {
		t.trace.ReadTruncated = truncated
	}
	t.record(event)
}

// OnWrite records bytes sent to the downstream peer. endStream marks the final write.
func (t *Tapper) OnWrite(data buffer.Instance, endStream bool) {
	if t == nil || t.closed || (data.Len() == 0 && !endStream) {
		return
	}
	if t.trace != nil && t.trace.WriteTruncated {
		return
	}
	event := &tap.SocketEvent{Timestamp: t.now(), Kind: tap.EventWrite, Data: tap.NewBody(), EndStream: endStream}
	truncated := t.session.TxBudget().CopyAll(event.Data, data)
	if t.trace != nil {
		t.trace.WriteTruncated = truncated
	}
	t.record(event)
}

// OnClose records the close event, submits a buffered trace and closes the session.
// Later calls do nothing.
func (t *Tapper) OnClose() {
	if t == nil || t.closed {
		return
	}
	defer t.session.Close()

	t.record(&tap.SocketEvent{Timestamp: t.now(), Kind: tap.EventClosed})
	t.closed = true
	if t.trace != nil {
		t.session.Submit(t.trace)
	}
}

func (t *Tapper) record(event *tap.SocketEvent) {
	if t.trace != nil {
		t.trace.Events = append(t.trace.Events, event)
		return
	}
	t.session.Submit(&tap.SocketStreamedSegment{TraceID: t.session.TraceID(), Event: event})
}
