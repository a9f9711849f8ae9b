package tap

import (
	"fmt"
	"time"
)

// TraceKind identifies which of the four trace shapes a session produces.
type TraceKind int

const (
	KindHTTPBuffered TraceKind = iota
	KindHTTPStreamed
	KindSocketBuffered
	KindSocketStreamed
)

func (k TraceKind) String() string {
	switch k {
	case KindHTTPBuffered:
		return "http_buffered"
	case KindHTTPStreamed:
		return "http_streamed"
	case KindSocketBuffered:
		return "socket_buffered"
	case KindSocketStreamed:
		return "socket_streamed"
	}
	return fmt.Sprintf("TraceKind(%d)", int(k))
}

// Trace is one captured unit handed to a sink. The set of implementations is closed;
// code that must handle every shape implements TraceVisitor.
type Trace interface {
	Kind() TraceKind
	Accept(v TraceVisitor)
	isTrace()
}

// TraceVisitor has one method per trace shape. Adding a shape adds a method here, which
// fails compilation of every visitor until it handles the new shape.
type TraceVisitor interface {
	VisitHTTPBuffered(t *HTTPBufferedTrace)
	VisitHTTPStreamed(t *HTTPStreamedSegment)
	VisitSocketBuffered(t *SocketBufferedTrace)
	VisitSocketStreamed(t *SocketStreamedSegment)
}

// Header is a single header or trailer entry in wire order.
type Header struct {
	Key   string
	Value string
}

// HTTPMessage is one side of a buffered HTTP exchange.
type HTTPMessage struct {
	Headers  []Header
	Body     *Body
	Trailers []Header
}

// HTTPBufferedTrace holds a whole request/response pair.
type HTTPBufferedTrace struct {
	Request  *HTTPMessage
	Response *HTTPMessage
}

func (*HTTPBufferedTrace) Kind() TraceKind { return KindHTTPBuffered }
func (t *HTTPBufferedTrace) Accept(v TraceVisitor) { v.VisitHTTPBuffered(t) }
func (*HTTPBufferedTrace) isTrace() {}

// HTTPSegmentPart selects which piece of an HTTP stream a segment carries.
type HTTPSegmentPart int

const (
	PartRequestHeaders HTTPSegmentPart = iota
	PartRequestBodyChunk
	PartRequestTrailers
	PartResponseHeaders
	PartResponseBodyChunk
	PartResponseTrailers
)

func (p HTTPSegmentPart) String() string {
	switch p {
	case PartRequestHeaders:
		return "request_headers"
	case PartRequestBodyChunk:
		return "request_body_chunk"
	case PartRequestTrailers:
		return "request_trailers"
	case PartResponseHeaders:
		return "response_headers"
	case PartResponseBodyChunk:
		return "response_body_chunk"
	case PartResponseTrailers:
		return "response_trailers"
	}
	return fmt.Sprintf("HTTPSegmentPart(%d)", int(p))
}

// IsBody reports whether the part carries a body chunk rather than headers.
func (p HTTPSegmentPart) IsBody() bool {
	return p == PartRequestBodyChunk || p == PartResponseBodyChunk
}

// HTTPStreamedSegment is one incremental piece of a streamed HTTP exchange. Headers is
// used by header and trailer parts; Body by body chunk parts.
type HTTPStreamedSegment struct {
	TraceID uint64
	Part    HTTPSegmentPart
	Headers []Header
	Body    *Body
}

func (*HTTPStreamedSegment) Kind() TraceKind { return KindHTTPStreamed }
func (t *HTTPStreamedSegment) Accept(v TraceVisitor) { v.VisitHTTPStreamed(t) }
func (*HTTPStreamedSegment) isTrace() {}

// Connection describes the endpoints of a tapped socket.
type Connection struct {
	LocalAddress  string
	RemoteAddress string
}

// SocketEventKind selects the payload of a socket event.
type SocketEventKind int

const (
	EventRead SocketEventKind = iota
	EventWrite
	EventClosed
)

func (k SocketEventKind) String() string {
	switch k {
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventClosed:
		return "closed"
	}
	return fmt.Sprintf("SocketEventKind(%d)", int(k))
}

// SocketEvent is one observed read, write or close. Data is set for reads and writes.
type SocketEvent struct {
	Timestamp time.Time
	Kind      SocketEventKind
	Data      *Body
	EndStream bool
}

// SocketBufferedTrace holds every event of a connection, submitted once at close.
type SocketBufferedTrace struct {
	TraceID        uint64
	Connection     *Connection
	Events         []*SocketEvent
	ReadTruncated  bool
	WriteTruncated bool
}

func (*SocketBufferedTrace) Kind() TraceKind { return KindSocketBuffered }
func (t *SocketBufferedTrace) Accept(v TraceVisitor) { v.VisitSocketBuffered(t) }
func (*SocketBufferedTrace) isTrace() {}

// SocketStreamedSegment carries either the connection description or a single event.
type SocketStreamedSegment struct {
	TraceID    uint64
	Connection *Connection
	Event      *SocketEvent
}

func (*SocketStreamedSegment) Kind() TraceKind { return KindSocketStreamed }
func (t *SocketStreamedSegment) Accept(v TraceVisitor) { v.VisitSocketStreamed(t) }
func (*SocketStreamedSegment) isTrace() {}

// bodyVisitor calls fn for every populated body of a trace.
type bodyVisitor struct {
	fn func(*Body)
}

func (v bodyVisitor) visit(b *Body) {
	if b != nil {
		v.fn(b)
	}
}

func (v bodyVisitor) VisitHTTPBuffered(t *HTTPBufferedTrace) {
	if t.Request != nil {
		v.visit(t.Request.Body)
	}
	if t.Response != nil {
		v.visit(t.Response.Body)
	}
}

func (v bodyVisitor) VisitHTTPStreamed(t *HTTPStreamedSegment) {
	v.visit(t.Body)
}

func (v bodyVisitor) VisitSocketBuffered(t *SocketBufferedTrace) {
	for _, event := range t.Events {
		if event != nil {
			v.visit(event.Data)
		}
	}
}

func (v bodyVisitor) VisitSocketStreamed(t *SocketStreamedSegment) {
	if t.Event != nil {
		v.visit(t.Event.Data)
	}
}

// ForEachBody calls fn for every populated body in trace.
func ForEachBody(trace Trace, fn func(*Body)) {
	trace.Accept(bodyVisitor{fn: fn})
}
