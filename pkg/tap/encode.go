package tap

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/polisai/polis-tap/pkg/domain"
)

var (
	jsonOptions = protojson.MarshalOptions{
		Multiline:       true,
		Indent:          "  ",
		UseProtoNames:   true,
		EmitUnpopulated: true,
	}
	textOptions = prototext.MarshalOptions{
		Multiline: true,
		Indent:    "  ",
	}
)

// ToProto converts trace into its wire wrapper message.
func ToProto(trace Trace) proto.Message {
	b := &protoBuilder{wrapper: dynamicpb.NewMessage(schema.wrapper)}
	trace.Accept(b)
	return b.wrapper
}

// Marshal serializes trace in format. JSON and text documents end with a newline so
// consecutive submissions to one file stay line separated.
func Marshal(trace Trace, format domain.OutputFormat) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, trace, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes trace to w in format. Bodies are encoded in whatever representation they
// currently hold; callers run BodyBytesToString first for JSON_BODY_AS_STRING.
func Encode(w io.Writer, trace Trace, format domain.OutputFormat) error {
	msg := ToProto(trace)

	var (
		out []byte
		err error
	)
	switch format {
	case domain.FormatProtoBinary:
		out, err = proto.Marshal(msg)
	case domain.FormatProtoBinaryLengthDelimited:
		_, err = protodelim.MarshalTo(w, msg)
		if err != nil {
			return fmt.Errorf("encode %s: %w", format, err)
		}
		return nil
	case domain.FormatProtoText:
		out, err = textOptions.Marshal(msg)
		out = terminateLine(out)
	case domain.FormatJSONBodyAsBytes, domain.FormatJSONBodyAsString:
		out, err = jsonOptions.Marshal(msg)
		out = terminateLine(out)
	default:
		panic(fmt.Sprintf("tap: unhandled output format %s", format))
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("write %s: %w", format, err)
	}
	return nil
}

func terminateLine(b []byte) []byte {
	if len(b) == 0 || b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	return b
}

// protoBuilder fills the wrapper message for whichever trace shape it visits.
type protoBuilder struct {
	wrapper *dynamicpb.Message
}

func (b *protoBuilder) mutable(field protoreflect.Name) protoreflect.Message {
	return b.wrapper.Mutable(schema.wrapper.Fields().ByName(field)).Message()
}

func (b *protoBuilder) VisitHTTPBuffered(t *HTTPBufferedTrace) {
	m := b.mutable("http_buffered_trace")
	if t.Request != nil {
		fillHTTPMessage(mutableField(m, "request"), t.Request)
	}
	if t.Response != nil {
		fillHTTPMessage(mutableField(m, "response"), t.Response)
	}
}

func (b *protoBuilder) VisitHTTPStreamed(t *HTTPStreamedSegment) {
	m := b.mutable("http_streamed_trace_segment")
	setUint64(m, "trace_id", t.TraceID)
	piece := mutableField(m, protoreflect.Name(t.Part.String()))
	if t.Part.IsBody() {
		fillBody(piece, t.Body)
		return
	}
	appendHeaders(piece, "headers", t.Headers)
}

func (b *protoBuilder) VisitSocketBuffered(t *SocketBufferedTrace) {
	m := b.mutable("socket_buffered_trace")
	setUint64(m, "trace_id", t.TraceID)
	if t.Connection != nil {
		fillConnection(mutableField(m, "connection"), t.Connection)
	}
	events := m.Mutable(m.Descriptor().Fields().ByName("events")).List()
	for _, event := range t.Events {
		em := events.NewElement()
		fillSocketEvent(em.Message(), event)
		events.Append(em)
	}
	setBool(m, "read_truncated", t.ReadTruncated)
	setBool(m, "write_truncated", t.WriteTruncated)
}

func (b *protoBuilder) VisitSocketStreamed(t *SocketStreamedSegment) {
	m := b.mutable("socket_streamed_trace_segment")
	setUint64(m, "trace_id", t.TraceID)
	switch {
	case t.Connection != nil:
		fillConnection(mutableField(m, "connection"), t.Connection)
	case t.Event != nil:
		fillSocketEvent(mutableField(m, "event"), t.Event)
	}
}

func field(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	fd := m.Descriptor().Fields().ByName(name)
	if fd == nil {
		panic(fmt.Sprintf("tap: %s has no field %s", m.Descriptor().FullName(), name))
	}
	return fd
}

func mutableField(m protoreflect.Message, name protoreflect.Name) protoreflect.Message {
	return m.Mutable(field(m, name)).Message()
}

func setUint64(m protoreflect.Message, name protoreflect.Name, v uint64) {
	m.Set(field(m, name), protoreflect.ValueOfUint64(v))
}

func setBool(m protoreflect.Message, name protoreflect.Name, v bool) {
	m.Set(field(m, name), protoreflect.ValueOfBool(v))
}

func setString(m protoreflect.Message, name protoreflect.Name, v string) {
	m.Set(field(m, name), protoreflect.ValueOfString(v))
}

// fillBody writes body as as_string when it holds valid UTF-8 text and as as_bytes
// otherwise, so binary payloads and bodies cut inside a multi-byte character keep their
// exact bytes.
func fillBody(m protoreflect.Message, body *Body) {
	if body == nil {
		return
	}
	text, isText := body.Text()
	switch {
	case isText && utf8.ValidString(text):
		setString(m, "as_string", text)
	case isText:
		m.Set(field(m, "as_bytes"), protoreflect.ValueOfBytes([]byte(text)))
	default:
		m.Set(field(m, "as_bytes"), protoreflect.ValueOfBytes(body.Bytes()))
	}
	setBool(m, "truncated", body.Truncated)
}

// appendHeaders lists headers. A value that is not valid UTF-8 goes to raw_value.
func appendHeaders(m protoreflect.Message, name protoreflect.Name, headers []Header) {
	list := m.Mutable(field(m, name)).List()
	for _, h := range headers {
		elem := list.NewElement()
		setString(elem.Message(), "key", strings.ToValidUTF8(h.Key, string(utf8.RuneError)))
		if utf8.ValidString(h.Value) {
			setString(elem.Message(), "value", h.Value)
		} else {
			elem.Message().Set(field(elem.Message(), "raw_value"), protoreflect.ValueOfBytes([]byte(h.Value)))
		}
		list.Append(elem)
	}
}

func fillHTTPMessage(m protoreflect.Message, msg *HTTPMessage) {
	appendHeaders(m, "headers", msg.Headers)
	if msg.Body != nil {
		fillBody(mutableField(m, "body"), msg.Body)
	}
	appendHeaders(m, "trailers", msg.Trailers)
}

func fillConnection(m protoreflect.Message, conn *Connection) {
	setString(m, "local_address", strings.ToValidUTF8(conn.LocalAddress, string(utf8.RuneError)))
	setString(m, "remote_address", strings.ToValidUTF8(conn.RemoteAddress, string(utf8.RuneError)))
}

func fillSocketEvent(m protoreflect.Message, event *SocketEvent) {
	if !event.Timestamp.IsZero() {
		ts := mutableField(m, "timestamp")
		ts.Set(field(ts, "seconds"), protoreflect.ValueOfInt64(event.Timestamp.Unix()))
		ts.Set(field(ts, "nanos"), protoreflect.ValueOfInt32(int32(event.Timestamp.Nanosecond())))
	}
	switch event.Kind {
	case EventRead:
		fillBody(mutableField(mutableField(m, "read"), "data"), event.Data)
	case EventWrite:
		w := mutableField(m, "write")
		fillBody(mutableField(w, "data"), event.Data)
		setBool(w, "end_stream", event.EndStream)
	case EventClosed:
		mutableField(m, "closed")
	default:
		panic(fmt.Sprintf("tap: unhandled socket event %s", event.Kind))
	}
}
