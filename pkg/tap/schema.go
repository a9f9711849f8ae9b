package tap

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	_ "google.golang.org/protobuf/types/known/timestamppb" // registers google/protobuf/timestamp.proto
)

// SchemaPackage is the protobuf package of the trace wire messages.
const SchemaPackage = "polis.tap.v1"

// traceSchema holds the resolved descriptors of the trace wire messages.
type traceSchema struct {
	file protoreflect.FileDescriptor

	body         protoreflect.MessageDescriptor
	header       protoreflect.MessageDescriptor
	headerMap    protoreflect.MessageDescriptor
	httpMessage  protoreflect.MessageDescriptor
	httpBuffered protoreflect.MessageDescriptor
	httpSegment  protoreflect.MessageDescriptor
	connection   protoreflect.MessageDescriptor
	socketEvent  protoreflect.MessageDescriptor
	eventRead    protoreflect.MessageDescriptor
	eventWrite   protoreflect.MessageDescriptor
	sockBuffered protoreflect.MessageDescriptor
	sockSegment  protoreflect.MessageDescriptor
	wrapper      protoreflect.MessageDescriptor
}

var schema = mustBuildSchema()

// SchemaFile returns the file descriptor of the trace wire messages so external tools
// can decode PROTO_BINARY output.
func SchemaFile() protoreflect.FileDescriptor {
	return schema.file
}

func mustBuildSchema() *traceSchema {
	fd, err := protodesc.NewFile(traceFileDescriptorProto(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("tap: build trace schema: %v", err))
	}
	msgs := fd.Messages()
	event := msgs.ByName("SocketEvent")
	return &traceSchema{
		file:         fd,
		body:         msgs.ByName("Body"),
		header:       msgs.ByName("Header"),
		headerMap:    msgs.ByName("HeaderMap"),
		httpMessage:  msgs.ByName("HttpMessage"),
		httpBuffered: msgs.ByName("HttpBufferedTrace"),
		httpSegment:  msgs.ByName("HttpStreamedTraceSegment"),
		connection:   msgs.ByName("Connection"),
		socketEvent:  event,
		eventRead:    event.Messages().ByName("Read"),
		eventWrite:   event.Messages().ByName("Write"),
		sockBuffered: msgs.ByName("SocketBufferedTrace"),
		sockSegment:  msgs.ByName("SocketStreamedTraceSegment"),
		wrapper:      msgs.ByName("TraceWrapper"),
	}
}

func scalarField(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func messageField(name string, number int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := scalarField(name, number, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	f.TypeName = proto.String(typeName)
	return f
}

func repeated(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func inOneof(index int32, f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.OneofIndex = proto.Int32(index)
	return f
}

func oneof(name string) []*descriptorpb.OneofDescriptorProto {
	return []*descriptorpb.OneofDescriptorProto{{Name: proto.String(name)}}
}

func localType(name string) string {
	return "." + SchemaPackage + "." + name
}

// traceFileDescriptorProto declares the wire schema. Field names and numbers are part of
// the output contract of every format and must not be renumbered.
func traceFileDescriptorProto() *descriptorpb.FileDescriptorProto {
	const (
		tBytes  = descriptorpb.FieldDescriptorProto_TYPE_BYTES
		tString = descriptorpb.FieldDescriptorProto_TYPE_STRING
		tBool   = descriptorpb.FieldDescriptorProto_TYPE_BOOL
		tUint64 = descriptorpb.FieldDescriptorProto_TYPE_UINT64
	)

	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String("polis/tap/v1/trace.proto"),
		Package:    proto.String(SchemaPackage),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"google/protobuf/timestamp.proto"},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("Body"),
				Field: []*descriptorpb.FieldDescriptorProto{
					inOneof(0, scalarField("as_bytes", 1, tBytes)),
					inOneof(0, scalarField("as_string", 2, tString)),
					scalarField("truncated", 3, tBool),
				},
				OneofDecl: oneof("body_type"),
			},
			{
				Name: proto.String("Header"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("key", 1, tString),
					inOneof(0, scalarField("value", 2, tString)),
					inOneof(0, scalarField("raw_value", 3, tBytes)),
				},
				OneofDecl: oneof("value_type"),
			},
			{
				Name: proto.String("HeaderMap"),
				Field: []*descriptorpb.FieldDescriptorProto{
					repeated(messageField("headers", 1, localType("Header"))),
				},
			},
			{
				Name: proto.String("HttpMessage"),
				Field: []*descriptorpb.FieldDescriptorProto{
					repeated(messageField("headers", 1, localType("Header"))),
					messageField("body", 2, localType("Body")),
					repeated(messageField("trailers", 3, localType("Header"))),
				},
			},
			{
				Name: proto.String("HttpBufferedTrace"),
				Field: []*descriptorpb.FieldDescriptorProto{
					messageField("request", 1, localType("HttpMessage")),
					messageField("response", 2, localType("HttpMessage")),
				},
			},
			{
				Name: proto.String("HttpStreamedTraceSegment"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("trace_id", 1, tUint64),
					inOneof(0, messageField("request_headers", 2, localType("HeaderMap"))),
					inOneof(0, messageField("request_body_chunk", 3, localType("Body"))),
					inOneof(0, messageField("request_trailers", 4, localType("HeaderMap"))),
					inOneof(0, messageField("response_headers", 5, localType("HeaderMap"))),
					inOneof(0, messageField("response_body_chunk", 6, localType("Body"))),
					inOneof(0, messageField("response_trailers", 7, localType("HeaderMap"))),
				},
				OneofDecl: oneof("message_piece"),
			},
			{
				Name: proto.String("Connection"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("local_address", 1, tString),
					scalarField("remote_address", 2, tString),
				},
			},
			{
				Name: proto.String("SocketEvent"),
				Field: []*descriptorpb.FieldDescriptorProto{
					messageField("timestamp", 1, ".google.protobuf.Timestamp"),
					inOneof(0, messageField("read", 2, localType("SocketEvent.Read"))),
					inOneof(0, messageField("write", 3, localType("SocketEvent.Write"))),
					inOneof(0, messageField("closed", 4, localType("SocketEvent.Closed"))),
				},
				OneofDecl: oneof("event_selector"),
				NestedType: []*descriptorpb.DescriptorProto{
					{
						Name: proto.String("Read"),
						Field: []*descriptorpb.FieldDescriptorProto{
							messageField("data", 1, localType("Body")),
						},
					},
					{
						Name: proto.String("Write"),
						Field: []*descriptorpb.FieldDescriptorProto{
							messageField("data", 1, localType("Body")),
							scalarField("end_stream", 2, tBool),
						},
					},
					{Name: proto.String("Closed")},
				},
			},
			{
				Name: proto.String("SocketBufferedTrace"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("trace_id", 1, tUint64),
					messageField("connection", 2, localType("Connection")),
					repeated(messageField("events", 3, localType("SocketEvent"))),
					scalarField("read_truncated", 4, tBool),
					scalarField("write_truncated", 5, tBool),
				},
			},
			{
				Name: proto.String("SocketStreamedTraceSegment"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("trace_id", 1, tUint64),
					inOneof(0, messageField("connection", 2, localType("Connection"))),
					inOneof(0, messageField("event", 3, localType("SocketEvent"))),
				},
				OneofDecl: oneof("message_piece"),
			},
			{
				Name: proto.String("TraceWrapper"),
				Field: []*descriptorpb.FieldDescriptorProto{
					inOneof(0, messageField("http_buffered_trace", 1, localType("HttpBufferedTrace"))),
					inOneof(0, messageField("http_streamed_trace_segment", 2, localType("HttpStreamedTraceSegment"))),
					inOneof(0, messageField("socket_buffered_trace", 3, localType("SocketBufferedTrace"))),
					inOneof(0, messageField("socket_streamed_trace_segment", 4, localType("SocketStreamedTraceSegment"))),
				},
				OneofDecl: oneof("trace"),
			},
		},
	}
}
