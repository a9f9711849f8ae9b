package domain

import (
	"fmt"
	"strings"
)

// OutputFormat selects how traces are serialized by a sink.
type OutputFormat int

const (
	// FormatJSONBodyAsBytes is JSON with bodies encoded as base64 bytes. It is the default.
	FormatJSONBodyAsBytes OutputFormat = iota
	// FormatJSONBodyAsString is JSON with bodies rewritten to text before encoding.
	FormatJSONBodyAsString
	// FormatProtoBinary is a single binary protobuf message per submission.
	FormatProtoBinary
	// FormatProtoBinaryLengthDelimited prefixes each binary message with its varint length.
	FormatProtoBinaryLengthDelimited
	// FormatProtoText is the human readable protobuf text dump.
	FormatProtoText
)

var formatNames = map[OutputFormat]string{
	FormatJSONBodyAsBytes:            "JSON_BODY_AS_BYTES",
	FormatJSONBodyAsString:           "JSON_BODY_AS_STRING",
	FormatProtoBinary:                "PROTO_BINARY",
	FormatProtoBinaryLengthDelimited: "PROTO_BINARY_LENGTH_DELIMITED",
	FormatProtoText:                  "PROTO_TEXT",
}

// String returns the configuration name of the format.
func (f OutputFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("OutputFormat(%d)", int(f))
}

// Valid reports whether f is one of the known formats.
func (f OutputFormat) Valid() bool {
	_, ok := formatNames[f]
	return ok
}

// IsJSON reports whether the format produces JSON documents.
func (f OutputFormat) IsJSON() bool {
	return f == FormatJSONBodyAsBytes || f == FormatJSONBodyAsString
}

// FileExtension returns the suffix used by per-tap files written in this format.
func (f OutputFormat) FileExtension() string {
	switch f {
	case FormatProtoBinary:
		return ".pb"
	case FormatProtoBinaryLengthDelimited:
		return ".pb_length_delimited"
	case FormatProtoText:
		return ".pb_text"
	case FormatJSONBodyAsBytes, FormatJSONBodyAsString:
		return ".json"
	}
	panic(fmt.Sprintf("domain: no file extension for %s", f))
}

// ParseOutputFormat maps a configuration name to a format. The empty string selects
// the default format.
func ParseOutputFormat(name string) (OutputFormat, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(name))
	if trimmed == "" {
		return FormatJSONBodyAsBytes, nil
	}
	for format, n := range formatNames {
		if n == trimmed {
			return format, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// MarshalText implements encoding.TextMarshaler.
func (f OutputFormat) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, int(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *OutputFormat) UnmarshalText(text []byte) error {
	parsed, err := ParseOutputFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
