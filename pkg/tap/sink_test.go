package tap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-tap/pkg/domain"
)

func sampleHTTPTrace() *HTTPBufferedTrace {
	return &HTTPBufferedTrace{
		Request: &HTTPMessage{
			Headers: []Header{{Key: ":method", Value: "POST"}, {Key: ":path", Value: "/upload"}},
			Body:    BytesBody([]byte("hello"), false),
		},
		Response: &HTTPMessage{
			Headers: []Header{{Key: ":status", Value: "200"}},
		},
	}
}

func TestFilePerTapSinkPath(t *testing.T) {
	sink := NewFilePerTapSink("/var/tap/trace")

	tests := []struct {
		format domain.OutputFormat
		want   string
	}{
		{domain.FormatJSONBodyAsBytes, "/var/tap/trace_7.json"},
		{domain.FormatJSONBodyAsString, "/var/tap/trace_7.json"},
		{domain.FormatProtoBinary, "/var/tap/trace_7.pb"},
		{domain.FormatProtoBinaryLengthDelimited, "/var/tap/trace_7.pb_length_delimited"},
		{domain.FormatProtoText, "/var/tap/trace_7.pb_text"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sink.Path(7, tt.format), tt.format.String())
	}
}

func TestFileSinkHandleOpensLazily(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "tap")
	sink := NewFilePerTapSink(prefix)
	path := sink.Path(3, domain.FormatJSONBodyAsBytes)

	handle := sink.CreatePerTapSinkHandle(3, KindHTTPBuffered)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file must not exist before the first submission")

	require.NoError(t, handle.SubmitTrace(sampleHTTPTrace(), domain.FormatJSONBodyAsBytes))
	require.NoError(t, handle.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestFileSinkHandleAppendsSubmissions(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "tap")
	sink := NewFilePerTapSink(prefix)
	handle := sink.CreatePerTapSinkHandle(11, KindHTTPBuffered)

	require.NoError(t, handle.SubmitTrace(sampleHTTPTrace(), domain.FormatJSONBodyAsBytes))
	require.NoError(t, handle.SubmitTrace(sampleHTTPTrace(), domain.FormatJSONBodyAsBytes))
	require.NoError(t, handle.Close())

	data, err := os.ReadFile(sink.Path(11, domain.FormatJSONBodyAsBytes))
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(string(data)))
	docs := 0
	for dec.More() {
		var doc map[string]any
		require.NoError(t, dec.Decode(&doc))
		assert.Contains(t, doc, "http_buffered_trace")
		docs++
	}
	assert.Equal(t, 2, docs)
}

func TestFileSinkHandleOpenFailureIsRemembered(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "missing", "dir", "tap")
	sink := NewFilePerTapSink(prefix)
	handle := sink.CreatePerTapSinkHandle(1, KindHTTPBuffered)

	first := handle.SubmitTrace(sampleHTTPTrace(), domain.FormatJSONBodyAsBytes)
	require.Error(t, first)

	require.NoError(t, os.MkdirAll(filepath.Dir(prefix), 0o755))
	second := handle.SubmitTrace(sampleHTTPTrace(), domain.FormatJSONBodyAsBytes)
	assert.Equal(t, first, second)

	_, err := os.Stat(sink.Path(1, domain.FormatJSONBodyAsBytes))
	assert.True(t, os.IsNotExist(err), "open must not be retried")
	assert.NoError(t, handle.Close())
}

func TestFileSinkHandleClosed(t *testing.T) {
	sink := NewFilePerTapSink(filepath.Join(t.TempDir(), "tap"))
	handle := sink.CreatePerTapSinkHandle(1, KindHTTPBuffered)

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())
	assert.ErrorIs(t, handle.SubmitTrace(sampleHTTPTrace(), domain.FormatProtoText), domain.ErrSinkClosed)
}

func TestAdminStreamingSink(t *testing.T) {
	var published [][]byte
	accept := true
	sink := NewAdminStreamingSink(domain.PublisherFunc(func(p []byte) bool {
		if accept {
			published = append(published, p)
		}
		return accept
	}))
	handle := sink.CreatePerTapSinkHandle(5, KindHTTPBuffered)

	require.NoError(t, handle.SubmitTrace(sampleHTTPTrace(), domain.FormatJSONBodyAsBytes))
	require.Len(t, published, 1)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(published[0], &doc))
	assert.Contains(t, doc, "http_buffered_trace")

	accept = false
	assert.ErrorIs(t, handle.SubmitTrace(sampleHTTPTrace(), domain.FormatJSONBodyAsBytes), ErrTraceDropped)

	assert.Panics(t, func() {
		_ = handle.SubmitTrace(sampleHTTPTrace(), domain.FormatProtoBinary)
	})

	require.NoError(t, handle.Close())
	assert.ErrorIs(t, handle.SubmitTrace(sampleHTTPTrace(), domain.FormatJSONBodyAsBytes), domain.ErrSinkClosed)
}

func TestAdminStreamingSinkRequiresPublisher(t *testing.T) {
	assert.Panics(t, func() { NewAdminStreamingSink(nil) })
}
