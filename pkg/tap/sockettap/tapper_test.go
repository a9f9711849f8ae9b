package sockettap

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-tap/pkg/buffer"
	"github.com/polisai/polis-tap/pkg/config"
	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/tap"
)

var epoch = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return epoch }
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func socketExtension(t *testing.T, spec config.TapConfigSpec, pub domain.AdminPublisher) *tap.Extension {
	t.Helper()
	cfg, err := tap.NewConfig(spec, pub, tap.WithLogger(quietLogger()))
	require.NoError(t, err)
	return tap.NewStaticExtension("sock", domain.ProtocolSocket, cfg)
}

type socketBody struct {
	AsBytes   string `json:"as_bytes"`
	Truncated bool   `json:"truncated"`
}

func (b socketBody) text(t *testing.T) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b.AsBytes)
	require.NoError(t, err)
	return string(raw)
}

type socketEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Read      *struct {
		Data socketBody `json:"data"`
	} `json:"read"`
	Write *struct {
		Data      socketBody `json:"data"`
		EndStream bool       `json:"end_stream"`
	} `json:"write"`
	Closed *struct{} `json:"closed"`
}

type socketConnection struct {
	LocalAddress  string `json:"local_address"`
	RemoteAddress string `json:"remote_address"`
}

func TestBufferedSocketTrace(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "sock")
	rx := 5
	ext := socketExtension(t, config.TapConfigSpec{
		Match: &config.MatchSpec{Expression: `connection.remote_address startsWith "10."`},
		Output: config.OutputSpec{
			Sinks:              []config.SinkSpec{{FilePerTap: &config.FilePerTapSpec{PathPrefix: prefix}}},
			MaxBufferedRxBytes: &rx,
		},
	}, nil)

	tapper := New(ext, "10.0.0.1:6379", "10.0.0.9:50000", WithClock(fixedClock()))
	require.NotNil(t, tapper)

	tapper.OnRead(buffer.Bytes("abc"))
	tapper.OnRead(buffer.NewChain([]byte("de"), []byte("fgh")))
	tapper.OnRead(buffer.Bytes("ignored"))
	tapper.OnWrite(buffer.Bytes("pong"), false)
	tapper.OnWrite(buffer.Bytes(nil), true)
	tapper.OnClose()
	tapper.OnClose()

	data, err := os.ReadFile(tap.NewFilePerTapSink(prefix).Path(tapper.TraceID(), domain.FormatJSONBodyAsBytes))
	require.NoError(t, err)

	var doc struct {
		Trace struct {
			Connection     socketConnection `json:"connection"`
			Events         []socketEvent    `json:"events"`
			ReadTruncated  bool             `json:"read_truncated"`
			WriteTruncated bool             `json:"write_truncated"`
		} `json:"socket_buffered_trace"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))

	trace := doc.Trace
	assert.Equal(t, socketConnection{LocalAddress: "10.0.0.1:6379", RemoteAddress: "10.0.0.9:50000"}, trace.Connection)
	assert.True(t, trace.ReadTruncated)
	assert.False(t, trace.WriteTruncated)

	require.Len(t, trace.Events, 5)
	require.NotNil(t, trace.Events[0].Read)
	assert.Equal(t, "abc", trace.Events[0].Read.Data.text(t))
	assert.False(t, trace.Events[0].Read.Data.Truncated)

	require.NotNil(t, trace.Events[1].Read)
	assert.Equal(t, "de", trace.Events[1].Read.Data.text(t))
	assert.True(t, trace.Events[1].Read.Data.Truncated)

	require.NotNil(t, trace.Events[2].Write)
	assert.Equal(t, "pong", trace.Events[2].Write.Data.text(t))
	assert.False(t, trace.Events[2].Write.EndStream)

	require.NotNil(t, trace.Events[3].Write)
	assert.True(t, trace.Events[3].Write.EndStream)

	assert.NotNil(t, trace.Events[4].Closed)
	for _, event := range trace.Events {
		assert.True(t, epoch.Equal(event.Timestamp))
	}
}

func TestStreamedSocketSegments(t *testing.T) {
	var docs [][]byte
	pub := domain.PublisherFunc(func(p []byte) bool {
		docs = append(docs, append([]byte(nil), p...))
		return true
	})
	ext := socketExtension(t, config.TapConfigSpec{
		Match: &config.MatchSpec{AnyMatch: true},
		Output: config.OutputSpec{
			Sinks:     []config.SinkSpec{{StreamingAdmin: &config.StreamingAdminSpec{}}},
			Streaming: true,
		},
	}, pub)

	tapper := New(ext, "127.0.0.1:80", "127.0.0.1:40000", WithClock(fixedClock()))
	require.NotNil(t, tapper)
	require.Len(t, docs, 1, "connection segment is published on connect")

	tapper.OnRead(buffer.Bytes("GET"))
	tapper.OnWrite(buffer.Bytes("OK"), true)
	tapper.OnClose()

	type segment struct {
		Segment struct {
			TraceID    string            `json:"trace_id"`
			Connection *socketConnection `json:"connection"`
			Event      *socketEvent      `json:"event"`
		} `json:"socket_streamed_trace_segment"`
	}

	require.Len(t, docs, 4)
	segments := make([]segment, len(docs))
	for i, doc := range docs {
		require.NoError(t, json.Unmarshal(doc, &segments[i]))
	}

	require.NotNil(t, segments[0].Segment.Connection)
	assert.Equal(t, "127.0.0.1:40000", segments[0].Segment.Connection.RemoteAddress)
	assert.Nil(t, segments[0].Segment.Event)

	require.NotNil(t, segments[1].Segment.Event)
	require.NotNil(t, segments[1].Segment.Event.Read)
	assert.Equal(t, "GET", segments[1].Segment.Event.Read.Data.text(t))

	require.NotNil(t, segments[2].Segment.Event.Write)
	assert.True(t, segments[2].Segment.Event.Write.EndStream)

	assert.NotNil(t, segments[3].Segment.Event.Closed)

	for _, seg := range segments {
		assert.Equal(t, segments[0].Segment.TraceID, seg.Segment.TraceID)
	}
}

func TestNewReturnsNilWithoutMatch(t *testing.T) {
	ext := socketExtension(t, config.TapConfigSpec{
		Match: &config.MatchSpec{Expression: `connection.remote_address startsWith "10."`},
		Output: config.OutputSpec{
			Sinks: []config.SinkSpec{{FilePerTap: &config.FilePerTapSpec{PathPrefix: filepath.Join(t.TempDir(), "sock")}}},
		},
	}, nil)

	tapper := New(ext, "127.0.0.1:80", "192.168.1.4:1234")
	assert.Nil(t, tapper)
	assert.NotPanics(t, func() {
		tapper.OnRead(buffer.Bytes("x"))
		tapper.OnWrite(buffer.Bytes("y"), true)
		tapper.OnClose()
	})
	assert.Zero(t, tapper.TraceID())
}
