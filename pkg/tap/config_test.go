package tap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-tap/pkg/config"
	"github.com/polisai/polis-tap/pkg/domain"
)

func intPtr(v int) *int { return &v }

func fileSpec(prefix, format string) config.TapConfigSpec {
	return config.TapConfigSpec{
		Match: &config.MatchSpec{AnyMatch: true},
		Output: config.OutputSpec{
			Sinks: []config.SinkSpec{{
				Format:     format,
				FilePerTap: &config.FilePerTapSpec{PathPrefix: prefix},
			}},
		},
	}
}

func adminSpec(format string) config.TapConfigSpec {
	return config.TapConfigSpec{
		Match: &config.MatchSpec{AnyMatch: true},
		Output: config.OutputSpec{
			Sinks: []config.SinkSpec{{
				Format:         format,
				StreamingAdmin: &config.StreamingAdminSpec{},
			}},
		},
	}
}

func discardPublisher() domain.AdminPublisher {
	return domain.PublisherFunc(func([]byte) bool { return true })
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(fileSpec("/tmp/tap", ""), nil)
	require.NoError(t, err)

	assert.Equal(t, domain.FormatJSONBodyAsBytes, cfg.Format())
	assert.Equal(t, DefaultMaxBufferedBytes, cfg.MaxBufferedRxBytes())
	assert.Equal(t, DefaultMaxBufferedBytes, cfg.MaxBufferedTxBytes())
	assert.False(t, cfg.Streaming())
	assert.Equal(t, "file_per_tap", cfg.Sink().Name())
	assert.True(t, cfg.Matches(domain.Attributes{Protocol: domain.ProtocolHTTP}))
}

func TestNewConfigBudgets(t *testing.T) {
	spec := fileSpec("/tmp/tap", "PROTO_TEXT")
	spec.Output.MaxBufferedRxBytes = intPtr(50)
	spec.Output.MaxBufferedTxBytes = intPtr(0)

	cfg, err := NewConfig(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxBufferedRxBytes())
	assert.Equal(t, 0, cfg.MaxBufferedTxBytes())
	assert.Equal(t, domain.FormatProtoText, cfg.Format())
}

func TestNewConfigAdminSink(t *testing.T) {
	cfg, err := NewConfig(adminSpec("JSON_BODY_AS_STRING"), discardPublisher())
	require.NoError(t, err)
	assert.Equal(t, "streaming_admin", cfg.Sink().Name())
	assert.Equal(t, domain.FormatJSONBodyAsString, cfg.Format())
}

func TestNewConfigRejects(t *testing.T) {
	tests := []struct {
		name  string
		spec  func() config.TapConfigSpec
		admin domain.AdminPublisher
		want  error
	}{
		{
			name: "no sinks",
			spec: func() config.TapConfigSpec {
				s := fileSpec("/tmp/tap", "")
				s.Output.Sinks = nil
				return s
			},
			want: domain.ErrNoSink,
		},
		{
			name: "two sinks",
			spec: func() config.TapConfigSpec {
				s := fileSpec("/tmp/tap", "")
				s.Output.Sinks = append(s.Output.Sinks, s.Output.Sinks[0])
				return s
			},
			want: domain.ErrMultipleSinks,
		},
		{
			name: "both sink kinds in one entry",
			spec: func() config.TapConfigSpec {
				s := fileSpec("/tmp/tap", "")
				s.Output.Sinks[0].StreamingAdmin = &config.StreamingAdminSpec{}
				return s
			},
			admin: discardPublisher(),
			want:  domain.ErrMultipleSinks,
		},
		{
			name: "empty sink entry",
			spec: func() config.TapConfigSpec {
				s := fileSpec("/tmp/tap", "")
				s.Output.Sinks[0].FilePerTap = nil
				return s
			},
			want: domain.ErrNoSink,
		},
		{
			name: "unknown format",
			spec: func() config.TapConfigSpec { return fileSpec("/tmp/tap", "PROTO_XML") },
			want: domain.ErrUnknownFormat,
		},
		{
			name: "admin sink without streamer",
			spec: func() config.TapConfigSpec { return adminSpec("JSON_BODY_AS_BYTES") },
			want: domain.ErrAdminUnavailable,
		},
		{
			name:  "admin sink with binary format",
			spec:  func() config.TapConfigSpec { return adminSpec("PROTO_BINARY") },
			admin: discardPublisher(),
			want:  domain.ErrAdminFormat,
		},
		{
			name: "negative budget",
			spec: func() config.TapConfigSpec {
				s := fileSpec("/tmp/tap", "")
				s.Output.MaxBufferedRxBytes = intPtr(-1)
				return s
			},
		},
		{
			name: "missing prefix",
			spec: func() config.TapConfigSpec { return fileSpec("  ", "") },
		},
		{
			name: "missing match",
			spec: func() config.TapConfigSpec {
				s := fileSpec("/tmp/tap", "")
				s.Match = nil
				return s
			},
			want: domain.ErrMatcherInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(tt.spec(), tt.admin)
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}

			var cfgErr *domain.ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestConfigKindFor(t *testing.T) {
	buffered, err := NewConfig(fileSpec("/tmp/tap", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, KindHTTPBuffered, buffered.KindFor(domain.ProtocolHTTP))
	assert.Equal(t, KindSocketBuffered, buffered.KindFor(domain.ProtocolSocket))

	spec := fileSpec("/tmp/tap", "")
	spec.Output.Streaming = true
	streamed, err := NewConfig(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, KindHTTPStreamed, streamed.KindFor(domain.ProtocolHTTP))
	assert.Equal(t, KindSocketStreamed, streamed.KindFor(domain.ProtocolSocket))

	assert.Panics(t, func() { streamed.KindFor("udp") })
}
