package tap

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/polis-tap/pkg/config"
	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/tap/matcher"
)

// Config is a validated, immutable tap configuration. It is shared read-only by every
// session started while it is active.
type Config struct {
	matcher   matcher.Matcher
	sink      Sink
	format    domain.OutputFormat
	maxRx     int
	maxTx     int
	streaming bool

	logger  *slog.Logger
	metrics *Metrics
}

// Option customizes a Config at construction time.
type Option func(*Config)

// WithLogger sets the logger sessions report submission failures to.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sessions record into.
func WithMetrics(m *Metrics) Option {
	return func(c *Config) {
		c.metrics = m
	}
}

// NewConfig validates spec and builds a Config. admin is the admin streamer, or nil when
// none is available. Either every rule holds and a Config is returned, or an error
// wrapping domain.ErrConfigInvalid is returned and nothing is activated.
func NewConfig(spec config.TapConfigSpec, admin domain.AdminPublisher, opts ...Option) (*Config, error) {
	sinks := spec.Output.Sinks
	switch {
	case len(sinks) == 0:
		return nil, domain.NewConfigError("output.sinks", domain.ErrNoSink)
	case len(sinks) > 1:
		return nil, domain.NewConfigError("output.sinks", fmt.Errorf("%w: found %d", domain.ErrMultipleSinks, len(sinks)))
	}
	sinkSpec := sinks[0]

	format, err := domain.ParseOutputFormat(sinkSpec.Format)
	if err != nil {
		return nil, domain.NewConfigError("output.sinks[0].format", err)
	}

	sink, err := buildSink(sinkSpec, format, admin)
	if err != nil {
		return nil, err
	}

	maxRx, err := budgetLimit(spec.Output.MaxBufferedRxBytes, "output.max_buffered_rx_bytes")
	if err != nil {
		return nil, err
	}
	maxTx, err := budgetLimit(spec.Output.MaxBufferedTxBytes, "output.max_buffered_tx_bytes")
	if err != nil {
		return nil, err
	}

	m, err := matcher.Build(spec.Match)
	if err != nil {
		return nil, domain.NewConfigError("", err)
	}

	c := &Config{
		matcher:   m,
		sink:      sink,
		format:    format,
		maxRx:     maxRx,
		maxTx:     maxTx,
		streaming: spec.Output.Streaming,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func buildSink(spec config.SinkSpec, format domain.OutputFormat, admin domain.AdminPublisher) (Sink, error) {
	const field = "output.sinks[0]"
	switch {
	case spec.StreamingAdmin != nil && spec.FilePerTap != nil:
		return nil, domain.NewConfigError(field, fmt.Errorf("%w: streaming_admin and file_per_tap are both set", domain.ErrMultipleSinks))
	case spec.StreamingAdmin != nil:
		if admin == nil {
			return nil, domain.NewConfigError(field+".streaming_admin", domain.ErrAdminUnavailable)
		}
		if !format.IsJSON() {
			return nil, domain.NewConfigError(field+".format", fmt.Errorf("%w: got %s", domain.ErrAdminFormat, format))
		}
		return NewAdminStreamingSink(admin), nil
	case spec.FilePerTap != nil:
		prefix := strings.TrimSpace(spec.FilePerTap.PathPrefix)
		if prefix == "" {
			return nil, domain.NewConfigError(field+".file_per_tap.path_prefix", fmt.Errorf("path prefix is required"))
		}
		return NewFilePerTapSink(prefix), nil
	default:
		return nil, domain.NewConfigError(field, domain.ErrNoSink)
	}
}

func budgetLimit(v *int, field string) (int, error) {
	if v == nil {
		return DefaultMaxBufferedBytes, nil
	}
	if *v < 0 {
		return 0, domain.NewConfigError(field, fmt.Errorf("must not be negative, got %d", *v))
	}
	return *v, nil
}

// Matcher returns the root match rule.
func (c *Config) Matcher() matcher.Matcher { return c.matcher }

// Sink returns the selected sink.
func (c *Config) Sink() Sink { return c.sink }

// Format returns the output format.
func (c *Config) Format() domain.OutputFormat { return c.format }

// MaxBufferedRxBytes returns the per-session receive budget.
func (c *Config) MaxBufferedRxBytes() int { return c.maxRx }

// MaxBufferedTxBytes returns the per-session transmit budget.
func (c *Config) MaxBufferedTxBytes() int { return c.maxTx }

// Streaming reports whether sessions emit segments as data flows instead of one trace at the end.
func (c *Config) Streaming() bool { return c.streaming }

// Matches evaluates the root match rule.
func (c *Config) Matches(attrs domain.Attributes) bool {
	return c.matcher.Matches(attrs)
}

// KindFor returns the trace shape sessions of protocol produce under this config.
func (c *Config) KindFor(protocol domain.Protocol) TraceKind {
	switch protocol {
	case domain.ProtocolHTTP:
		if c.streaming {
			return KindHTTPStreamed
		}
		return KindHTTPBuffered
	case domain.ProtocolSocket:
		if c.streaming {
			return KindSocketStreamed
		}
		return KindSocketBuffered
	}
	panic(fmt.Sprintf("tap: unknown protocol %q", protocol))
}
