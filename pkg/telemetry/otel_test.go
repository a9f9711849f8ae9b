package telemetry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

type traceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
}

func startTraceCollector(t *testing.T) (*traceCollector, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	collector := &traceCollector{}
	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	return collector, lis.Addr().String()
}

func (c *traceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resourceSpans = append(c.resourceSpans, req.ResourceSpans...)
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

func (c *traceCollector) snapshot() []*tracepb.ResourceSpans {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*tracepb.ResourceSpans(nil), c.resourceSpans...)
}

func stringAttr(attrs []*commonpb.KeyValue, key string) string {
	for _, kv := range attrs {
		if kv.GetKey() == key {
			return kv.GetValue().GetStringValue()
		}
	}
	return ""
}

func restoreGlobals(t *testing.T) {
	t.Helper()
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
}

func TestSetupProviderExportsSpans(t *testing.T) {
	restoreGlobals(t)
	collector, addr := startTraceCollector(t)

	ctx := context.Background()
	shutdown, err := SetupProvider(ctx, Config{
		ServiceName:   "polis-tap-test",
		Endpoint:      addr,
		Insecure:      true,
		Environment:   "ci",
		ResourceTags:  map[string]string{"tap.node": "edge-1"},
		FlushInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("polis.tap.test").Start(ctx, "tap.session")
	span.End()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, shutdown(shutdownCtx))

	resourceSpans := collector.snapshot()
	require.NotEmpty(t, resourceSpans)

	res := resourceSpans[0].GetResource()
	assert.Equal(t, "polis-tap-test", stringAttr(res.GetAttributes(), "service.name"))
	assert.Equal(t, "ci", stringAttr(res.GetAttributes(), "deployment.environment"))
	assert.Equal(t, "edge-1", stringAttr(res.GetAttributes(), "tap.node"))

	var names []string
	for _, rs := range resourceSpans {
		for _, scope := range rs.GetScopeSpans() {
			for _, s := range scope.GetSpans() {
				names = append(names, s.GetName())
			}
		}
	}
	assert.Contains(t, names, "tap.session")
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "polis-tap"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent", "trace context propagates even without an exporter")
}

func TestNewSampler(t *testing.T) {
	zero := 0.0
	tests := []struct {
		name   string
		ratio  *float64
		parent bool
		want   sdktrace.SamplingDecision
	}{
		{"unset keeps roots", nil, false, sdktrace.RecordAndSample},
		{"zero drops roots", &zero, false, sdktrace.Drop},
		{"sampled parent wins over zero", &zero, true, sdktrace.RecordAndSample},
	}

	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.parent {
				ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
					TraceID:    traceID,
					SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
					TraceFlags: trace.FlagsSampled,
					Remote:     true,
				}))
			}
			result := newSampler(tt.ratio).ShouldSample(sdktrace.SamplingParameters{
				ParentContext: ctx,
				TraceID:       traceID,
				Name:          "tap.session",
			})
			assert.Equal(t, tt.want, result.Decision)
		})
	}
}
