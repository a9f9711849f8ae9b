// Package admin serves the tap admin API: streaming tap requests, health and metrics.
package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-tap/pkg/config"
	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/tap"
)

const (
	maxRequestBytes = 1 << 20

	// StreamIDHeader carries the id assigned to an admin tap stream.
	StreamIDHeader = "X-Tap-Stream-ID"
)

// Server handles admin requests against a tap registry.
type Server struct {
	registry     *tap.Registry
	logger       *slog.Logger
	streamBuffer int
}

// Option customizes a Server.
type Option func(*Server)

// WithStreamBuffer sets how many traces may queue for a slow admin client before new
// traces are dropped.
func WithStreamBuffer(n int) Option {
	return func(s *Server) {
		s.streamBuffer = n
	}
}

// NewServer returns an admin server for registry.
func NewServer(registry *tap.Registry, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{registry: registry, logger: logger, streamBuffer: defaultStreamBuffer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the instrumented admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tap", s.handleTap)
	mux.HandleFunc("/healthz", s.handleHealth)
	if m := s.registry.Metrics(); m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	return otelhttp.NewHandler(mux, "polis.tap.admin")
}

// handleHealth handles GET /healthz requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	attached := 0
	exts := s.registry.Extensions()
	for _, ext := range exts {
		if ext.IsAdmin() && ext.Config() != nil {
			attached++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "healthy",
		"extensions":    len(exts),
		"admin_streams": attached,
	})
}

// handleTap handles POST /tap. The request names an admin extension by config id and
// carries the tap config to attach; matching traces are streamed back until the client
// disconnects, at which point the config is detached.
func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("read request: %v", err))
		return
	}
	req, err := config.ParseTapRequest(body, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if !streamsToAdmin(req.TapConfig) {
		s.writeError(w, r, http.StatusBadRequest, "CONFIG_INVALID", "admin taps must use the streaming_admin sink")
		return
	}

	ext, err := s.registry.ByConfigID(req.ConfigID)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	metrics := s.registry.Metrics()
	out := newStream(req.ConfigID, s.streamBuffer, metrics)
	cfg, err := tap.NewConfig(req.TapConfig, out, s.registry.Options()...)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "CONFIG_INVALID", err.Error())
		return
	}
	if err := ext.Attach(cfg); err != nil {
		status, code := http.StatusConflict, "EXTENSION_BUSY"
		if errors.Is(err, domain.ErrExtensionNotAdmin) {
			status, code = http.StatusBadRequest, "NOT_ADMIN"
		}
		s.writeError(w, r, status, code, err.Error())
		return
	}
	defer ext.Detach(cfg)

	metrics.RecordAdminStreamAttached()
	defer metrics.RecordAdminStreamDetached()

	streamID := uuid.NewString()
	sse := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set(StreamIDHeader, streamID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	logger := s.logger.With("stream_id", streamID, "config_id", req.ConfigID, "extension", ext.ID())
	logger.Info("Admin tap attached", "sse", sse)

	var seq uint64
	for {
		select {
		case payload := <-out.traces:
			seq++
			if err := writeTrace(w, payload, sse, seq); err != nil {
				logger.Debug("Admin tap write failed", "error", err)
				return
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			logger.Info("Admin tap detached", "traces", seq, "dropped", out.Dropped())
			return
		}
	}
}

// streamsToAdmin reports whether the first sink is the admin stream. Sink count rules are
// left to tap.NewConfig.
func streamsToAdmin(spec config.TapConfigSpec) bool {
	sinks := spec.Output.Sinks
	return len(sinks) == 0 || sinks[0].StreamingAdmin != nil
}

// writeTrace frames one JSON trace as an NDJSON line or an SSE event.
func writeTrace(w io.Writer, payload []byte, sse bool, seq uint64) error {
	var line bytes.Buffer
	if err := json.Compact(&line, payload); err != nil {
		return fmt.Errorf("compact trace: %w", err)
	}
	if sse {
		_, err := w.Write(SerializeSSEEvent(&SSEEvent{
			ID:    strconv.FormatUint(seq, 10),
			Event: "trace",
			Data:  line.Bytes(),
		}))
		return err
	}
	line.WriteByte('\n')
	_, err := w.Write(line.Bytes())
	return err
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := domain.ErrorResponse{Code: code, Message: message}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	s.logger.Debug("Admin request rejected", "status", status, "code", code, "error", message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
