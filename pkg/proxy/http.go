// Package proxy runs the data path: an HTTP reverse proxy and a TCP relay, both tapped.
package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-tap/pkg/buffer"
	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/tap"
	"github.com/polisai/polis-tap/pkg/tap/httptap"
	"github.com/polisai/polis-tap/pkg/telemetry"
)

// TapMiddleware taps every request passing to next with each active HTTP extension in
// registry. Request bodies are observed as next reads them and response bodies as next
// writes them.
func TapMiddleware(registry *tap.Registry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		taps := startHTTPTaps(registry)
		if len(taps) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		taps.requestHeaders(r)
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = &tappedBody{ReadCloser: r.Body, taps: taps, req: r}
		}
		tw := &tapWriter{ResponseWriter: w, taps: taps}

		defer func() {
			if !tw.hijacked {
				if !tw.wroteHeader {
					tw.taps.responseHeaders(http.StatusOK, w.Header())
				}
				taps.responseTrailers(responseTrailers(w.Header()))
			}
			taps.finish(trace.SpanFromContext(r.Context()))
		}()
		next.ServeHTTP(tw, r)
	})
}

type httpTap struct {
	ext    *tap.Extension
	tapper *httptap.Tapper
}

type httpTaps []httpTap

func startHTTPTaps(registry *tap.Registry) httpTaps {
	var taps httpTaps
	for _, ext := range registry.ForProtocol(domain.ProtocolHTTP) {
		if t := httptap.New(ext); t != nil {
			taps = append(taps, httpTap{ext: ext, tapper: t})
		}
	}
	return taps
}

func (ts httpTaps) requestHeaders(r *http.Request) {
	for _, t := range ts {
		t.tapper.OnRequestHeaders(r)
	}
}

func (ts httpTaps) requestBody(data buffer.Instance) {
	for _, t := range ts {
		t.tapper.OnRequestBody(data)
	}
}

func (ts httpTaps) requestTrailers(h http.Header) {
	for _, t := range ts {
		t.tapper.OnRequestTrailers(h)
	}
}

func (ts httpTaps) responseHeaders(status int, h http.Header) {
	for _, t := range ts {
		t.tapper.OnResponseHeaders(status, h)
	}
}

func (ts httpTaps) responseBody(data buffer.Instance) {
	for _, t := range ts {
		t.tapper.OnResponseBody(data)
	}
}

func (ts httpTaps) responseTrailers(h http.Header) {
	for _, t := range ts {
		t.tapper.OnResponseTrailers(h)
	}
}

func (ts httpTaps) finish(span trace.Span) {
	for _, t := range ts {
		matched := t.tapper.OnDestroy()
		telemetry.RecordTapMatch(span, t.ext.ID(), matched, t.tapper.TraceID())
	}
}

// tappedBody reports request body chunks as they are read and the trailers once the
// body is exhausted. The reverse proxy reads it on the transport goroutine, possibly
// after the handler has returned; tappers serialize these calls and drop late ones.
type tappedBody struct {
	io.ReadCloser
	taps httpTaps
	req  *http.Request
	eof  bool
}

func (b *tappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.taps.requestBody(buffer.Bytes(p[:n]))
	}
	if errors.Is(err, io.EOF) && !b.eof {
		b.eof = true
		b.taps.requestTrailers(b.req.Trailer)
	}
	return n, err
}

// tapWriter reports the response status, headers and body chunks as they are written.
type tapWriter struct {
	http.ResponseWriter
	taps        httpTaps
	wroteHeader bool
	hijacked    bool
}

func (w *tapWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.wroteHeader = true
	w.taps.responseHeaders(code, w.Header())
	w.ResponseWriter.WriteHeader(code)
}

func (w *tapWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	if n > 0 {
		w.taps.responseBody(buffer.Bytes(b[:n]))
	}
	return n, err
}

func (w *tapWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for upgraded connections.
func (w *tapWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	w.hijacked = true
	return hijacker.Hijack()
}

func (w *tapWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// responseTrailers collects trailers set after the body, either declared through the
// Trailer header or set with the http.TrailerPrefix convention.
func responseTrailers(h http.Header) http.Header {
	out := http.Header{}
	for _, declared := range h.Values("Trailer") {
		for _, key := range strings.Split(declared, ",") {
			key = http.CanonicalHeaderKey(strings.TrimSpace(key))
			if values, ok := h[key]; ok && key != "" {
				out[key] = values
			}
		}
	}
	for key, values := range h {
		if name, ok := strings.CutPrefix(key, http.TrailerPrefix); ok {
			out[http.CanonicalHeaderKey(name)] = values
		}
	}
	return out
}

// NewReverseProxy forwards requests to upstream with the caller's trace context. Upstream
// failures are answered with a 502 carrying an ErrorResponse body.
func NewReverseProxy(upstream *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("Upstream request failed", "upstream", upstream.String(), "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(domain.ErrorResponse{
				Code:    "UPSTREAM_UNREACHABLE",
				Message: fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err).Error(),
			})
		},
	}
}
