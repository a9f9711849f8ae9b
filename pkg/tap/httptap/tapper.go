// Package httptap records HTTP requests and responses into tap traces.
package httptap

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/polisai/polis-tap/pkg/buffer"
	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/tap"
)

// Tapper follows one HTTP request through the data path. Request bodies are charged to
// the session's receive budget and response bodies to its transmit budget.
//
// In buffered mode the whole exchange is collected and submitted once from OnDestroy,
// when the matcher sees the final request and response attributes. In streaming mode
// every callback produces a segment; segments are held back until the matcher first
// matches at request or response headers, and dropped if it never does. Once the
// response headers fail to match nothing more is collected.
//
// Callbacks may come from different goroutines: a reverse proxy uploads the request body
// on its transport goroutine while the handler goroutine writes the response. Every call
// is serialized, and calls after OnDestroy are ignored.
//
// A nil *Tapper ignores every call so callers need not check whether tapping is active.
type Tapper struct {
	mu sync.Mutex

	cfg     *tap.Config
	session *tap.Session
	attrs   domain.Attributes
	matched bool
	// skipped is set when a streaming tap can no longer match.
	skipped bool
	done    bool

	trace   *tap.HTTPBufferedTrace
	pending []*tap.HTTPStreamedSegment
}

// New returns a tapper for one request, or nil when ext has no active config.
func New(ext *tap.Extension) *Tapper {
	cfg := ext.Config()
	if cfg == nil {
		return nil
	}
	t := &Tapper{
		cfg:     cfg,
		session: cfg.NewSession(cfg.KindFor(domain.ProtocolHTTP), tap.NextTraceID()),
		attrs:   domain.Attributes{Protocol: domain.ProtocolHTTP},
	}
	if !cfg.Streaming() {
		t.trace = &tap.HTTPBufferedTrace{}
	}
	return t
}

// TraceID returns the id of the underlying session.
func (t *Tapper) TraceID() uint64 {
	if t == nil {
		return 0
	}
	return t.session.TraceID()
}

// Matched reports whether the matcher has matched so far.
func (t *Tapper) Matched() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matched
}

// lock acquires the tapper and reports whether callbacks are still accepted. The caller
// unlocks only when it returns true.
func (t *Tapper) lock() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	if t.done || t.skipped {
		t.mu.Unlock()
		return false
	}
	return true
}

// OnRequestHeaders records the request line and headers.
func (t *Tapper) OnRequestHeaders(r *http.Request) {
	if !t.lock() {
		return
	}
	defer t.mu.Unlock()
	t.attrs.Method = r.Method
	t.attrs.Path = r.URL.RequestURI()
	t.attrs.Host = r.Host
	t.attrs.RequestHeaders = r.Header
	t.attrs.RemoteAddress = r.RemoteAddr

	headers := requestHeaders(r)
	if t.trace != nil {
		t.request().Headers = headers
		return
	}
	t.emit(&tap.HTTPStreamedSegment{Part: tap.PartRequestHeaders, Headers: headers})
	t.evaluate()
}

// OnRequestBody records a chunk of the request body.
func (t *Tapper) OnRequestBody(data buffer.Instance) {
	if data.Len() == 0 || !t.lock() {
		return
	}
	defer t.mu.Unlock()
	t.body(tap.PartRequestBodyChunk, t.session.RxBudget(), data)
}

// OnRequestTrailers records the request trailers.
func (t *Tapper) OnRequestTrailers(trailers http.Header) {
	if len(trailers) == 0 || !t.lock() {
		return
	}
	defer t.mu.Unlock()
	if t.trace != nil {
		t.request().Trailers = flatten(trailers)
		return
	}
	t.emit(&tap.HTTPStreamedSegment{Part: tap.PartRequestTrailers, Headers: flatten(trailers)})
}

// OnResponseHeaders records the response status and headers.
func (t *Tapper) OnResponseHeaders(status int, headers http.Header) {
	if !t.lock() {
		return
	}
	defer t.mu.Unlock()
	t.attrs.ResponseStatus = status
	t.attrs.ResponseHeaders = headers

	entries := append([]tap.Header{{Key: ":status", Value: strconv.Itoa(status)}}, flatten(headers)...)
	if t.trace != nil {
		t.response().Headers = entries
		return
	}
	t.emit(&tap.HTTPStreamedSegment{Part: tap.PartResponseHeaders, Headers: entries})
	t.evaluate()
	if !t.matched {
		t.skipped = true
		t.pending = nil
	}
}

// OnResponseBody records a chunk of the response body.
func (t *Tapper) OnResponseBody(data buffer.Instance) {
	if data.Len() == 0 || !t.lock() {
		return
	}
	defer t.mu.Unlock()
	t.body(tap.PartResponseBodyChunk, t.session.TxBudget(), data)
}

// OnResponseTrailers records the response trailers.
func (t *Tapper) OnResponseTrailers(trailers http.Header) {
	if len(trailers) == 0 || !t.lock() {
		return
	}
	defer t.mu.Unlock()
	if t.trace != nil {
		t.response().Trailers = flatten(trailers)
		return
	}
	t.emit(&tap.HTTPStreamedSegment{Part: tap.PartResponseTrailers, Headers: flatten(trailers)})
}

// OnDestroy finishes the request: a matching buffered trace is submitted, unmatched
// streaming segments are discarded, and the session is closed. It reports whether the
// request was tapped. Later calls do nothing.
func (t *Tapper) OnDestroy() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	defer t.session.Close()

	if t.trace != nil {
		t.matched = t.cfg.Matches(t.attrs)
		if t.matched {
			t.session.Submit(t.trace)
		}
	}
	t.pending = nil
	return t.matched
}

func (t *Tapper) body(part tap.HTTPSegmentPart, budget *tap.Budget, data buffer.Instance) {
	if t.trace != nil {
		msg := t.request()
		if part == tap.PartResponseBodyChunk {
			msg = t.response()
		}
		if msg.Body == nil {
			msg.Body = tap.NewBody()
		}
		budget.CopyAll(msg.Body, data)
		return
	}
	chunk := tap.NewBody()
	budget.CopyAll(chunk, data)
	t.emit(&tap.HTTPStreamedSegment{Part: part, Body: chunk})
}

func (t *Tapper) request() *tap.HTTPMessage {
	if t.trace.Request == nil {
		t.trace.Request = &tap.HTTPMessage{}
	}
	return t.trace.Request
}

func (t *Tapper) response() *tap.HTTPMessage {
	if t.trace.Response == nil {
		t.trace.Response = &tap.HTTPMessage{}
	}
	return t.trace.Response
}

func (t *Tapper) emit(seg *tap.HTTPStreamedSegment) {
	seg.TraceID = t.session.TraceID()
	if t.matched {
		t.session.Submit(seg)
		return
	}
	t.pending = append(t.pending, seg)
}

// evaluate runs the matcher once more and flushes held segments on the first match.
func (t *Tapper) evaluate() {
	if t.matched || !t.cfg.Matches(t.attrs) {
		return
	}
	t.matched = true
	for _, seg := range t.pending {
		t.session.Submit(seg)
	}
	t.pending = nil
}

func requestHeaders(r *http.Request) []tap.Header {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	pseudo := []tap.Header{
		{Key: ":authority", Value: r.Host},
		{Key: ":method", Value: r.Method},
		{Key: ":path", Value: r.URL.RequestURI()},
		{Key: ":scheme", Value: scheme},
	}
	return append(pseudo, flatten(r.Header)...)
}

// flatten lists headers in key order with lower-cased names, one entry per value.
func flatten(h http.Header) []tap.Header {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]tap.Header, 0, len(h))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, tap.Header{Key: strings.ToLower(k), Value: v})
		}
	}
	return out
}
