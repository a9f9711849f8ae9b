package domain

import (
	"net/http"
	"strings"
)

// Protocol identifies which kind of traffic a tap observes.
type Protocol string

const (
	// ProtocolHTTP taps HTTP requests and responses.
	ProtocolHTTP Protocol = "http"
	// ProtocolSocket taps raw connection bytes.
	ProtocolSocket Protocol = "socket"
)

// Attributes is the read-only view of a request or connection that match rules evaluate.
type Attributes struct {
	Protocol        Protocol
	Method          string
	Path            string
	Host            string
	RequestHeaders  http.Header
	ResponseHeaders http.Header
	ResponseStatus  int
	RemoteAddress   string
	LocalAddress    string
}

// Lookup resolves a dotted attribute path used by match expressions.
func (a Attributes) Lookup(path string) (any, bool) {
	switch path {
	case "protocol":
		return string(a.Protocol), true
	case "request.method":
		return a.Method, a.Method != ""
	case "request.path":
		return a.Path, a.Path != ""
	case "request.host":
		return a.Host, a.Host != ""
	case "response.status":
		return float64(a.ResponseStatus), a.ResponseStatus != 0
	case "connection.remote_address":
		return a.RemoteAddress, a.RemoteAddress != ""
	case "connection.local_address":
		return a.LocalAddress, a.LocalAddress != ""
	}
	if name, ok := strings.CutPrefix(path, "request.header."); ok {
		return lookupHeader(a.RequestHeaders, name)
	}
	if name, ok := strings.CutPrefix(path, "response.header."); ok {
		return lookupHeader(a.ResponseHeaders, name)
	}
	return nil, false
}

// Map renders the attributes as a generic document for policy evaluation.
func (a Attributes) Map() map[string]any {
	return map[string]any{
		"protocol": string(a.Protocol),
		"request": map[string]any{
			"method":  a.Method,
			"path":    a.Path,
			"host":    a.Host,
			"headers": flattenHeaders(a.RequestHeaders),
		},
		"response": map[string]any{
			"status":  a.ResponseStatus,
			"headers": flattenHeaders(a.ResponseHeaders),
		},
		"connection": map[string]any{
			"remote_address": a.RemoteAddress,
			"local_address":  a.LocalAddress,
		},
	}
}

func lookupHeader(h http.Header, name string) (any, bool) {
	if h == nil {
		return nil, false
	}
	values := h.Values(name)
	if len(values) == 0 {
		return nil, false
	}
	return strings.Join(values, ","), true
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ",")
	}
	return out
}
