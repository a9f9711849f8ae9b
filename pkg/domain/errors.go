package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrNoSink              = errors.New("no output sink configured")
	ErrMultipleSinks       = errors.New("more than one output sink configured")
	ErrAdminUnavailable    = errors.New("admin streaming sink requires an admin streamer")
	ErrAdminFormat         = errors.New("admin streaming sink requires a JSON output format")
	ErrUnknownFormat       = errors.New("unknown output format")
	ErrMatcherInvalid      = errors.New("invalid match configuration")
	ErrExtensionNotFound   = errors.New("tap extension not found")
	ErrExtensionBusy       = errors.New("tap extension already attached")
	ErrExtensionNotAdmin   = errors.New("tap extension is not admin configured")
	ErrSinkClosed          = errors.New("sink handle closed")
	ErrUpstreamUnreachable = errors.New("upstream service unreachable")
)

// ConfigError reports a construction failure together with the offending field path.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", ErrConfigInvalid, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrConfigInvalid, e.Field, e.Err)
}

// Unwrap exposes both the generic configuration fault and the specific reason.
func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfigInvalid, e.Err}
}

// NewConfigError wraps err with a field path.
func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// ErrorResponse defines the standard JSON error model returned by the admin API.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., CONFIG_INVALID, NOT_FOUND)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
