package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-tap/pkg/domain"
)

// TapFile is the declarative list of tap extensions.
type TapFile struct {
	Taps []ExtensionSpec `json:"taps" yaml:"taps"`
}

// ExtensionSpec declares one tap extension. Exactly one of StaticConfig or AdminConfig
// is set: a static extension is configured from the file, an admin extension waits for
// an operator to attach a config through the admin endpoint.
type ExtensionSpec struct {
	ID           string           `json:"id" yaml:"id"`
	Protocol     domain.Protocol  `json:"protocol" yaml:"protocol"`
	StaticConfig *TapConfigSpec   `json:"static_config,omitempty" yaml:"static_config,omitempty"`
	AdminConfig  *AdminConfigSpec `json:"admin_config,omitempty" yaml:"admin_config,omitempty"`
}

// AdminConfigSpec binds an extension to an admin config id.
type AdminConfigSpec struct {
	ConfigID string `json:"config_id" yaml:"config_id"`
}

// TapConfigSpec is the declarative form of a tap config: what to match and where to send it.
type TapConfigSpec struct {
	Match  *MatchSpec `json:"match,omitempty" yaml:"match,omitempty"`
	Output OutputSpec `json:"output" yaml:"output"`
}

// OutputSpec configures sinks and capture budgets. Unset budgets take the engine default.
type OutputSpec struct {
	Sinks              []SinkSpec `json:"sinks" yaml:"sinks"`
	MaxBufferedRxBytes *int       `json:"max_buffered_rx_bytes,omitempty" yaml:"max_buffered_rx_bytes,omitempty"`
	MaxBufferedTxBytes *int       `json:"max_buffered_tx_bytes,omitempty" yaml:"max_buffered_tx_bytes,omitempty"`
	Streaming          bool       `json:"streaming" yaml:"streaming"`
}

// SinkSpec selects one sink. Exactly one of StreamingAdmin or FilePerTap must be set.
type SinkSpec struct {
	Format         string              `json:"format,omitempty" yaml:"format,omitempty"`
	StreamingAdmin *StreamingAdminSpec `json:"streaming_admin,omitempty" yaml:"streaming_admin,omitempty"`
	FilePerTap     *FilePerTapSpec     `json:"file_per_tap,omitempty" yaml:"file_per_tap,omitempty"`
}

// StreamingAdminSpec selects the admin streaming sink. It has no options.
type StreamingAdminSpec struct{}

// FilePerTapSpec selects the per-session file sink.
type FilePerTapSpec struct {
	PathPrefix string `json:"path_prefix" yaml:"path_prefix"`
}

// MatchSpec is one node of the match tree. Exactly one field is set per node.
type MatchSpec struct {
	AnyMatch                 bool              `json:"any_match,omitempty" yaml:"any_match,omitempty"`
	AndMatch                 *MatchSetSpec     `json:"and_match,omitempty" yaml:"and_match,omitempty"`
	OrMatch                  *MatchSetSpec     `json:"or_match,omitempty" yaml:"or_match,omitempty"`
	NotMatch                 *MatchSpec        `json:"not_match,omitempty" yaml:"not_match,omitempty"`
	HTTPRequestHeadersMatch  *HeadersMatchSpec `json:"http_request_headers_match,omitempty" yaml:"http_request_headers_match,omitempty"`
	HTTPResponseHeadersMatch *HeadersMatchSpec `json:"http_response_headers_match,omitempty" yaml:"http_response_headers_match,omitempty"`
	Expression               string            `json:"expression,omitempty" yaml:"expression,omitempty"`
	Rego                     *RegoMatchSpec    `json:"rego,omitempty" yaml:"rego,omitempty"`
}

// MatchSetSpec lists the children of an and/or node.
type MatchSetSpec struct {
	Rules []MatchSpec `json:"rules" yaml:"rules"`
}

// HeadersMatchSpec matches when every listed header matcher matches.
type HeadersMatchSpec struct {
	Headers []HeaderMatcherSpec `json:"headers" yaml:"headers"`
}

// HeaderMatcherSpec matches one header by name. At most one of the value matchers is
// set; with none set the header only has to be present.
type HeaderMatcherSpec struct {
	Name         string  `json:"name" yaml:"name"`
	ExactMatch   *string `json:"exact_match,omitempty" yaml:"exact_match,omitempty"`
	PrefixMatch  *string `json:"prefix_match,omitempty" yaml:"prefix_match,omitempty"`
	SuffixMatch  *string `json:"suffix_match,omitempty" yaml:"suffix_match,omitempty"`
	PresentMatch *bool   `json:"present_match,omitempty" yaml:"present_match,omitempty"`
	InvertMatch  bool    `json:"invert_match,omitempty" yaml:"invert_match,omitempty"`
}

// RegoMatchSpec evaluates a Rego query against the match attributes.
type RegoMatchSpec struct {
	Module string `json:"module" yaml:"module"`
	Query  string `json:"query" yaml:"query"`
}

// TapFileError wraps errors encountered while validating a tap file.
type TapFileError struct {
	Reason error
}

func (e TapFileError) Error() string {
	return fmt.Sprintf("tap file validation failed: %v", e.Reason)
}

func (e TapFileError) Unwrap() error {
	return e.Reason
}

// LoadTapFile reads and validates the tap file at path.
func LoadTapFile(path string) (*TapFile, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tap file %s: %w", path, err)
	}
	file, err := ParseTapFile(data, path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tap file %s: %w", path, err)
	}
	return file, nil
}

// ParseTapFile decodes a tap file. The file name's extension picks the syntax: .json and
// .jsonc are JSON with comments allowed, anything else is YAML.
func ParseTapFile(data []byte, name string) (*TapFile, error) {
	var file TapFile
	if err := decodeDocument(data, isJSONName(name), &file); err != nil {
		return nil, err
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// TapRequest is the body of an admin tap request.
type TapRequest struct {
	ConfigID  string        `json:"config_id" yaml:"config_id"`
	TapConfig TapConfigSpec `json:"tap_config" yaml:"tap_config"`
}

// ParseTapRequest decodes an admin tap request. YAML content types are decoded as YAML,
// anything else as JSON with comments allowed.
func ParseTapRequest(data []byte, contentType string) (*TapRequest, error) {
	var req TapRequest
	if err := decodeDocument(data, !isYAMLContentType(contentType), &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ConfigID) == "" {
		return nil, errors.New("config_id is required")
	}
	return &req, nil
}

func decodeDocument(data []byte, jsonDoc bool, out any) error {
	if jsonDoc {
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode json: %w", err)
		}
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func isJSONName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonc":
		return true
	}
	return false
}

func isYAMLContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "yaml")
}

// Validate checks the structure of the file. Tap configs themselves are validated when
// they are built.
func (f *TapFile) Validate() error {
	ids := make(map[string]struct{}, len(f.Taps))
	configIDs := make(map[string]string)
	for i, ext := range f.Taps {
		id := strings.TrimSpace(ext.ID)
		if id == "" {
			return TapFileError{Reason: fmt.Errorf("taps[%d]: id is required", i)}
		}
		if _, dup := ids[id]; dup {
			return TapFileError{Reason: fmt.Errorf("duplicate tap id %q", id)}
		}
		ids[id] = struct{}{}

		switch ext.Protocol {
		case domain.ProtocolHTTP, domain.ProtocolSocket:
		default:
			return TapFileError{Reason: fmt.Errorf("tap %s: unsupported protocol %q", id, ext.Protocol)}
		}

		if (ext.StaticConfig == nil) == (ext.AdminConfig == nil) {
			return TapFileError{Reason: fmt.Errorf("tap %s: exactly one of static_config or admin_config is required", id)}
		}
		if ext.AdminConfig != nil {
			cid := strings.TrimSpace(ext.AdminConfig.ConfigID)
			if cid == "" {
				return TapFileError{Reason: fmt.Errorf("tap %s: admin_config.config_id is required", id)}
			}
			if other, dup := configIDs[cid]; dup {
				return TapFileError{Reason: fmt.Errorf("tap %s: config_id %q already used by tap %s", id, cid, other)}
			}
			configIDs[cid] = id
		}
	}
	return nil
}
