// Package matcher builds the immutable match trees that decide whether a request or
// connection is tapped.
package matcher

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/polisai/polis-tap/pkg/config"
	"github.com/polisai/polis-tap/pkg/domain"
)

// Matcher decides whether the traffic described by attrs should be tapped. Built matchers
// are read-only and safe for concurrent use.
type Matcher interface {
	Matches(attrs domain.Attributes) bool
}

// Build compiles spec into a Matcher. Errors wrap domain.ErrMatcherInvalid and name the
// offending node.
func Build(spec *config.MatchSpec) (Matcher, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: match is required", domain.ErrMatcherInvalid)
	}
	return build(spec, "match")
}

func build(spec *config.MatchSpec, path string) (Matcher, error) {
	if n := countSet(spec); n != 1 {
		return nil, fmt.Errorf("%w: %s: exactly one match rule must be set, found %d", domain.ErrMatcherInvalid, path, n)
	}

	switch {
	case spec.AnyMatch:
		return anyMatcher{}, nil
	case spec.AndMatch != nil:
		children, err := buildAll(spec.AndMatch.Rules, path+".and_match")
		if err != nil {
			return nil, err
		}
		return andMatcher(children), nil
	case spec.OrMatch != nil:
		children, err := buildAll(spec.OrMatch.Rules, path+".or_match")
		if err != nil {
			return nil, err
		}
		return orMatcher(children), nil
	case spec.NotMatch != nil:
		child, err := build(spec.NotMatch, path+".not_match")
		if err != nil {
			return nil, err
		}
		return notMatcher{child: child}, nil
	case spec.HTTPRequestHeadersMatch != nil:
		hm, err := newHeadersMatcher(spec.HTTPRequestHeadersMatch, path+".http_request_headers_match")
		if err != nil {
			return nil, err
		}
		return requestHeadersMatcher{hm}, nil
	case spec.HTTPResponseHeadersMatch != nil:
		hm, err := newHeadersMatcher(spec.HTTPResponseHeadersMatch, path+".http_response_headers_match")
		if err != nil {
			return nil, err
		}
		return responseHeadersMatcher{hm}, nil
	case spec.Expression != "":
		expr, err := Compile(spec.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.expression: %w", domain.ErrMatcherInvalid, path, err)
		}
		return expressionMatcher{expr: expr}, nil
	default:
		rm, err := newRegoMatcher(spec.Rego)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.rego: %w", domain.ErrMatcherInvalid, path, err)
		}
		return rm, nil
	}
}

func countSet(spec *config.MatchSpec) int {
	n := 0
	for _, set := range []bool{
		spec.AnyMatch,
		spec.AndMatch != nil,
		spec.OrMatch != nil,
		spec.NotMatch != nil,
		spec.HTTPRequestHeadersMatch != nil,
		spec.HTTPResponseHeadersMatch != nil,
		strings.TrimSpace(spec.Expression) != "",
		spec.Rego != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func buildAll(rules []config.MatchSpec, path string) ([]Matcher, error) {
	if len(rules) < 2 {
		return nil, fmt.Errorf("%w: %s: at least two rules are required", domain.ErrMatcherInvalid, path)
	}
	out := make([]Matcher, 0, len(rules))
	for i := range rules {
		m, err := build(&rules[i], fmt.Sprintf("%s.rules[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

type anyMatcher struct{}

func (anyMatcher) Matches(domain.Attributes) bool { return true }

type andMatcher []Matcher

func (m andMatcher) Matches(attrs domain.Attributes) bool {
	for _, child := range m {
		if !child.Matches(attrs) {
			return false
		}
	}
	return true
}

type orMatcher []Matcher

func (m orMatcher) Matches(attrs domain.Attributes) bool {
	for _, child := range m {
		if child.Matches(attrs) {
			return true
		}
	}
	return false
}

type notMatcher struct {
	child Matcher
}

func (m notMatcher) Matches(attrs domain.Attributes) bool {
	return !m.child.Matches(attrs)
}

type expressionMatcher struct {
	expr *Expression
}

func (m expressionMatcher) Matches(attrs domain.Attributes) bool {
	matched, err := m.expr.Eval(attrs.Lookup)
	return err == nil && matched
}

// headerMatcher is one compiled entry of a headers match.
type headerMatcher struct {
	name    string
	exact   *string
	prefix  *string
	suffix  *string
	present bool
	invert  bool
}

func (h headerMatcher) matches(headers http.Header) bool {
	values := headers.Values(h.name)
	var result bool
	switch {
	case h.exact != nil:
		result = len(values) > 0 && strings.Join(values, ",") == *h.exact
	case h.prefix != nil:
		result = len(values) > 0 && strings.HasPrefix(strings.Join(values, ","), *h.prefix)
	case h.suffix != nil:
		result = len(values) > 0 && strings.HasSuffix(strings.Join(values, ","), *h.suffix)
	default:
		result = (len(values) > 0) == h.present
	}
	return result != h.invert
}

type headersMatcher []headerMatcher

func newHeadersMatcher(spec *config.HeadersMatchSpec, path string) (headersMatcher, error) {
	if len(spec.Headers) == 0 {
		return nil, fmt.Errorf("%w: %s: at least one header is required", domain.ErrMatcherInvalid, path)
	}
	out := make(headersMatcher, 0, len(spec.Headers))
	for i, h := range spec.Headers {
		name := http.CanonicalHeaderKey(strings.TrimSpace(h.Name))
		if name == "" {
			return nil, fmt.Errorf("%w: %s.headers[%d]: name is required", domain.ErrMatcherInvalid, path, i)
		}
		set := 0
		for _, ok := range []bool{h.ExactMatch != nil, h.PrefixMatch != nil, h.SuffixMatch != nil, h.PresentMatch != nil} {
			if ok {
				set++
			}
		}
		if set > 1 {
			return nil, fmt.Errorf("%w: %s.headers[%d]: at most one value matcher may be set", domain.ErrMatcherInvalid, path, i)
		}
		present := true
		if h.PresentMatch != nil {
			present = *h.PresentMatch
		}
		out = append(out, headerMatcher{
			name:    name,
			exact:   h.ExactMatch,
			prefix:  h.PrefixMatch,
			suffix:  h.SuffixMatch,
			present: present,
			invert:  h.InvertMatch,
		})
	}
	return out, nil
}

func (m headersMatcher) matches(headers http.Header) bool {
	if headers == nil {
		headers = http.Header{}
	}
	for _, h := range m {
		if !h.matches(headers) {
			return false
		}
	}
	return true
}

type requestHeadersMatcher struct {
	headers headersMatcher
}

func (m requestHeadersMatcher) Matches(attrs domain.Attributes) bool {
	return m.headers.matches(attrs.RequestHeaders)
}

type responseHeadersMatcher struct {
	headers headersMatcher
}

func (m responseHeadersMatcher) Matches(attrs domain.Attributes) bool {
	return m.headers.matches(attrs.ResponseHeaders)
}

// Any returns a matcher that matches everything.
func Any() Matcher {
	return anyMatcher{}
}
