package matcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/polis-tap/pkg/config"
	"github.com/polisai/polis-tap/pkg/domain"
)

const (
	regoModuleName  = "tap_match.rego"
	regoEvalTimeout = 50 * time.Millisecond
)

// regoMatcher matches when the prepared query evaluates to true with the attributes
// document as input.
type regoMatcher struct {
	query    string
	prepared rego.PreparedEvalQuery
}

func newRegoMatcher(spec *config.RegoMatchSpec) (*regoMatcher, error) {
	src := strings.TrimSpace(spec.Module)
	if src == "" {
		return nil, fmt.Errorf("rego.module is required")
	}
	query := strings.TrimSpace(spec.Query)
	if query == "" {
		return nil, fmt.Errorf("rego.query is required")
	}

	module, err := ast.ParseModuleWithOpts(regoModuleName, src, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego module: %w", err)
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("prepare rego query %q: %w", query, err)
	}

	return &regoMatcher{query: query, prepared: prepared}, nil
}

func (m *regoMatcher) Matches(attrs domain.Attributes) bool {
	ctx, cancel := context.WithTimeout(context.Background(), regoEvalTimeout)
	defer cancel()

	results, err := m.prepared.Eval(ctx, rego.EvalInput(attrs.Map()))
	if err != nil || len(results) == 0 || len(results[0].Expressions) == 0 {
		return false
	}
	matched, ok := results[0].Expressions[0].Value.(bool)
	return ok && matched
}
