package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(values map[string]any) LookupFunc {
	return func(path string) (any, bool) {
		v, ok := values[path]
		return v, ok
	}
}

func TestExpressionEval(t *testing.T) {
	lookup := lookupFrom(map[string]any{
		"request.method":         "POST",
		"request.path":           "/v1/upload",
		"response.status":        float64(503),
		"request.header.x-retry": "2",
	})

	tests := []struct {
		expr string
		want bool
	}{
		{`request.method == "POST"`, true},
		{`request.method != 'POST'`, false},
		{`request.path startsWith "/v1"`, true},
		{`request.path endsWith ".json"`, false},
		{`request.path contains "upload"`, true},
		{`response.status >= 500 && response.status < 600`, true},
		{`response.status > 503 || request.method == "POST"`, true},
		{`!(response.status == 503)`, false},
		{`request.header.x-retry == 2`, true},
		{`response.status > -1`, true},
		{`missing.value == null`, true},
		{`missing.value == "x"`, false},
		{`missing.value startsWith "x"`, false},
		{`missing.value > 3`, false},
		{`true && !false`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			expr, err := Compile(tt.expr)
			require.NoError(t, err)
			got, err := expr.Eval(lookup)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.expr, expr.String())
		})
	}
}

func TestExpressionSyntaxErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"   ",
		`request.method ==`,
		`(request.method == "GET"`,
		`request.method == "GET`,
		`request.method # "GET"`,
		`request.method == "GET" extra`,
	} {
		_, err := Compile(src)
		assert.ErrorIs(t, err, ErrSyntax, src)
	}
}

func TestExpressionTypeErrors(t *testing.T) {
	lookup := lookupFrom(map[string]any{"request.method": "GET", "response.status": float64(200)})

	for _, src := range []string{
		`request.method`,
		`response.status contains "2"`,
		`request.method == true`,
		`request.method && true`,
	} {
		expr, err := Compile(src)
		require.NoError(t, err, src)
		_, err = expr.Eval(lookup)
		assert.ErrorIs(t, err, ErrTypeMismatch, src)
	}
}
