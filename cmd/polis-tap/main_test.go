package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTaps = `
taps:
  - id: ingress
    protocol: http
    static_config:
      match:
        any_match: true
      output:
        sinks:
          - file_per_tap:
              path_prefix: /tmp/ingress
  - id: debug
    protocol: socket
    admin_config:
      config_id: debug-socket
`

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validTaps), 0o600))

	out, err := runRoot(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 tap extensions OK")
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"structural error", "taps:\n  - id: a\n    protocol: udp\n    admin_config:\n      config_id: x\n"},
		{"config error", "taps:\n  - id: a\n    protocol: http\n    static_config:\n      output:\n        sinks: []\n"},
		{"admin sink in static config", "taps:\n  - id: a\n    protocol: http\n    static_config:\n      match:\n        any_match: true\n      output:\n        sinks:\n          - streaming_admin: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "taps.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := runRoot(t, "validate", path)
			assert.Error(t, err)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TAP_TEST_FROM_ENV_FILE=loaded\n"), 0o600))
	t.Setenv("TAP_TEST_FROM_ENV_FILE", "")
	require.NoError(t, os.Unsetenv("TAP_TEST_FROM_ENV_FILE"))

	require.NoError(t, loadEnv(path))
	assert.Equal(t, "loaded", os.Getenv("TAP_TEST_FROM_ENV_FILE"))

	assert.Error(t, loadEnv(filepath.Join(t.TempDir(), "missing.env")))
}
