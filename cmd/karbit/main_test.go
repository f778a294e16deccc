package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintConfigMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := "mode = \"worker\"\n\n[server]\napi_key = \"k3y\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	var out bytes.Buffer
	require.Equal(t, 0, run(path, "scheduler", true, &out))
	assert.Contains(t, out.String(), `mode = "scheduler"`)
	assert.Contains(t, out.String(), `api_key = "***"`)
	assert.NotContains(t, out.String(), "k3y")
}

func TestRunFailsOnMissingConfig(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 1, run(filepath.Join(t.TempDir(), "absent.toml"), "", false, &out))
	assert.Contains(t, out.String(), "failed to load config")
}
