package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// SetupTestDir creates a temporary directory with a .stockstream/config.yaml
// pointing at baseURL and a history database inside the directory. Returns
// the temp directory path. The directory is removed when the test completes.
func SetupTestDir(t *testing.T, baseURL string) string {
	t.Helper()

	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, ".stockstream")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	configContent := fmt.Sprintf(`api:
  base_url: %s
  submit_timeout: 5s
stream:
  heartbeat_interval: 50ms
  waiting_threshold: 200ms
  max_reconnect_attempts: 2
  initial_backoff: 10ms
  max_backoff: 50ms
cache:
  path: %s
  max_age: 1h
`, baseURL, filepath.Join(dir, "history.db"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configContent), 0o644))

	return tmpDir
}

// MustMarshalJSON marshals a value to JSON, failing the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// MustUnmarshalJSON unmarshals JSON data into v, failing the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v))
}

// WriteTestFile writes content to a file in the test directory.
// Creates parent directories as needed.
func WriteTestFile(t *testing.T, basePath, relativePath string, content []byte) {
	t.Helper()
	fullPath := filepath.Join(basePath, relativePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
	require.NoError(t, os.WriteFile(fullPath, content, 0o644))
}
