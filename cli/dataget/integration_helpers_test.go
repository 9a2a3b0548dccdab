//go:build integration

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glorpus-work/dataget/test/testutil"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config file pointing the cache store into dir so
// tests never touch the user cache directory.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	yamlContent := `settings:
  cache_path: ` + filepath.Join(dir, "cache.db") + `
  http_timeout: 5s
  max_concurrent_fetches: 1
  output_format: text
  log_level: error
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yamlContent), 0o600))
	return cfgPath
}

// serveZip starts a server offering /payload.zip built from the given files.
func serveZip(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteZip(t, filepath.Join(dir, "payload.zip"), files)
	return testutil.FileServer(t, dir)
}

// writeRequirement drops a data_requirement.json into dir naming a single
// dataset.
func writeRequirement(t *testing.T, dir, src, dst, project string) string {
	t.Helper()
	req := map[string]any{
		"data": map[string]any{
			project: map[string]any{
				"src":         src,
				"dst":         dst,
				"projectName": project,
			},
		},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	path := filepath.Join(dir, "data_requirement.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// runCLI executes the root command with args and returns captured stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	cmd := newRootCmd()
	cmd.SetArgs(args)
	runErr := cmd.ExecuteContext(context.Background())

	_ = w.Close()
	os.Stdout = oldStdout

	var buf strings.Builder
	_, _ = io.Copy(&buf, r)
	return buf.String(), runErr
}

// fetchSample runs one end-to-end fetch and returns the config path and the
// dataset's destination directory.
func fetchSample(t *testing.T, project string) (cfgPath, dst string) {
	t.Helper()
	tempDir := t.TempDir()
	dst = filepath.Join(tempDir, "data")
	server := serveZip(t, map[string]string{"values.csv": "1,2\n"})
	reqPath := writeRequirement(t, tempDir, server.URL+"/payload.zip", dst, project)
	cfgPath = writeTestConfig(t, tempDir)

	_, err := runCLI(t, "--config", cfgPath, "fetch", reqPath)
	require.NoError(t, err)
	return cfgPath, dst
}
