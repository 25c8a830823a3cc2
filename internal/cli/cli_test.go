package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var choraVars = []string{
	"CHORA_DB",
	"CHORA_SITE_ID",
	"CHORA_KERNEL",
	"CHORA_RESOLVER",
	"CHORA_LOG_LEVEL",
	"CHORA_LOG_FORMAT",
	"CHORA_BUSY_TIMEOUT_MS",
}

// cliResult is the outcome of one Execute call.
type cliResult struct {
	Stdout string
	Stderr string
	Code   int
}

// runCLI executes the root command with a clean chora environment.
func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	return runCLIWithEnv(t, nil, args...)
}

// runCLIWithEnv is runCLI with some chora variables set.
func runCLIWithEnv(t *testing.T, env map[string]string, args ...string) cliResult {
	t.Helper()
	for _, key := range choraVars {
		t.Setenv(key, env[key])
	}

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return cliResult{Stdout: stdout.String(), Stderr: stderr.String(), Code: code}
}

// initDB creates a database for site in a temp dir and returns its path.
func initDB(t *testing.T, site string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), site+".db")
	res := runCLI(t, "--db", path, "--site", site, "init")
	require.Equal(t, ExitSuccess, res.Code, "init failed: %s", res.Stderr)
	return path
}

// decodeResponse parses a JSON CLIResponse whose data is an object.
func decodeResponse(t *testing.T, out string) (CLIResponse, map[string]any) {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	data, _ := resp.Data.(map[string]any)
	return resp, data
}
