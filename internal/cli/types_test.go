package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noteKernel = `types:
  note:
    statuses: [draft, final]
    additional_required: [body]
`

func writeKernel(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestTypes_BuiltIn(t *testing.T) {
	res := mustRun(t, "types")
	assert.Contains(t, res.Stdout, "TYPE")
	assert.Contains(t, res.Stdout, "planned,in_progress,complete,blocked,deprecated")
	assert.Contains(t, res.Stdout, "open,in_progress,complete,blocked")

	res = mustRun(t, "--format", "json", "types")
	_, data := decodeResponse(t, res.Stdout)
	types := data["types"].([]any)
	require.Len(t, types, 7)
	assert.Equal(t, "capability", types[0].(map[string]any)["name"])
}

func TestTypes_KernelFile(t *testing.T) {
	kernelPath := writeKernel(t, noteKernel)

	res := mustRun(t, "--kernel", kernelPath, "types")
	assert.Contains(t, res.Stdout, "note")
	assert.Contains(t, res.Stdout, "draft,final")
	assert.Contains(t, res.Stdout, "body")
	assert.NotContains(t, res.Stdout, "feature")

	// CHORA_KERNEL works the same way.
	res = runCLIWithEnv(t, map[string]string{"CHORA_KERNEL": kernelPath}, "types")
	require.Equal(t, ExitSuccess, res.Code, res.Stderr)
	assert.Contains(t, res.Stdout, "draft,final")
}

func TestTypes_BrokenKernel(t *testing.T) {
	kernelPath := writeKernel(t, "types: [")

	res := runCLI(t, "--kernel", kernelPath, "types")
	assert.Equal(t, ExitCommandError, res.Code)
	assert.Contains(t, res.Stderr, "Error [KERNEL]")
}
