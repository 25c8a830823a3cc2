package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One create and a sync"
sites: [a, b]
steps:
  - site: a
    create: { type: feature, title: Login, data: { owner: ana, points: 3 } }
  - sync: [a, b]
    expect: { sent: 1 }
assertions:
  - type: converged
    sites: [a, b]
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, []string{"a", "b"}, scenario.Sites)
	assert.Empty(t, scenario.Resolver)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, ActionCreate, scenario.Steps[0].Action())
	assert.Equal(t, "Login", scenario.Steps[0].Create.Title)
	assert.Equal(t, "ana", scenario.Steps[0].Create.Data["owner"])
	assert.Equal(t, 3, scenario.Steps[0].Create.Data["points"])
	assert.Equal(t, ActionSync, scenario.Steps[1].Action())
	require.NotNil(t, scenario.Steps[1].Expect.Sent)
	assert.Equal(t, 1, *scenario.Steps[1].Expect.Sent)
	assert.Nil(t, scenario.Steps[1].Expect.Received)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_RepositoryScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			require.NoError(t, err)
		})
	}
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "name: x\ndescription: d\nsites: [a]\nstep: []\n",
			wantErr: "field step not found",
		},
		{
			name:    "missing name",
			yaml:    "description: d\nsites: [a]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: x\nsites: [a]\n",
			wantErr: "description is required",
		},
		{
			name:    "no sites",
			yaml:    "name: x\ndescription: d\n",
			wantErr: "sites list is required",
		},
		{
			name:    "duplicate site",
			yaml:    "name: x\ndescription: d\nsites: [a, a]\n",
			wantErr: `duplicate site "a"`,
		},
		{
			name:    "no steps",
			yaml:    "name: x\ndescription: d\nsites: [a]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "two actions in one step",
			yaml:    "name: x\ndescription: d\nsites: [a]\nsteps:\n  - site: a\n    create: { type: task, title: T }\n    delete: { id: task-t }\n",
			wantErr: "exactly one of create, update, delete or sync",
		},
		{
			name:    "unknown step site",
			yaml:    "name: x\ndescription: d\nsites: [a]\nsteps:\n  - site: z\n    delete: { id: task-t }\n",
			wantErr: `unknown site "z"`,
		},
		{
			name:    "sync needs two sites",
			yaml:    "name: x\ndescription: d\nsites: [a, b]\nsteps:\n  - sync: [a]\n",
			wantErr: "exactly two sites",
		},
		{
			name:    "sync with itself",
			yaml:    "name: x\ndescription: d\nsites: [a, b]\nsteps:\n  - sync: [a, a]\n",
			wantErr: "with itself",
		},
		{
			name:    "create without title or id",
			yaml:    "name: x\ndescription: d\nsites: [a]\nsteps:\n  - site: a\n    create: { type: task }\n",
			wantErr: "needs an id or a title",
		},
		{
			name:    "no assertions",
			yaml:    "name: x\ndescription: d\nsites: [a]\nsteps:\n  - site: a\n    delete: { id: task-t }\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: x\ndescription: d\nsites: [a]\nsteps:\n  - site: a\n    delete: { id: task-t }\nassertions:\n  - type: trace_contains\n",
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name:    "count without count",
			yaml:    "name: x\ndescription: d\nsites: [a]\nsteps:\n  - site: a\n    delete: { id: task-t }\nassertions:\n  - type: count\n    site: a\n",
			wantErr: "non-negative count is required",
		},
		{
			name:    "converged with one site",
			yaml:    "name: x\ndescription: d\nsites: [a]\nsteps:\n  - site: a\n    delete: { id: task-t }\nassertions:\n  - type: converged\n    sites: [a]\n",
			wantErr: "at least two sites",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStepAction(t *testing.T) {
	assert.Equal(t, ActionCreate, Step{Create: &CreateStep{}}.Action())
	assert.Equal(t, ActionUpdate, Step{Update: &UpdateStep{}}.Action())
	assert.Equal(t, ActionDelete, Step{Delete: &DeleteStep{}}.Action())
	assert.Equal(t, ActionSync, Step{Sync: []string{"a", "b"}}.Action())
	assert.Equal(t, "", Step{}.Action())
	assert.Equal(t, "", Step{Create: &CreateStep{}, Sync: []string{"a", "b"}}.Action())
}
