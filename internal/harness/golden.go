package harness

import (
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/chora/internal/doc"
)

// Snapshot is the deterministic part of a scenario result: the trace, each
// site's final entities and the number of pending conflicts. Timestamps are
// left out; versions and payloads are what sync has to agree on.
func Snapshot(scenarioName string, result *Result) doc.Object {
	trace := make(doc.Array, len(result.Trace))
	for i, ev := range result.Trace {
		trace[i] = ev.toDoc()
	}

	sites := make([]string, 0, len(result.State))
	for site := range result.State {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	state := doc.Object{}
	for _, site := range sites {
		entities := make(doc.Array, len(result.State[site]))
		for i, e := range result.State[site] {
			payload := e.Payload()
			payload["version"] = doc.Int(e.Version)
			entities[i] = payload
		}
		state[site] = entities
	}

	return doc.Object{
		"scenario": doc.String(scenarioName),
		"trace":    trace,
		"sites":    state,
		"pending":  doc.Int(result.Pending),
	}
}

// MarshalSnapshot renders Snapshot as canonical JSON with a trailing newline.
func MarshalSnapshot(scenarioName string, result *Result) ([]byte, error) {
	b, err := doc.MarshalCanonical(Snapshot(scenarioName, result))
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// RunWithGolden executes a scenario and compares its snapshot against the
// golden file {goldenDir}/{scenario.Name}.golden. Scenario directories keep
// their golden files in a golden/ subdirectory, which is where `chora test`
// looks for them too.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario, goldenDir string) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	if err := AssertGolden(t, goldenDir, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against {goldenDir}/{name}.golden
// without re-running the scenario.
func AssertGolden(t *testing.T, goldenDir, scenarioName string, result *Result) error {
	t.Helper()

	snapshot, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(goldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snapshot)

	return nil
}
