package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Site     string // Site the assertion looked at, if any
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Site != "" {
		fmt.Fprintf(&buf, " at %s", e.Site)
	}
	buf.WriteString("\n")

	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	return buf.String()
}

// EvaluateAssertions checks every assertion against the captured result and
// returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion) error {
	switch a.Type {
	case AssertEntity:
		return assertEntity(result.State[a.Site], a)
	case AssertAbsent:
		return assertAbsent(result.State[a.Site], a)
	case AssertCount:
		return assertCount(result.State[a.Site], a)
	case AssertConverged:
		return assertConverged(result.State, a)
	case AssertPending:
		if result.Pending != *a.Count {
			return &AssertionError{
				Type:     AssertPending,
				Expected: fmt.Sprintf("%d pending conflicts", *a.Count),
				Actual:   fmt.Sprintf("%d pending conflicts", result.Pending),
			}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func findEntity(entities []entity.Entity, id string) (entity.Entity, bool) {
	for _, e := range entities {
		if e.ID == id {
			return e, true
		}
	}
	return entity.Entity{}, false
}

// assertEntity checks status, version and a subset of data.
func assertEntity(entities []entity.Entity, a Assertion) error {
	e, found := findEntity(entities, a.ID)
	if !found {
		return &AssertionError{
			Type:     AssertEntity,
			Site:     a.Site,
			Expected: fmt.Sprintf("entity %s present", a.ID),
			Actual:   "not found",
		}
	}

	if a.Status != "" && e.Status != a.Status {
		return &AssertionError{
			Type:     AssertEntity,
			Site:     a.Site,
			Expected: fmt.Sprintf("%s status %q", a.ID, a.Status),
			Actual:   fmt.Sprintf("status %q", e.Status),
		}
	}

	if a.Version != 0 && e.Version != a.Version {
		return &AssertionError{
			Type:     AssertEntity,
			Site:     a.Site,
			Expected: fmt.Sprintf("%s version %d", a.ID, a.Version),
			Actual:   fmt.Sprintf("version %d", e.Version),
		}
	}

	if a.Data != nil {
		want, err := doc.ObjectFromMap(a.Data)
		if err != nil {
			return fmt.Errorf("assertion data: %w", err)
		}
		for _, key := range want.SortedKeys() {
			got, ok := e.Data[key]
			if !ok || !doc.Equal(got, want[key]) {
				return &AssertionError{
					Type:     AssertEntity,
					Site:     a.Site,
					Expected: fmt.Sprintf("%s data.%s = %s", a.ID, key, render(want[key])),
					Actual:   fmt.Sprintf("data.%s = %s", key, renderField(e.Data, key)),
				}
			}
		}
	}

	return nil
}

func assertAbsent(entities []entity.Entity, a Assertion) error {
	if e, found := findEntity(entities, a.ID); found {
		return &AssertionError{
			Type:     AssertAbsent,
			Site:     a.Site,
			Expected: fmt.Sprintf("entity %s absent", a.ID),
			Actual:   fmt.Sprintf("present at version %d", e.Version),
		}
	}
	return nil
}

func assertCount(entities []entity.Entity, a Assertion) error {
	if len(entities) != *a.Count {
		return &AssertionError{
			Type:     AssertCount,
			Site:     a.Site,
			Expected: fmt.Sprintf("%d entities", *a.Count),
			Actual:   fmt.Sprintf("%d entities %v", len(entities), entityIDs(entities)),
		}
	}
	return nil
}

// assertConverged compares every listed site with the first: the same ids,
// and for each id the same version and payload.
func assertConverged(state map[string][]entity.Entity, a Assertion) error {
	base := a.Sites[0]
	want := state[base]

	for _, site := range a.Sites[1:] {
		got := state[site]

		if !slices.Equal(entityIDs(want), entityIDs(got)) {
			return &AssertionError{
				Type:     AssertConverged,
				Site:     site,
				Expected: fmt.Sprintf("ids %v (as at %s)", entityIDs(want), base),
				Actual:   fmt.Sprintf("ids %v", entityIDs(got)),
			}
		}

		for _, w := range want {
			g, _ := findEntity(got, w.ID)
			if g.Version != w.Version || !entity.SamePayload(g, w) {
				return &AssertionError{
					Type:     AssertConverged,
					Site:     site,
					Expected: fmt.Sprintf("%s v%d %s (as at %s)", w.ID, w.Version, render(w.Payload()), base),
					Actual:   fmt.Sprintf("%s v%d %s", g.ID, g.Version, render(g.Payload())),
				}
			}
		}
	}
	return nil
}

func entityIDs(entities []entity.Entity) []string {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	sort.Strings(ids)
	return ids
}

func render(v doc.Value) string {
	b, err := doc.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func renderField(data doc.Object, key string) string {
	v, ok := data[key]
	if !ok {
		return "<missing>"
	}
	return render(v)
}
