package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a multi-site sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Sites lists the site ids. Each gets its own store and ledger.
	Sites []string `yaml:"sites"`

	// Resolver names the conflict resolver (see conflict.ByName).
	// Empty or none means newer remote versions are written as they arrive.
	Resolver string `yaml:"resolver,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions check the final state after all steps.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action at a site, or a sync between two sites.
// Exactly one of Create, Update, Delete and Sync is set.
type Step struct {
	// Site is where Create, Update and Delete run.
	Site string `yaml:"site,omitempty"`

	Create *CreateStep `yaml:"create,omitempty"`
	Update *UpdateStep `yaml:"update,omitempty"`
	Delete *DeleteStep `yaml:"delete,omitempty"`

	// Sync is the [local, remote] pair to sync.
	Sync []string `yaml:"sync,omitempty"`

	// Expect checks the step's outcome. If nil the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// CreateStep creates an entity. ID defaults to the type plus the slug of
// Title; Status defaults to the type's first status. A non-empty Title is
// stored as data.name unless Data sets it.
type CreateStep struct {
	ID     string         `yaml:"id,omitempty"`
	Type   string         `yaml:"type"`
	Title  string         `yaml:"title,omitempty"`
	Status string         `yaml:"status,omitempty"`
	Data   map[string]any `yaml:"data,omitempty"`
}

// UpdateStep changes an entity. Data keys are merged into the current data.
// Version, when set, is the expected current version; otherwise the
// version read at the site is used.
type UpdateStep struct {
	ID      string         `yaml:"id"`
	Version int64          `yaml:"version,omitempty"`
	Status  string         `yaml:"status,omitempty"`
	Data    map[string]any `yaml:"data,omitempty"`
}

// DeleteStep deletes an entity.
type DeleteStep struct {
	ID string `yaml:"id"`
}

// Expect specifies the expected outcome of a step. Unset fields are not checked.
type Expect struct {
	// Error is the expected error code: an entity error code such as
	// VERSION_CONFLICT, or VALIDATION for kernel rejections.
	Error string `yaml:"error,omitempty"`

	// Version is the expected resulting version for create and update.
	Version int64 `yaml:"version,omitempty"`

	// Deleted is the expected delete outcome.
	Deleted *bool `yaml:"deleted,omitempty"`

	// Sync counts.
	Sent      *int `yaml:"sent,omitempty"`
	Received  *int `yaml:"received,omitempty"`
	Conflicts *int `yaml:"conflicts,omitempty"`
	Deferred  *int `yaml:"deferred,omitempty"`
}

// Assertion checks final state.
type Assertion struct {
	// Type is one of entity, absent, count, converged, pending.
	Type string `yaml:"type"`

	// Site is the site checked by entity, absent and count.
	Site string `yaml:"site,omitempty"`

	// ID is the entity checked by entity and absent.
	ID string `yaml:"id,omitempty"`

	// Status, Version and Data are matched by entity. Data is a subset match.
	Status  string         `yaml:"status,omitempty"`
	Version int64          `yaml:"version,omitempty"`
	Data    map[string]any `yaml:"data,omitempty"`

	// Sites are compared by converged.
	Sites []string `yaml:"sites,omitempty"`

	// Count is the expected number for count and pending.
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertEntity    = "entity"
	AssertAbsent    = "absent"
	AssertCount     = "count"
	AssertConverged = "converged"
	AssertPending   = "pending"
)

// Step actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionSync   = "sync"
)

// Action returns which action the step performs, or "" if none or several are set.
func (s Step) Action() string {
	var actions []string
	if s.Create != nil {
		actions = append(actions, ActionCreate)
	}
	if s.Update != nil {
		actions = append(actions, ActionUpdate)
	}
	if s.Delete != nil {
		actions = append(actions, ActionDelete)
	}
	if s.Sync != nil {
		actions = append(actions, ActionSync)
	}
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// site a step or assertion names is declared.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Sites) == 0 {
		return fmt.Errorf("sites list is required and must be non-empty")
	}

	declared := make(map[string]bool, len(s.Sites))
	for i, site := range s.Sites {
		if site == "" {
			return fmt.Errorf("sites[%d]: empty site id", i)
		}
		if declared[site] {
			return fmt.Errorf("sites[%d]: duplicate site %q", i, site)
		}
		declared[site] = true
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, declared); err != nil {
			return err
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, declared); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step *Step, declared map[string]bool) error {
	action := step.Action()
	if action == "" {
		return fmt.Errorf("steps[%d]: exactly one of create, update, delete or sync is required", index)
	}

	if action == ActionSync {
		if len(step.Sync) != 2 {
			return fmt.Errorf("steps[%d]: sync needs exactly two sites", index)
		}
		for _, site := range step.Sync {
			if !declared[site] {
				return fmt.Errorf("steps[%d]: unknown site %q", index, site)
			}
		}
		if step.Sync[0] == step.Sync[1] {
			return fmt.Errorf("steps[%d]: cannot sync site %q with itself", index, step.Sync[0])
		}
		return nil
	}

	if !declared[step.Site] {
		return fmt.Errorf("steps[%d]: unknown site %q", index, step.Site)
	}

	switch action {
	case ActionCreate:
		if step.Create.Type == "" {
			return fmt.Errorf("steps[%d]: create.type is required", index)
		}
		if step.Create.ID == "" && step.Create.Title == "" {
			return fmt.Errorf("steps[%d]: create needs an id or a title", index)
		}
	case ActionUpdate:
		if step.Update.ID == "" {
			return fmt.Errorf("steps[%d]: update.id is required", index)
		}
	case ActionDelete:
		if step.Delete.ID == "" {
			return fmt.Errorf("steps[%d]: delete.id is required", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, declared map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEntity, AssertAbsent:
		if !declared[a.Site] {
			return fmt.Errorf("assertions[%d]: unknown site %q", index, a.Site)
		}
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
	case AssertCount:
		if !declared[a.Site] {
			return fmt.Errorf("assertions[%d]: unknown site %q", index, a.Site)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for count", index)
		}
	case AssertConverged:
		if len(a.Sites) < 2 {
			return fmt.Errorf("assertions[%d]: converged needs at least two sites", index)
		}
		for _, site := range a.Sites {
			if !declared[site] {
				return fmt.Errorf("assertions[%d]: unknown site %q", index, site)
			}
		}
	case AssertPending:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for pending", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
