// Package kernel holds the entity type registry and the validator that
// enforces it before anything reaches the store.
//
// The registry is the closed set of entity types, the statuses each type
// may take and the data fields each type requires. The default registry is
// embedded as CUE; alternatives can be loaded from CUE or YAML files.
package kernel

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed kernel.cue
var defaultKernel []byte

// typeNamePattern excludes "-" so an id's type prefix is unambiguous.
var typeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// TypeSpec describes one entity type.
type TypeSpec struct {
	Name        string   `yaml:"-" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Statuses    []string `yaml:"statuses" json:"statuses"`
	// AdditionalRequired lists data fields that must be present and non-empty.
	AdditionalRequired []string `yaml:"additional_required,omitempty" json:"additional_required,omitempty"`
}

// DefaultStatus is the first listed status.
func (t TypeSpec) DefaultStatus() string {
	if len(t.Statuses) == 0 {
		return ""
	}
	return t.Statuses[0]
}

// AllowsStatus reports whether status is listed for the type.
func (t TypeSpec) AllowsStatus(status string) bool {
	for _, s := range t.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (t TypeSpec) clone() TypeSpec {
	t.Statuses = append([]string(nil), t.Statuses...)
	t.AdditionalRequired = append([]string(nil), t.AdditionalRequired...)
	return t
}

// Registry is an immutable set of entity types.
type Registry struct {
	types map[string]TypeSpec
}

// LoadError reports a registry that could not be read or is malformed.
type LoadError struct {
	Source  string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

// Default returns the embedded registry.
func Default() (*Registry, error) {
	return LoadCUE(defaultKernel, "kernel.cue")
}

// MustDefault is Default for package initialization and tests.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// LoadFile reads a registry from path, choosing the format by extension:
// .cue, or .yaml/.yml/.json (JSON is read as YAML).
func LoadFile(path string) (*Registry, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Source: path, Message: err.Error()}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return LoadCUE(src, path)
	case ".yaml", ".yml", ".json":
		return LoadYAML(src, path)
	}
	return nil, &LoadError{Source: path, Message: "unsupported kernel format (want .cue, .yaml, .yml or .json)"}
}

// LoadCUE compiles src and reads its top-level "types" struct.
func LoadCUE(src []byte, filename string) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, cueLoadError(filename, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(filename, err)
	}

	typesVal := v.LookupPath(cue.ParsePath("types"))
	if !typesVal.Exists() {
		return nil, &LoadError{Source: filename, Message: "types is required", Pos: v.Pos()}
	}

	iter, err := typesVal.Fields()
	if err != nil {
		return nil, cueLoadError(filename, err)
	}

	specs := make(map[string]TypeSpec)
	for iter.Next() {
		name := iter.Label()
		spec, err := parseCUEType(filename, iter.Value())
		if err != nil {
			return nil, err
		}
		specs[name] = spec
	}
	return newRegistry(filename, specs)
}

func parseCUEType(filename string, v cue.Value) (TypeSpec, error) {
	var spec TypeSpec

	if d := v.LookupPath(cue.ParsePath("description")); d.Exists() {
		s, err := d.String()
		if err != nil {
			return spec, cueLoadError(filename, err)
		}
		spec.Description = s
	}

	statuses, err := cueStrings(filename, v.LookupPath(cue.ParsePath("statuses")))
	if err != nil {
		return spec, err
	}
	spec.Statuses = statuses

	required, err := cueStrings(filename, v.LookupPath(cue.ParsePath("additional_required")))
	if err != nil {
		return spec, err
	}
	spec.AdditionalRequired = required
	return spec, nil
}

// cueStrings reads an optional list of strings.
func cueStrings(filename string, v cue.Value) ([]string, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.List()
	if err != nil {
		return nil, cueLoadError(filename, err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, cueLoadError(filename, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// cueLoadError keeps the position of the first CUE error.
func cueLoadError(source string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Source: source, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Source: source, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}

// LoadYAML reads a registry in the entity.yaml layout:
//
//	types:
//	  feature:
//	    statuses: [planned, in_progress]
//	    additional_required: [owner]
func LoadYAML(src []byte, source string) (*Registry, error) {
	var doc struct {
		Types map[string]TypeSpec `yaml:"types"`
	}
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, &LoadError{Source: source, Message: err.Error()}
	}
	if doc.Types == nil {
		return nil, &LoadError{Source: source, Message: "types is required"}
	}
	return newRegistry(source, doc.Types)
}

func newRegistry(source string, specs map[string]TypeSpec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, &LoadError{Source: source, Message: "at least one type is required"}
	}

	types := make(map[string]TypeSpec, len(specs))
	for name, spec := range specs {
		if !typeNamePattern.MatchString(name) {
			return nil, &LoadError{Source: source, Message: fmt.Sprintf("type %q: name must match %s", name, typeNamePattern)}
		}
		if len(spec.Statuses) == 0 {
			return nil, &LoadError{Source: source, Message: fmt.Sprintf("type %q: at least one status is required", name)}
		}
		seen := make(map[string]bool, len(spec.Statuses))
		for _, s := range spec.Statuses {
			if s == "" {
				return nil, &LoadError{Source: source, Message: fmt.Sprintf("type %q: empty status", name)}
			}
			if seen[s] {
				return nil, &LoadError{Source: source, Message: fmt.Sprintf("type %q: duplicate status %q", name, s)}
			}
			seen[s] = true
		}
		spec.Name = name
		types[name] = spec.clone()
	}
	return &Registry{types: types}, nil
}

// Types returns the type names, sorted.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a copy of the spec for typ.
func (r *Registry) Lookup(typ string) (TypeSpec, bool) {
	spec, ok := r.types[typ]
	if !ok {
		return TypeSpec{}, false
	}
	return spec.clone(), true
}

// Specs returns every type spec sorted by name.
func (r *Registry) Specs() []TypeSpec {
	out := make([]TypeSpec, 0, len(r.types))
	for _, name := range r.Types() {
		out = append(out, r.types[name].clone())
	}
	return out
}

// AllStatuses returns the union of every type's statuses, sorted.
func (r *Registry) AllStatuses() []string {
	set := make(map[string]struct{})
	for _, spec := range r.types {
		for _, s := range spec.Statuses {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
