package kernel

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
)

// MaxSlugLength bounds the slug part of generated ids.
const MaxSlugLength = 50

// ValidationError is a semantic rule violation found by the Validator.
// The store never returns it.
type ValidationError struct {
	EntityID string
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	switch {
	case e.EntityID != "" && e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.EntityID, e.Field, e.Message)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	case e.EntityID != "":
		return fmt.Sprintf("%s: %s", e.EntityID, e.Message)
	}
	return e.Message
}

// Validator enforces a Registry.
type Validator struct {
	registry *Registry
	now      func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithClock sets the time source used for data.created and data.updated.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a Validator for reg.
func NewValidator(reg *Registry, opts ...ValidatorOption) *Validator {
	v := &Validator{registry: reg, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Registry returns the registry being enforced.
func (v *Validator) Registry() *Registry {
	return v.registry
}

// Validate checks type, id prefix, status and required data fields.
func (v *Validator) Validate(e entity.Entity) error {
	spec, err := v.lookup(e.ID, e.Type)
	if err != nil {
		return err
	}
	if !entity.HasTypePrefix(e.ID, e.Type) {
		return &ValidationError{EntityID: e.ID, Field: "id", Message: fmt.Sprintf("must start with %q", e.Type+"-")}
	}
	if err := checkStatus(e.ID, spec, e.Status); err != nil {
		return err
	}
	for _, field := range spec.AdditionalRequired {
		if isBlank(e.Data[field]) {
			return &ValidationError{
				EntityID: e.ID,
				Field:    "data." + field,
				Message:  fmt.Sprintf("required for %s", e.Type),
			}
		}
	}
	return nil
}

// ValidateStatus checks status against typ's allowed statuses.
func (v *Validator) ValidateStatus(typ, status string) error {
	spec, err := v.lookup("", typ)
	if err != nil {
		return err
	}
	return checkStatus("", spec, status)
}

// NewEntity builds a valid, unsaved entity from a title.
//
// The id is "{type}-{slug(title)}". An empty status picks the type's
// default. Data holds name, description, created and updated, then fields
// on top.
func (v *Validator) NewEntity(typ, title, status string, fields doc.Object) (entity.Entity, error) {
	spec, err := v.lookup("", typ)
	if err != nil {
		return entity.Entity{}, err
	}

	slug, err := Slugify(title)
	if err != nil {
		return entity.Entity{}, err
	}
	if status == "" {
		status = spec.DefaultStatus()
	}

	now := v.now().UTC()
	stamp := doc.String(now.Format(time.RFC3339Nano))
	data := doc.Object{
		"name":        doc.String(title),
		"description": doc.String(""),
		"created":     stamp,
		"updated":     stamp,
	}
	for k, val := range fields {
		data[k] = doc.Clone(val)
	}

	e := entity.Entity{
		ID:        typ + "-" + slug,
		Type:      typ,
		Status:    status,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := v.Validate(e); err != nil {
		return entity.Entity{}, err
	}
	return e, nil
}

func (v *Validator) lookup(id, typ string) (TypeSpec, error) {
	spec, ok := v.registry.Lookup(typ)
	if !ok {
		return TypeSpec{}, &ValidationError{
			EntityID: id,
			Field:    "type",
			Message:  fmt.Sprintf("unknown type %q (valid: %s)", typ, strings.Join(v.registry.Types(), ", ")),
		}
	}
	return spec, nil
}

func checkStatus(id string, spec TypeSpec, status string) error {
	if spec.AllowsStatus(status) {
		return nil
	}
	return &ValidationError{
		EntityID: id,
		Field:    "status",
		Message:  fmt.Sprintf("invalid status %q for %s (valid: %s)", status, spec.Name, strings.Join(spec.Statuses, ", ")),
	}
}

// isBlank treats absent, null, "" and empty collections as missing.
func isBlank(v doc.Value) bool {
	switch t := v.(type) {
	case nil, doc.Null:
		return true
	case doc.String:
		return t == ""
	case doc.Array:
		return len(t) == 0
	case doc.Object:
		return len(t) == 0
	}
	return false
}

var (
	separatorRun = regexp.MustCompile(`[\s_]+`)
	nonSlug      = regexp.MustCompile(`[^a-z0-9-]`)
	hyphenRun    = regexp.MustCompile(`-+`)
)

// Slugify turns a title into the slug part of an id: lowercase ASCII
// letters, digits and single hyphens, at most MaxSlugLength long.
// Accents are folded ("Café" becomes "cafe"); other characters are dropped.
func Slugify(title string) (string, error) {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, title)
	if err != nil {
		return "", &ValidationError{Field: "title", Message: err.Error()}
	}

	slug := strings.ToLower(folded)
	slug = separatorRun.ReplaceAllString(slug, "-")
	slug = nonSlug.ReplaceAllString(slug, "")
	slug = hyphenRun.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > MaxSlugLength {
		slug = strings.TrimRight(slug[:MaxSlugLength], "-")
	}

	if slug == "" {
		return "", &ValidationError{
			Field:   "title",
			Message: fmt.Sprintf("%q produces an empty slug; it must contain letters or digits", title),
		}
	}
	return slug, nil
}
