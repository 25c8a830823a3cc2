package kernel

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/testutil"
)

func testValidator(t *testing.T) *Validator {
	t.Helper()
	reg, err := LoadFile(filepath.Join("testdata", "kernel.yaml"))
	require.NoError(t, err)
	return NewValidator(reg, WithClock(testutil.NewClock(testutil.Epoch, 0).Now))
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Voice Canvas", "voice-canvas"},
		{"  Login -- Flow  ", "login-flow"},
		{"snake_case_title", "snake-case-title"},
		{"Café Über Straße", "cafe-uber-strae"},
		{"Release v1.2.0!", "release-v120"},
		{"tab\tand\nnewline", "tab-and-newline"},
		{strings.Repeat("a", 49) + " b", strings.Repeat("a", 49)},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got, err := Slugify(tt.title)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), MaxSlugLength)
		})
	}
}

func TestSlugify_Empty(t *testing.T) {
	for _, title := range []string{"", "   ", "!!!", "日本語"} {
		_, err := Slugify(title)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, "title %q", title)
		assert.Equal(t, "title", ve.Field)
	}
}

func TestValidate(t *testing.T) {
	v := testValidator(t)

	valid := entity.Entity{ID: "feature-login", Type: "feature", Status: "planned"}
	require.NoError(t, v.Validate(valid))

	tests := []struct {
		name  string
		e     entity.Entity
		field string
	}{
		{"unknown type", entity.Entity{ID: "epic-x", Type: "epic", Status: "open"}, "type"},
		{"bad prefix", entity.Entity{ID: "task-x", Type: "feature", Status: "planned"}, "id"},
		{"bad status", entity.Entity{ID: "feature-x", Type: "feature", Status: "blocked"}, "status"},
		{"missing required", entity.Entity{ID: "learning-x", Type: "learning", Status: "documented"}, "data.insight"},
		{"blank required", entity.Entity{
			ID: "learning-x", Type: "learning", Status: "documented",
			Data: doc.Object{"insight": doc.String("")},
		}, "data.insight"},
		{"null required", entity.Entity{
			ID: "learning-x", Type: "learning", Status: "documented",
			Data: doc.Object{"insight": doc.Null{}},
		}, "data.insight"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.e)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	withInsight := entity.Entity{
		ID: "learning-x", Type: "learning", Status: "documented",
		Data: doc.Object{"insight": doc.String("cache invalidation is hard")},
	}
	assert.NoError(t, v.Validate(withInsight))
}

func TestValidateStatus(t *testing.T) {
	v := NewValidator(MustDefault())
	assert.NoError(t, v.ValidateStatus("task", "blocked"))
	assert.Error(t, v.ValidateStatus("task", "planned"))
	assert.Error(t, v.ValidateStatus("epic", "open"))
}

func TestNewEntity(t *testing.T) {
	v := testValidator(t)

	e, err := v.NewEntity("feature", "Voice Canvas", "", doc.Object{
		"description": doc.String("Draw with your voice"),
		"owner":       doc.String("ana"),
	})
	require.NoError(t, err)

	assert.Equal(t, "feature-voice-canvas", e.ID)
	assert.Equal(t, "planned", e.Status, "defaults to the first status")
	assert.Equal(t, "Voice Canvas", e.Name())
	assert.Equal(t, "Draw with your voice", e.Description())
	assert.Equal(t, doc.String("ana"), e.Data["owner"])
	assert.Equal(t, doc.String("2025-01-01T00:00:00Z"), e.Data["created"])
	assert.Equal(t, e.Data["created"], e.Data["updated"])
	assert.Equal(t, testutil.Epoch, e.CreatedAt)
	assert.Equal(t, int64(0), e.Version, "unsaved")
}

func TestNewEntity_Rejects(t *testing.T) {
	v := testValidator(t)

	_, err := v.NewEntity("epic", "Big Thing", "", nil)
	assert.Error(t, err)

	_, err = v.NewEntity("feature", "Login", "shipped", nil)
	assert.Error(t, err)

	_, err = v.NewEntity("feature", "???", "", nil)
	assert.Error(t, err)

	_, err = v.NewEntity("learning", "Caching", "", nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "data.insight", ve.Field)

	e, err := v.NewEntity("learning", "Caching", "mitigated", doc.Object{"insight": doc.String("ttl")})
	require.NoError(t, err)
	assert.Equal(t, "learning-caching", e.ID)
	assert.Equal(t, "mitigated", e.Status)
}

func TestValidationErrorMessage(t *testing.T) {
	assert.Equal(t, "feature-x: status: bad", (&ValidationError{EntityID: "feature-x", Field: "status", Message: "bad"}).Error())
	assert.Equal(t, "title: bad", (&ValidationError{Field: "title", Message: "bad"}).Error())
	assert.Equal(t, "bad", (&ValidationError{Message: "bad"}).Error())
}
