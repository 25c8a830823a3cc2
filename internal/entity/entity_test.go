package entity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chora/internal/doc"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		entity  Entity
		wantErr bool
	}{
		{"valid", Entity{ID: "feature-login", Type: "feature", Status: "planned"}, false},
		{"missing id", Entity{Type: "feature", Status: "planned"}, true},
		{"missing type", Entity{ID: "feature-login", Status: "planned"}, true},
		{"missing status", Entity{ID: "feature-login", Type: "feature"}, true},
		{"wrong prefix", Entity{ID: "task-login", Type: "feature", Status: "planned"}, true},
		{"empty slug", Entity{ID: "feature-", Type: "feature", Status: "planned"}, true},
		{"type without dash", Entity{ID: "featurelogin", Type: "feature", Status: "planned"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entity.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsInvalid(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSamePayloadIgnoresBookkeeping(t *testing.T) {
	a := Entity{ID: "feature-x", Type: "feature", Status: "planned", Data: doc.Object{"name": doc.String("X")}, Version: 1}
	b := a.Clone()
	b.Version = 7

	assert.True(t, SamePayload(a, b))

	b.Data["name"] = doc.String("Y")
	assert.False(t, SamePayload(a, b))
	assert.Equal(t, "X", a.Name(), "clone must not share data")
}

func TestPayloadNilData(t *testing.T) {
	a := Entity{ID: "feature-x", Type: "feature", Status: "planned"}
	b := Entity{ID: "feature-x", Type: "feature", Status: "planned", Data: doc.Object{}}
	assert.True(t, SamePayload(a, b))
}

func TestErrorPredicates(t *testing.T) {
	conflict := NewVersionConflictError("feature-x", 1, 3)
	wrapped := fmt.Errorf("update: %w", conflict)

	assert.True(t, IsVersionConflict(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.True(t, IsRetryable(wrapped))

	current, ok := CurrentVersion(wrapped)
	require.True(t, ok)
	assert.Equal(t, int64(3), current)
	assert.Contains(t, wrapped.Error(), "expected=1, current=3")

	notFound := NewNotFoundError("feature-x")
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsRetryable(notFound))
	_, ok = CurrentVersion(notFound)
	assert.False(t, ok)

	cause := fmt.Errorf("database is locked")
	busy := NewBusyError("feature-x", cause)
	assert.True(t, IsBusy(busy))
	assert.ErrorIs(t, busy, cause)
}

func TestChangeKindValid(t *testing.T) {
	assert.True(t, ChangeCreate.Valid())
	assert.True(t, ChangeDelete.Valid())
	assert.False(t, ChangeKind("upsert").Valid())
}
