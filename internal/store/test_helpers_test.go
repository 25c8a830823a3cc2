package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/testutil"
)

// createTestStore creates a new store in a temp dir with a deterministic clock.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	return openTestStore(t, path, opts...)
}

func openTestStore(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	base := []Option{
		WithClock(testutil.NewClock(testutil.Epoch, 0)),
		WithLogger(discardLogger()),
	}
	s, err := Open(path, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntity creates an entity with minimal required fields.
func createTestEntity(id, typ, status string, pairs ...doc.Pair) entity.Entity {
	return entity.Entity{
		ID:     id,
		Type:   typ,
		Status: status,
		Data:   doc.NewObject(pairs...),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
