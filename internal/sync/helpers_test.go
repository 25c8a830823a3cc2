package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/chora/internal/conflict"
	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/store"
	"github.com/roach88/chora/internal/testutil"
	"github.com/roach88/chora/internal/tracker"
)


func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestReplica opens a store and tracker for site in a temp dir.
// Change ids are "{site}-0001", "{site}-0002", ...
func newTestReplica(t *testing.T, site string) *Replica {
	t.Helper()
	return newClockedReplica(t, site, testutil.NewClock(testutil.Epoch, 0))
}

// newClockedReplica is newTestReplica with the store reading from clock. Replicas
// sharing one clock get globally ordered updated_at values.
func newClockedReplica(t *testing.T, site string, clock *testutil.Clock) *Replica {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), site+".db"),
		store.WithClock(clock),
		store.WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr, err := tracker.New(ctx, st.DB(),
		tracker.WithSiteID(site),
		tracker.WithIDGenerator(testutil.NewSequentialIDs(site).Next),
		tracker.WithClock(testutil.NewClock(testutil.Epoch, 0).Now),
		tracker.WithLogger(discardLogger()),
	)
	require.NoError(t, err)

	return NewReplica(st, tr)
}

func newTestEngine(opts ...Option) *Engine {
	return New(append([]Option{WithLogger(discardLogger())}, opts...)...)
}

func feature(slug, status string, pairs ...doc.Pair) entity.Entity {
	return entity.Entity{
		ID:     "feature-" + slug,
		Type:   "feature",
		Status: status,
		Data:   doc.NewObject(pairs...),
	}
}

func mustCreate(t *testing.T, r *Replica, e entity.Entity) entity.Entity {
	t.Helper()
	created, err := r.Create(context.Background(), e)
	require.NoError(t, err)
	return created
}

func mustRead(t *testing.T, r *Replica, id string) entity.Entity {
	t.Helper()
	e, found, err := r.Read(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found, "%s not found at %s", id, r.SiteID())
	return e
}

// mustUpdate reads id, applies fn and writes it back through the replica.
func mustUpdate(t *testing.T, r *Replica, id string, fn func(*entity.Entity)) entity.Entity {
	t.Helper()
	e := mustRead(t, r, id)
	fn(&e)
	updated, err := r.Update(context.Background(), e)
	require.NoError(t, err)
	return updated
}

func newTestReconciler(resolver conflict.Resolver, q *conflict.Queue) *Reconciler {
	return NewReconciler(newTestEngine(), resolver, q)
}

func mustSync(t *testing.T, eng Syncer, a, b *Replica) Result {
	t.Helper()
	res, err := eng.SyncWith(context.Background(), a, b)
	require.NoError(t, err)
	return res
}

// flakyStore fails Create while failCreate is set.
type flakyStore struct {
	EntityStore
	failCreate bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) Create(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if f.failCreate {
		return entity.Entity{}, errDiskFull
	}
	return f.EntityStore.Create(ctx, e)
}
