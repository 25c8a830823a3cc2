package tracker

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chora/internal/testutil"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestTracker(t *testing.T, db *sql.DB, site string) *Tracker {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch, 0)
	tr, err := New(context.Background(), db,
		WithSiteID(site),
		WithIDGenerator(testutil.NewSequentialIDs(site).Next),
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return tr
}

func TestNew_GeneratesAndPersistsSiteID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := New(ctx, db)
	require.NoError(t, err)
	require.NotEmpty(t, first.SiteID())

	second, err := New(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, first.SiteID(), second.SiteID(), "site id must be stable across opens")

	pinned, err := New(ctx, db, WithSiteID("laptop"))
	require.NoError(t, err)
	assert.Equal(t, "laptop", pinned.SiteID())

	reopened, err := New(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "laptop", reopened.SiteID())
}

func TestRecordChange_AssignsIncreasingVersions(t *testing.T) {
	tr := newTestTracker(t, openTestDB(t), "a")
	ctx := context.Background()

	c1, err := tr.RecordChange(ctx, "feature-x", OpInsert, EntitiesTable, []byte(`{"id":"feature-x"}`))
	require.NoError(t, err)
	c2, err := tr.RecordChange(ctx, "feature-x", OpUpdate, EntitiesTable, []byte(`{"id":"feature-x"}`))
	require.NoError(t, err)

	assert.Equal(t, "a-0001", c1.ID)
	assert.Equal(t, "a", c1.SiteID)
	assert.Equal(t, int64(1), c1.Version)
	assert.Equal(t, int64(2), c2.Version)
	assert.Equal(t, testutil.Epoch, c1.RecordedAt)

	head, err := tr.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)

	changes, err := tr.ChangesSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, c2, changes[0])
}

func TestRecordChange_RejectsUnknownOp(t *testing.T) {
	tr := newTestTracker(t, openTestDB(t), "a")

	_, err := tr.RecordChange(context.Background(), "feature-x", Op("UPSERT"), EntitiesTable, nil)
	require.Error(t, err)
}

func TestRecordChangeTx_FollowsTransaction(t *testing.T) {
	db := openTestDB(t)
	tr := newTestTracker(t, db, "a")
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tr.RecordChangeTx(ctx, tx, "task-1", OpInsert, EntitiesTable, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	head, err := tr.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head, "rolled back change is gone")

	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	c, err := tr.RecordChangeTx(ctx, tx, "task-1", OpInsert, EntitiesTable, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	changes, err := tr.ChangesSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, c.ID, changes[0].ID)
}

func TestHasChange(t *testing.T) {
	ctx := context.Background()
	a := newTestTracker(t, openTestDB(t), "a")
	b := newTestTracker(t, openTestDB(t), "b")

	c, err := a.RecordChange(ctx, "task-1", OpInsert, EntitiesTable, []byte(`{}`))
	require.NoError(t, err)

	ok, err := a.HasChange(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.HasChange(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.ApplyRemoteChange(ctx, c)
	require.NoError(t, err)
	ok, err = b.HasChange(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.RevokeChange(ctx, c.ID))
	ok, err = b.HasChange(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyRemoteChange_Idempotent(t *testing.T) {
	ctx := context.Background()
	a := newTestTracker(t, openTestDB(t), "a")
	b := newTestTracker(t, openTestDB(t), "b")

	c, err := a.RecordChange(ctx, "task-1", OpInsert, EntitiesTable, []byte(`{}`))
	require.NoError(t, err)

	applied, err := b.ApplyRemoteChange(ctx, c)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = b.ApplyRemoteChange(ctx, c)
	require.NoError(t, err)
	assert.False(t, applied, "second apply is a no-op")

	changes, err := b.ChangesSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "a", changes[0].SiteID, "authoring site is preserved")
	assert.Equal(t, c.ID, changes[0].ID)
}

func TestApplyRemoteChange_Validation(t *testing.T) {
	tr := newTestTracker(t, openTestDB(t), "a")
	ctx := context.Background()

	_, err := tr.ApplyRemoteChange(ctx, Change{EntityID: "x", Op: OpInsert})
	require.Error(t, err)

	_, err = tr.ApplyRemoteChange(ctx, Change{ID: "c1", EntityID: "x", Op: "MERGE"})
	require.Error(t, err)
}

func TestRevokeChange_AllowsReapply(t *testing.T) {
	ctx := context.Background()
	a := newTestTracker(t, openTestDB(t), "a")
	b := newTestTracker(t, openTestDB(t), "b")

	c, err := a.RecordChange(ctx, "task-1", OpInsert, EntitiesTable, []byte(`{}`))
	require.NoError(t, err)

	_, err = b.ApplyRemoteChange(ctx, c)
	require.NoError(t, err)
	require.NoError(t, b.RevokeChange(ctx, c.ID))

	applied, err := b.ApplyRemoteChange(ctx, c)
	require.NoError(t, err)
	assert.True(t, applied)

	changes, err := b.ChangesSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, int64(2), changes[0].Version, "revoked versions are not reused")
}

func TestRevokeChange_IgnoresLocalChanges(t *testing.T) {
	ctx := context.Background()
	a := newTestTracker(t, openTestDB(t), "a")

	c, err := a.RecordChange(ctx, "task-1", OpInsert, EntitiesTable, nil)
	require.NoError(t, err)
	require.NoError(t, a.RevokeChange(ctx, c.ID))

	head, err := a.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

func TestSiteVersion_Monotonic(t *testing.T) {
	tr := newTestTracker(t, openTestDB(t), "a")
	ctx := context.Background()

	v, err := tr.SiteVersion(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	require.NoError(t, tr.UpdateSiteVersion(ctx, "b", 5))
	require.NoError(t, tr.UpdateSiteVersion(ctx, "b", 3))
	require.NoError(t, tr.UpdateSiteVersion(ctx, "c", 1))

	v, err = tr.SiteVersion(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	marks, err := tr.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"b": 5, "c": 1}, marks)
}

func TestChange_NilValueRoundTrips(t *testing.T) {
	tr := newTestTracker(t, openTestDB(t), "a")
	ctx := context.Background()

	_, err := tr.RecordChange(ctx, "task-1", OpDelete, EntitiesTable, nil)
	require.NoError(t, err)

	changes, err := tr.ChangesSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Nil(t, changes[0].Value)
}
