package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/store"
	"github.com/roach88/chora/internal/tracker"
)

// EntityStore is the repository a Replica writes to. *store.Store implements it.
//
// The plain methods are used for projection, which is never recorded. The
// With variants run a hook inside the write transaction; Replica uses them
// to record local writes atomically.
type EntityStore interface {
	Create(ctx context.Context, e entity.Entity) (entity.Entity, error)
	CreateWith(ctx context.Context, e entity.Entity, hook store.TxHook) (entity.Entity, error)
	Read(ctx context.Context, id string) (entity.Entity, bool, error)
	Update(ctx context.Context, e entity.Entity) (entity.Entity, error)
	UpdateWith(ctx context.Context, e entity.Entity, hook store.TxHook) (entity.Entity, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteWith(ctx context.Context, id string, hook store.TxHook) (bool, error)
	List(ctx context.Context, f entity.Filter, limit, offset int) ([]entity.Entity, error)
}

// Tracker is the change ledger a Replica records into. *tracker.Tracker implements it.
//
// The ledger must live in the same database as the store so RecordChangeTx
// can join the store's write transaction.
type Tracker interface {
	SiteID() string
	RecordChangeTx(ctx context.Context, tx *sql.Tx, entityID string, op tracker.Op, table string, value []byte) (tracker.Change, error)
	ChangesSince(ctx context.Context, since int64) ([]tracker.Change, error)
	CurrentVersion(ctx context.Context) (int64, error)
	SiteVersion(ctx context.Context, remote string) (int64, error)
	UpdateSiteVersion(ctx context.Context, remote string, version int64) error
	ApplyRemoteChange(ctx context.Context, c tracker.Change) (bool, error)
	HasChange(ctx context.Context, changeID string) (bool, error)
}

// Revoker is implemented by trackers that can forget a received change whose
// projection failed, so the next sync delivers it again.
type Revoker interface {
	RevokeChange(ctx context.Context, changeID string) error
}

var (
	_ EntityStore = (*store.Store)(nil)
	_ Tracker     = (*tracker.Tracker)(nil)
	_ Revoker     = (*tracker.Tracker)(nil)
)

// Replica is one syncable site: an entity store plus the ledger that records
// every local mutation made through it.
//
// Writes made directly on Store bypass the ledger and never reach peers.
type Replica struct {
	Store   EntityStore
	Tracker Tracker
}

// NewReplica pairs a store with its tracker.
func NewReplica(st EntityStore, tr Tracker) *Replica {
	return &Replica{Store: st, Tracker: tr}
}

// SiteID returns the tracker's site id.
func (r *Replica) SiteID() string {
	return r.Tracker.SiteID()
}

// Create stores e and records an INSERT carrying the created entity.
// The row and the ledger entry commit together or not at all.
func (r *Replica) Create(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	return r.Store.CreateWith(ctx, e, r.recorder(tracker.OpInsert))
}

// Read passes through to the store.
func (r *Replica) Read(ctx context.Context, id string) (entity.Entity, bool, error) {
	return r.Store.Read(ctx, id)
}

// Update stores e and records an UPDATE carrying the new version, in one
// transaction.
func (r *Replica) Update(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	return r.Store.UpdateWith(ctx, e, r.recorder(tracker.OpUpdate))
}

// Delete removes id and records a DELETE carrying the entity as it was read
// inside the deleting transaction. Returns false, and records nothing, when
// id does not exist.
func (r *Replica) Delete(ctx context.Context, id string) (bool, error) {
	return r.Store.DeleteWith(ctx, id, r.recorder(tracker.OpDelete))
}

// List passes through to the store.
func (r *Replica) List(ctx context.Context, f entity.Filter, limit, offset int) ([]entity.Entity, error) {
	return r.Store.List(ctx, f, limit, offset)
}

// PendingChanges returns ledger entries after since, from any site.
func (r *Replica) PendingChanges(ctx context.Context, since int64) ([]tracker.Change, error) {
	return r.Tracker.ChangesSince(ctx, since)
}

// CurrentVersion returns the ledger head.
func (r *Replica) CurrentVersion(ctx context.Context) (int64, error) {
	return r.Tracker.CurrentVersion(ctx)
}

// recorder returns a hook that writes the ledger entry for op inside the
// store's transaction.
func (r *Replica) recorder(op tracker.Op) store.TxHook {
	return func(ctx context.Context, tx *sql.Tx, e entity.Entity) error {
		value, err := encodeSnapshot(e)
		if err != nil {
			return fmt.Errorf("record %s %s: %w", op, e.ID, err)
		}
		if _, err := r.Tracker.RecordChangeTx(ctx, tx, e.ID, op, tracker.EntitiesTable, value); err != nil {
			return fmt.Errorf("record %s %s: %w", op, e.ID, err)
		}
		return nil
	}
}

func encodeSnapshot(e entity.Entity) ([]byte, error) {
	return json.Marshal(e)
}

func decodeSnapshot(c tracker.Change) (entity.Entity, error) {
	var e entity.Entity
	if err := json.Unmarshal(c.Value, &e); err != nil {
		return entity.Entity{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if e.ID != c.EntityID {
		return entity.Entity{}, fmt.Errorf("snapshot id %q does not match change entity %q", e.ID, c.EntityID)
	}
	return e, nil
}
