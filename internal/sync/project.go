package sync

import (
	"context"
	"fmt"

	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/tracker"
)

// Outcome is what projecting one change did to the local store.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeDeleted Outcome = "deleted"
	// OutcomeSkipped: nothing to do (already present, absent, stale,
	// identical, or not an entity change).
	OutcomeSkipped Outcome = "skipped"
)

// Projection reports the effect of one projected change.
type Projection struct {
	Outcome Outcome
	Entity  entity.Entity
}

// Project applies one remote change to dst's store. The change is not
// recorded in dst's ledger; SyncWith does that before projecting.
//
//   - INSERT: skipped if the id exists, else created from the snapshot
//   - UPDATE: skipped if absent or not newer; otherwise the remote payload is
//     written at the local version
//
// Projection is version-ordered and never consults a resolver. Conflict
// policy runs above it, in Reconciler.
//   - DELETE: always forwarded; an absent id is not an error
func (e *Engine) Project(ctx context.Context, dst *Replica, c tracker.Change) (Projection, error) {
	if c.Table != "" && c.Table != tracker.EntitiesTable {
		return Projection{Outcome: OutcomeSkipped}, nil
	}

	switch c.Op {
	case tracker.OpInsert:
		return e.projectInsert(ctx, dst.Store, c)
	case tracker.OpUpdate:
		return e.projectUpdate(ctx, dst.Store, c)
	case tracker.OpDelete:
		deleted, err := dst.Store.Delete(ctx, c.EntityID)
		if err != nil {
			return Projection{}, fmt.Errorf("project delete %s: %w", c.EntityID, err)
		}
		if !deleted {
			return Projection{Outcome: OutcomeSkipped}, nil
		}
		return Projection{Outcome: OutcomeDeleted}, nil
	}
	return Projection{}, fmt.Errorf("project %s: unknown op %q", c.EntityID, c.Op)
}

func (e *Engine) projectInsert(ctx context.Context, st EntityStore, c tracker.Change) (Projection, error) {
	remote, err := decodeSnapshot(c)
	if err != nil {
		return Projection{}, fmt.Errorf("project insert %s: %w", c.EntityID, err)
	}

	if _, found, err := st.Read(ctx, remote.ID); err != nil {
		return Projection{}, fmt.Errorf("project insert %s: %w", c.EntityID, err)
	} else if found {
		return Projection{Outcome: OutcomeSkipped}, nil
	}

	created, err := st.Create(ctx, remote)
	if entity.IsAlreadyExists(err) {
		return Projection{Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return Projection{}, fmt.Errorf("project insert %s: %w", c.EntityID, err)
	}
	return Projection{Outcome: OutcomeCreated, Entity: created}, nil
}

func (e *Engine) projectUpdate(ctx context.Context, st EntityStore, c tracker.Change) (Projection, error) {
	remote, err := decodeSnapshot(c)
	if err != nil {
		return Projection{}, fmt.Errorf("project update %s: %w", c.EntityID, err)
	}

	local, found, err := st.Read(ctx, remote.ID)
	if err != nil {
		return Projection{}, fmt.Errorf("project update %s: %w", c.EntityID, err)
	}
	if !found || remote.Version <= local.Version {
		return Projection{Outcome: OutcomeSkipped, Entity: local}, nil
	}
	if entity.SamePayload(local, remote) {
		return Projection{Outcome: OutcomeSkipped, Entity: local}, nil
	}

	next := local.Clone()
	next.Status = remote.Status
	next.Data = remote.Data.Clone()
	updated, err := st.Update(ctx, next)
	if err != nil {
		return Projection{}, fmt.Errorf("project update %s: %w", c.EntityID, err)
	}
	return Projection{Outcome: OutcomeUpdated, Entity: updated}, nil
}
