package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/chora/internal/conflict"
	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/tracker"
)

// maxRounds bounds the exchanges one Reconciler.SyncWith makes. The second
// round delivers resolution writes and acknowledges accepted changes.
const maxRounds = 2

// Syncer is implemented by Engine and Reconciler.
type Syncer interface {
	SyncWith(ctx context.Context, local, remote *Replica) (Result, error)
}

var (
	_ Syncer = (*Engine)(nil)
	_ Syncer = (*Reconciler)(nil)
)

// NewSyncer returns eng when resolver is nil and a Reconciler around eng
// otherwise.
func NewSyncer(eng *Engine, resolver conflict.Resolver, q *conflict.Queue) Syncer {
	if resolver == nil {
		return eng
	}
	return NewReconciler(eng, resolver, q)
}

// Reconciler settles conflicts the engine detects with a conflict.Resolver.
//
// The engine holds conflicting changes back. For each one the resolver is
// asked once:
//
//   - REMOTE_WINS or SKIPPED: the held changes are accepted as they are
//   - LOCAL_WINS or MERGED: the held changes are accepted, then the resolved
//     payload is written through the replica, so it is recorded in the ledger
//     and reaches the peer at a higher version than the remote
//   - DEFERRED: nothing is applied and the conflict is queued; the next sync
//     delivers the changes again and they are detected again
type Reconciler struct {
	engine   *Engine
	resolver conflict.Resolver
	queue    *conflict.Queue
	logger   *slog.Logger
}

// NewReconciler wraps a copy of eng with resolver. Deferred conflicts go to
// q, which may be nil.
func NewReconciler(eng *Engine, resolver conflict.Resolver, q *conflict.Queue) *Reconciler {
	held := *eng
	held.hold = true
	return &Reconciler{
		engine:   &held,
		resolver: resolver,
		queue:    q,
		logger:   eng.logger,
	}
}

// SyncWith runs Engine.SyncWith and settles every held conflict. When a
// conflict was settled it runs one more exchange so the outcome reaches the
// peer in the same call.
func (r *Reconciler) SyncWith(ctx context.Context, local, remote *Replica) (Result, error) {
	var total Result

	for round := 1; round <= maxRounds; round++ {
		res, err := r.engine.SyncWith(ctx, local, remote)
		total.add(res)
		if err != nil {
			return total, err
		}

		settled := 0
		for _, h := range res.Held {
			dst := local
			if h.Site == remote.SiteID() {
				dst = remote
			}
			out := r.settle(ctx, dst, h)
			if h.Site == local.SiteID() {
				total.ChangesReceived += out.ChangesReceived
			} else {
				total.ChangesSent += out.ChangesReceived
			}
			total.ConflictsResolved += out.ConflictsResolved
			total.Deferred += out.Deferred
			total.Errors = append(total.Errors, out.Errors...)
			settled += out.ConflictsResolved
		}
		if settled == 0 {
			break
		}
	}
	return total, nil
}

// settle resolves one held conflict on dst. ChangesReceived in the returned
// Result counts the held changes applied.
func (r *Reconciler) settle(ctx context.Context, dst *Replica, h Hold) Result {
	res := r.resolver.Resolve(h.Conflict)

	r.logger.Debug("conflict resolved",
		"site", h.Site,
		"entity_id", h.Conflict.EntityID,
		"local_version", h.Conflict.LocalVersion,
		"remote_version", h.Conflict.RemoteVersion,
		"resolution", res.Resolution,
		"message", res.Message,
	)

	if res.Resolution == conflict.Deferred {
		if r.queue != nil {
			r.queue.Add(h.Conflict)
		}
		return Result{Deferred: 1}
	}

	out := r.engine.Accept(ctx, dst, h)
	if !out.Success() {
		// The held changes are revoked again and stay unacknowledged.
		return out
	}
	out.ConflictsResolved = 1

	if res.Resolution != conflict.LocalWins && res.Resolution != conflict.Merged {
		return out
	}
	if err := r.write(ctx, dst, h.Conflict.EntityID, res); err != nil {
		last := h.Changes[len(h.Changes)-1]
		out.Errors = append(out.Errors, &ChangeError{
			ChangeID: last.ID,
			EntityID: last.EntityID,
			Op:       tracker.OpUpdate,
			Site:     h.Site,
			Err:      err,
		})
	}
	return out
}

// write records the resolved payload on dst as a local edit.
func (r *Reconciler) write(ctx context.Context, dst *Replica, id string, res conflict.Result) error {
	current, found, err := dst.Read(ctx, id)
	if err != nil {
		return fmt.Errorf("read %s: %w", id, err)
	}
	if !found {
		return nil
	}

	next, err := conflict.ApplyPayload(current, res.Data)
	if err != nil {
		return err
	}
	if entity.SamePayload(current, next) {
		return nil
	}
	if _, err := dst.Update(ctx, next); err != nil {
		return fmt.Errorf("write %s for %s: %w", res.Resolution, id, err)
	}
	return nil
}
