// Package sync exchanges ledger changes between two replicas and projects
// them onto each side's entity store.
//
// The engine owns no persistent state. Each SyncWith call borrows both
// replicas for its duration; concurrent calls on the same pair must be
// serialized by the caller.
//
// Engine is the mechanism: its only policy is version-ordered projection.
// Reconciler layers a conflict.Resolver on top of it.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/chora/internal/conflict"
	"github.com/roach88/chora/internal/tracker"
)

// Result summarizes one sync call.
//
// ChangesSent and ChangesReceived count changes newly applied on the
// receiving side; re-delivered changes already in its ledger are not counted.
// ConflictsResolved and Deferred are filled in by Reconciler.
type Result struct {
	ChangesSent       int     `json:"changes_sent"`
	ChangesReceived   int     `json:"changes_received"`
	ConflictsResolved int     `json:"conflicts_resolved"`
	Deferred          int     `json:"deferred"`
	Errors            []error `json:"-"`
	// Held lists conflicting changes the engine left unapplied. Only an
	// engine owned by a Reconciler holds changes.
	Held []Hold `json:"-"`
}

// Success reports whether every change was applied.
func (r Result) Success() bool {
	return len(r.Errors) == 0
}

func (r *Result) add(o Result) {
	r.ChangesSent += o.ChangesSent
	r.ChangesReceived += o.ChangesReceived
	r.ConflictsResolved += o.ConflictsResolved
	r.Deferred += o.Deferred
	r.Errors = append(r.Errors, o.Errors...)
}

// Hold is a remote UPDATE that conflicts with the local entity, plus any
// later changes to the same entity from the same batch. None of them are in
// the receiving ledger and the sender's watermark stays below the first one,
// so until they are accepted every sync delivers them again.
type Hold struct {
	// Site received the changes; From sent them.
	Site     string
	From     string
	Conflict conflict.Conflict
	Changes  []tracker.Change
}

// Engine runs sync between replicas.
type Engine struct {
	logger *slog.Logger
	// hold makes applyBatch hold back conflicting updates instead of
	// projecting them.
	hold bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// SyncWith exchanges changes between local and remote in both directions.
//
// Steps:
//  1. capture both ledger heads and both watermarks
//  2. collect each side's changes above its watermark, dropping changes the
//     other side authored
//  3. apply remote's changes on local, then local's on remote
//  4. advance each watermark to the captured head, or to just before the
//     first change the peer failed to apply or held back
//
// Per-change failures are collected in Result.Errors and do not stop the
// batch. Ledger read failures and watermark writes return an *Error.
func (e *Engine) SyncWith(ctx context.Context, local, remote *Replica) (Result, error) {
	var res Result

	localSite, remoteSite := local.SiteID(), remote.SiteID()
	if localSite == remoteSite {
		return res, &Error{Op: "handshake", Site: localSite, Err: errors.New("both replicas have the same site id")}
	}

	localHead, err := local.Tracker.CurrentVersion(ctx)
	if err != nil {
		return res, &Error{Op: "head", Site: localSite, Err: err}
	}
	remoteHead, err := remote.Tracker.CurrentVersion(ctx)
	if err != nil {
		return res, &Error{Op: "head", Site: remoteSite, Err: err}
	}

	toSend, err := outgoing(ctx, local, remoteSite, localHead)
	if err != nil {
		return res, err
	}
	toReceive, err := outgoing(ctx, remote, localSite, remoteHead)
	if err != nil {
		return res, err
	}

	e.logger.Debug("sync started",
		"local_site", localSite,
		"remote_site", remoteSite,
		"to_send", len(toSend),
		"to_receive", len(toReceive),
	)

	received := e.applyBatch(ctx, local, remoteSite, toReceive)
	sent := e.applyBatch(ctx, remote, localSite, toSend)

	res.ChangesReceived = received.applied
	res.ChangesSent = sent.applied
	res.Errors = append(received.errs, sent.errs...)
	res.Held = append(received.held, sent.held...)

	if err := local.Tracker.UpdateSiteVersion(ctx, remoteSite, sent.ack(localHead)); err != nil {
		return res, &Error{Op: "watermark", Site: localSite, Err: err}
	}
	if err := remote.Tracker.UpdateSiteVersion(ctx, localSite, received.ack(remoteHead)); err != nil {
		return res, &Error{Op: "watermark", Site: remoteSite, Err: err}
	}

	e.logger.Info("sync complete",
		"local_site", localSite,
		"remote_site", remoteSite,
		"sent", res.ChangesSent,
		"received", res.ChangesReceived,
		"held", len(res.Held),
		"errors", len(res.Errors),
	)
	return res, nil
}

// ApplyChanges applies changes received out of band from remoteSite, for
// one-way or custom transports. Changes local authored are ignored.
// Watermarks are not touched; the caller acknowledges delivery itself.
func (e *Engine) ApplyChanges(ctx context.Context, local *Replica, remoteSite string, changes []tracker.Change) Result {
	localSite := local.SiteID()
	incoming := make([]tracker.Change, 0, len(changes))
	for _, c := range changes {
		if c.SiteID != localSite {
			incoming = append(incoming, c)
		}
	}

	b := e.applyBatch(ctx, local, remoteSite, incoming)
	return Result{
		ChangesReceived: b.applied,
		Errors:          b.errs,
		Held:            b.held,
	}
}

// Accept applies the changes of h on dst with the built-in projection, in
// order. Changes already in dst's ledger are skipped.
func (e *Engine) Accept(ctx context.Context, dst *Replica, h Hold) Result {
	var b batch
	for _, c := range h.Changes {
		e.apply(ctx, dst, c, &b)
	}
	return Result{ChangesReceived: b.applied, Errors: b.errs}
}

// outgoing returns src's changes above its watermark for peer, up to head,
// excluding changes peer authored.
func outgoing(ctx context.Context, src *Replica, peer string, head int64) ([]tracker.Change, error) {
	mark, err := src.Tracker.SiteVersion(ctx, peer)
	if err != nil {
		return nil, &Error{Op: "watermark", Site: src.SiteID(), Err: err}
	}
	all, err := src.Tracker.ChangesSince(ctx, mark)
	if err != nil {
		return nil, &Error{Op: "changes", Site: src.SiteID(), Err: err}
	}

	out := make([]tracker.Change, 0, len(all))
	for _, c := range all {
		if c.Version > head {
			break
		}
		if c.SiteID == peer {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// batch tallies one direction of a sync.
type batch struct {
	applied int
	// firstFailed is the sender-side version of the first change that
	// failed, 0 if none did.
	firstFailed int64
	errs        []error
	held        []Hold
}

// ack is the watermark the sender may record: everything before the first
// failed or held change, capped at the captured head.
func (b *batch) ack(head int64) int64 {
	limit := b.firstFailed
	for _, h := range b.held {
		if v := h.Changes[0].Version; limit == 0 || v < limit {
			limit = v
		}
	}
	if limit > 0 && limit-1 < head {
		return limit - 1
	}
	return head
}

func (b *batch) fail(c tracker.Change, site string, err error) {
	if b.firstFailed == 0 || c.Version < b.firstFailed {
		b.firstFailed = c.Version
	}
	b.errs = append(b.errs, &ChangeError{
		ChangeID: c.ID,
		EntityID: c.EntityID,
		Op:       c.Op,
		Site:     site,
		Err:      err,
	})
}

func (e *Engine) applyBatch(ctx context.Context, dst *Replica, from string, changes []tracker.Change) batch {
	var b batch
	held := make(map[string]*Hold)
	var order []string

	for _, c := range changes {
		if h, ok := held[c.EntityID]; ok {
			if c.Op != tracker.OpDelete {
				e.holdBack(ctx, dst, c, h, &b)
				continue
			}
			// A delete is forwarded unconditionally, so the conflict is moot.
			delete(held, c.EntityID)
			for _, hc := range h.Changes {
				e.apply(ctx, dst, hc, &b)
			}
		}

		if e.hold && c.Op == tracker.OpUpdate {
			h, err := e.detect(ctx, dst, from, c)
			if err != nil {
				b.fail(c, dst.SiteID(), err)
				continue
			}
			if h != nil {
				held[c.EntityID] = h
				order = append(order, c.EntityID)
				e.logger.Debug("conflict held",
					"site", dst.SiteID(),
					"entity_id", c.EntityID,
					"local_version", h.Conflict.LocalVersion,
					"remote_version", h.Conflict.RemoteVersion,
				)
				continue
			}
		}

		e.apply(ctx, dst, c, &b)
	}

	for _, id := range order {
		if h, ok := held[id]; ok {
			b.held = append(b.held, *h)
			delete(held, id)
		}
	}
	return b
}

// apply records c in dst's ledger and projects it. A change whose projection
// fails is revoked so the next sync delivers it again.
func (e *Engine) apply(ctx context.Context, dst *Replica, c tracker.Change, b *batch) {
	site := dst.SiteID()

	recorded, err := dst.Tracker.ApplyRemoteChange(ctx, c)
	if err != nil {
		b.fail(c, site, err)
		return
	}
	if !recorded {
		return
	}

	if _, err := e.Project(ctx, dst, c); err != nil {
		if rerr := e.revoke(ctx, dst, c); rerr != nil {
			err = errors.Join(err, rerr)
		}
		b.fail(c, site, err)
		e.logger.Warn("change not applied",
			"site", site,
			"change_id", c.ID,
			"entity_id", c.EntityID,
			"op", c.Op,
			"error", err,
		)
		return
	}
	b.applied++
}

// detect reports whether the UPDATE c conflicts with dst's current entity.
// Changes already in dst's ledger never conflict.
func (e *Engine) detect(ctx context.Context, dst *Replica, from string, c tracker.Change) (*Hold, error) {
	if c.Table != "" && c.Table != tracker.EntitiesTable {
		return nil, nil
	}
	known, err := dst.Tracker.HasChange(ctx, c.ID)
	if err != nil || known {
		return nil, err
	}

	remote, err := decodeSnapshot(c)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", c.EntityID, err)
	}
	local, found, err := dst.Store.Read(ctx, c.EntityID)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", c.EntityID, err)
	}
	if !found {
		return nil, nil
	}

	cf := conflict.Detect(local, remote, dst.SiteID(), from)
	if cf == nil {
		return nil, nil
	}
	return &Hold{Site: dst.SiteID(), From: from, Conflict: *cf, Changes: []tracker.Change{c}}, nil
}

// holdBack adds a later change for an entity that is already held. When c is
// an UPDATE the conflict is moved forward to its snapshot.
func (e *Engine) holdBack(ctx context.Context, dst *Replica, c tracker.Change, h *Hold, b *batch) {
	known, err := dst.Tracker.HasChange(ctx, c.ID)
	if err != nil {
		b.fail(c, dst.SiteID(), err)
		return
	}
	if known {
		return
	}
	h.Changes = append(h.Changes, c)

	if c.Op != tracker.OpUpdate {
		return
	}
	remote, err := decodeSnapshot(c)
	if err != nil {
		return
	}
	local, found, err := dst.Store.Read(ctx, c.EntityID)
	if err != nil || !found {
		return
	}
	if cf := conflict.Detect(local, remote, h.Site, h.From); cf != nil {
		h.Conflict = *cf
	}
}

func (e *Engine) revoke(ctx context.Context, dst *Replica, c tracker.Change) error {
	rv, ok := dst.Tracker.(Revoker)
	if !ok {
		return nil
	}
	if err := rv.RevokeChange(ctx, c.ID); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	return nil
}
