package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/observer"
)

// TxHook runs inside a write transaction after the row and its change-log
// record are written, just before commit. A non-nil error rolls the whole
// write back. For Create and Update e is the stored entity; for Delete it is
// the entity as it was before removal.
type TxHook func(ctx context.Context, tx *sql.Tx, e entity.Entity) error

// Create inserts e with version 1 and appends a create record.
// Zero timestamps default to the store clock; a caller-supplied CreatedAt and
// UpdatedAt are kept so projected remote entities retain their origin times.
//
// Returns ALREADY_EXISTS if the id is taken.
func (s *Store) Create(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	return s.CreateWith(ctx, e, nil)
}

// CreateWith is Create with hook run inside the transaction. A nil hook is
// allowed.
func (s *Store) CreateWith(ctx context.Context, e entity.Entity, hook TxHook) (entity.Entity, error) {
	if err := e.Validate(); err != nil {
		return entity.Entity{}, err
	}

	e = e.Clone()
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.Version = 1

	dataJSON, err := marshalData(e.Data)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("create: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("create: begin tx: %w", translateError(e.ID, err))
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (id, type, status, data, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Type,
		e.Status,
		dataJSON,
		e.Version,
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("create: %w", translateError(e.ID, err))
	}

	seq, err := appendVersion(ctx, tx, e, e.Version, entity.ChangeCreate, now)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("create: %w", translateError(e.ID, err))
	}
	if hook != nil {
		if err := hook(ctx, tx, e.Clone()); err != nil {
			return entity.Entity{}, fmt.Errorf("create: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return entity.Entity{}, fmt.Errorf("create: commit: %w", translateError(e.ID, err))
	}

	s.logger.Debug("entity created", "id", e.ID, "seq", seq)

	published := e.Clone()
	s.publish(observer.Event{
		Kind:       observer.Created,
		EntityID:   e.ID,
		EntityType: e.Type,
		Entity:     &published,
		NewStatus:  e.Status,
		Seq:        seq,
		At:         now,
	})

	return e, nil
}

// Update writes e's status and data if the stored version still equals
// e.Version. On success the returned entity has Version = e.Version+1 and a
// fresh UpdatedAt.
//
// Returns NOT_FOUND if the id is absent and VERSION_CONFLICT (carrying the
// stored version) if another writer advanced it. The stored row is untouched
// in both cases.
func (s *Store) Update(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	return s.UpdateWith(ctx, e, nil)
}

// UpdateWith is Update with hook run inside the transaction. A nil hook is
// allowed.
func (s *Store) UpdateWith(ctx context.Context, e entity.Entity, hook TxHook) (entity.Entity, error) {
	if err := e.Validate(); err != nil {
		return entity.Entity{}, err
	}

	dataJSON, err := marshalData(e.Data)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update: begin tx: %w", translateError(e.ID, err))
	}
	defer tx.Rollback() // No-op if committed

	prev, err := scanEntity(tx.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE id = ?", e.ID))
	if isNoRows(err) {
		return entity.Entity{}, entity.NewNotFoundError(e.ID)
	}
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update: read current: %w", translateError(e.ID, err))
	}
	if prev.Type != e.Type {
		return entity.Entity{}, entity.NewInvalidError(e.ID, fmt.Sprintf("type cannot change from %q to %q", prev.Type, e.Type))
	}

	now := s.now()
	result, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET status = ?, data = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		e.Status,
		dataJSON,
		formatTime(now),
		e.ID,
		e.Version,
	)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update: %w", translateError(e.ID, err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update: rows affected: %w", err)
	}
	if n == 0 {
		return entity.Entity{}, entity.NewVersionConflictError(e.ID, e.Version, prev.Version)
	}

	updated, err := scanEntity(tx.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE id = ?", e.ID))
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update: read back: %w", translateError(e.ID, err))
	}

	seq, err := appendVersion(ctx, tx, updated, updated.Version, entity.ChangeUpdate, now)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update: %w", translateError(e.ID, err))
	}
	if hook != nil {
		if err := hook(ctx, tx, updated.Clone()); err != nil {
			return entity.Entity{}, fmt.Errorf("update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return entity.Entity{}, fmt.Errorf("update: commit: %w", translateError(e.ID, err))
	}

	s.logger.Debug("entity updated", "id", e.ID, "version", updated.Version, "seq", seq)

	published := updated.Clone()
	s.publish(observer.Event{
		Kind:       observer.Updated,
		EntityID:   updated.ID,
		EntityType: updated.Type,
		Entity:     &published,
		OldStatus:  prev.Status,
		NewStatus:  updated.Status,
		Seq:        seq,
		At:         now,
	})

	return updated, nil
}

// Delete removes the entity with the given id.
//
// The delete record (version = current+1, snapshot = the entity as it was) is
// appended before the row is removed, in the same transaction. Returns false
// and writes nothing if the id does not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	return s.DeleteWith(ctx, id, nil)
}

// DeleteWith is Delete with hook run inside the transaction. The hook is not
// called when id does not exist.
func (s *Store) DeleteWith(ctx context.Context, id string, hook TxHook) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete: begin tx: %w", translateError(id, err))
	}
	defer tx.Rollback() // No-op if committed

	prev, err := scanEntity(tx.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE id = ?", id))
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete: read current: %w", translateError(id, err))
	}

	now := s.now()
	seq, err := appendVersion(ctx, tx, prev, prev.Version+1, entity.ChangeDelete, now)
	if err != nil {
		return false, fmt.Errorf("delete: %w", translateError(id, err))
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("delete: %w", translateError(id, err))
	}
	if hook != nil {
		if err := hook(ctx, tx, prev.Clone()); err != nil {
			return false, fmt.Errorf("delete: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete: commit: %w", translateError(id, err))
	}

	s.logger.Debug("entity deleted", "id", id, "seq", seq)

	s.publish(observer.Event{
		Kind:       observer.Deleted,
		EntityID:   id,
		EntityType: prev.Type,
		OldStatus:  prev.Status,
		Seq:        seq,
		At:         now,
	})

	return true, nil
}

// appendVersion writes one change-log entry and returns its seq.
func appendVersion(ctx context.Context, tx *sql.Tx, snap entity.Entity, version int64, kind entity.ChangeKind, at time.Time) (int64, error) {
	snapJSON, err := marshalSnapshot(snap)
	if err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO entity_versions (entity_id, version, change_kind, changed_at, snapshot)
		VALUES (?, ?, ?, ?, ?)
	`,
		snap.ID,
		version,
		string(kind),
		formatTime(at),
		snapJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("append %s record: %w", kind, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append %s record: last insert id: %w", kind, err)
	}
	return seq, nil
}
