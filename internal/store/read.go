package store

import (
	"context"
	"fmt"

	"github.com/roach88/chora/internal/entity"
)

// Read returns the live entity with the given id.
// The bool is false if no such entity exists.
func (s *Store) Read(ctx context.Context, id string) (entity.Entity, bool, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE id = ?", id))
	if isNoRows(err) {
		return entity.Entity{}, false, nil
	}
	if err != nil {
		return entity.Entity{}, false, fmt.Errorf("read %s: %w", id, translateError(id, err))
	}
	return e, true, nil
}

// List returns live entities matching f, most recently updated first.
// Ties are broken by id so paging is stable. limit <= 0 means DefaultListLimit.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) List(ctx context.Context, f entity.Filter, limit, offset int) ([]entity.Entity, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	query, args := listQuery(f, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", translateError("", err))
	}
	defer rows.Close()

	entities := []entity.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}

	return entities, nil
}

// ChangesSince returns every change-log record with seq > since, ordered by seq.
// Records of deleted entities are included.
//
// Returns an empty slice (not nil) if there are no newer records.
func (s *Store) ChangesSince(ctx context.Context, since int64) ([]entity.VersionRecord, error) {
	return s.queryVersions(ctx, `
		SELECT `+versionColumns+`
		FROM entity_versions
		WHERE seq > ?
		ORDER BY seq ASC
	`, since)
}

// History returns every change-log record for one entity, oldest first.
// Works after the entity has been deleted.
func (s *Store) History(ctx context.Context, id string) ([]entity.VersionRecord, error) {
	return s.queryVersions(ctx, `
		SELECT `+versionColumns+`
		FROM entity_versions
		WHERE entity_id = ?
		ORDER BY seq ASC
	`, id)
}

// Head returns the highest change-log seq, or 0 for an empty store.
func (s *Store) Head(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM entity_versions").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("head: %w", translateError("", err))
	}
	return seq, nil
}

// Count returns the number of live entities matching f.
func (s *Store) Count(ctx context.Context, f entity.Filter) (int, error) {
	query, args := countQuery(f)
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", translateError("", err))
	}
	return n, nil
}

func (s *Store) queryVersions(ctx context.Context, query string, args ...any) ([]entity.VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", translateError("", err))
	}
	defer rows.Close()

	records := []entity.VersionRecord{}
	for rows.Next() {
		rec, err := scanVersionRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}

	return records, nil
}
