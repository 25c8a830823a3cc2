package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

const changeColumns = "version, change_id, entity_id, op, table_name, site_id, value, recorded_at"

// execer is the part of *sql.DB and *sql.Tx that RecordChange needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RecordChange appends a change authored at this site.
func (t *Tracker) RecordChange(ctx context.Context, entityID string, op Op, table string, value []byte) (Change, error) {
	return t.record(ctx, t.db, entityID, op, table, value)
}

// RecordChangeTx appends a change inside tx, so the change commits or rolls
// back together with the entity write that produced it. tx must belong to
// the database the tracker was opened on.
func (t *Tracker) RecordChangeTx(ctx context.Context, tx *sql.Tx, entityID string, op Op, table string, value []byte) (Change, error) {
	return t.record(ctx, tx, entityID, op, table, value)
}

func (t *Tracker) record(ctx context.Context, db execer, entityID string, op Op, table string, value []byte) (Change, error) {
	if !op.Valid() {
		return Change{}, fmt.Errorf("record change: invalid op %q", op)
	}

	c := Change{
		ID:         t.newID(),
		EntityID:   entityID,
		Op:         op,
		Table:      table,
		SiteID:     t.siteID,
		Value:      value,
		RecordedAt: t.now().UTC(),
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO sync_changes (change_id, entity_id, op, table_name, site_id, value, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.EntityID,
		string(c.Op),
		c.Table,
		c.SiteID,
		nullableText(c.Value),
		c.RecordedAt.Format(timeLayout),
	)
	if err != nil {
		return Change{}, fmt.Errorf("record change: %w", err)
	}

	if c.Version, err = result.LastInsertId(); err != nil {
		return Change{}, fmt.Errorf("record change: last insert id: %w", err)
	}

	t.logger.Debug("change recorded",
		"change_id", c.ID,
		"entity_id", c.EntityID,
		"op", c.Op,
		"version", c.Version,
	)
	return c, nil
}

// ChangesSince returns ledger entries with version > since, ordered by version.
// Returns an empty slice (not nil) if there are none.
func (t *Tracker) ChangesSince(ctx context.Context, since int64) ([]Change, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM sync_changes
		WHERE version > ?
		ORDER BY version ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// CurrentVersion returns the highest ledger version, or 0 when empty.
func (t *Tracker) CurrentVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := t.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM sync_changes").Scan(&v); err != nil {
		return 0, fmt.Errorf("current version: %w", err)
	}
	return v, nil
}

// SiteVersion returns the watermark for remote: the highest local version
// remote has acknowledged. 0 if the sites have never synced.
func (t *Tracker) SiteVersion(ctx context.Context, remote string) (int64, error) {
	var v int64
	err := t.db.QueryRowContext(ctx, `
		SELECT version FROM sync_site_versions
		WHERE local_site = ? AND remote_site = ?
	`, t.siteID, remote).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("site version for %s: %w", remote, err)
	}
	return v, nil
}

// UpdateSiteVersion records that remote has acknowledged local changes up to
// version. Watermarks never move backwards.
func (t *Tracker) UpdateSiteVersion(ctx context.Context, remote string, version int64) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO sync_site_versions (local_site, remote_site, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(local_site, remote_site) DO UPDATE SET
			version = MAX(version, excluded.version),
			updated_at = excluded.updated_at
	`, t.siteID, remote, version, t.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("update site version for %s: %w", remote, err)
	}
	return nil
}

// ApplyRemoteChange records a change received from a peer, keeping its id and
// authoring site. Returns true iff the change was not already in the ledger.
//
// Uses ON CONFLICT(change_id) DO NOTHING for idempotency.
func (t *Tracker) ApplyRemoteChange(ctx context.Context, c Change) (bool, error) {
	if c.ID == "" {
		return false, fmt.Errorf("apply remote change: missing change id")
	}
	if !c.Op.Valid() {
		return false, fmt.Errorf("apply remote change %s: invalid op %q", c.ID, c.Op)
	}

	recordedAt := c.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = t.now()
	}

	result, err := t.db.ExecContext(ctx, `
		INSERT INTO sync_changes (change_id, entity_id, op, table_name, site_id, value, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(change_id) DO NOTHING
	`,
		c.ID,
		c.EntityID,
		string(c.Op),
		c.Table,
		c.SiteID,
		nullableText(c.Value),
		recordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("apply remote change %s: %w", c.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply remote change %s: rows affected: %w", c.ID, err)
	}
	return n > 0, nil
}

// HasChange reports whether the ledger holds a change with changeID.
func (t *Tracker) HasChange(ctx context.Context, changeID string) (bool, error) {
	var n int
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_changes WHERE change_id = ?", changeID).Scan(&n); err != nil {
		return false, fmt.Errorf("has change %s: %w", changeID, err)
	}
	return n > 0, nil
}

// RevokeChange removes a remote change whose projection failed, so the next
// sync records and projects it again. Versions are never reused.
func (t *Tracker) RevokeChange(ctx context.Context, changeID string) error {
	_, err := t.db.ExecContext(ctx, "DELETE FROM sync_changes WHERE change_id = ? AND site_id != ?", changeID, t.siteID)
	if err != nil {
		return fmt.Errorf("revoke change %s: %w", changeID, err)
	}
	return nil
}

// Watermarks returns every recorded watermark for this site keyed by remote site.
func (t *Tracker) Watermarks(ctx context.Context) (map[string]int64, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT remote_site, version FROM sync_site_versions
		WHERE local_site = ?
		ORDER BY remote_site
	`, t.siteID)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var site string
		var v int64
		if err := rows.Scan(&site, &v); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out[site] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermarks: %w", err)
	}
	return out, nil
}

func scanChange(rows *sql.Rows) (Change, error) {
	var (
		c          Change
		op         string
		value      sql.NullString
		recordedAt string
	)
	if err := rows.Scan(&c.Version, &c.ID, &c.EntityID, &op, &c.Table, &c.SiteID, &value, &recordedAt); err != nil {
		return Change{}, fmt.Errorf("scan change: %w", err)
	}
	c.Op = Op(op)
	if value.Valid {
		c.Value = []byte(value.String)
	}

	t, err := time.Parse(timeLayout, recordedAt)
	if err != nil {
		return Change{}, fmt.Errorf("change %s: parse recorded_at: %w", c.ID, err)
	}
	c.RecordedAt = t
	return c, nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
