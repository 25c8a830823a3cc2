package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
)

// timeLayout is fixed width so TEXT comparison in ORDER BY matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tools may use plain RFC 3339.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// marshalData converts the entity payload to canonical JSON TEXT for storage.
func marshalData(data doc.Object) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := doc.MarshalCanonical(data)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	return string(b), nil
}

// snapshot is the stored form of a VersionRecord's entity image.
type snapshot struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Data      doc.Object `json:"data"`
	Version   int64      `json:"version"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`
}

func marshalSnapshot(e entity.Entity) (string, error) {
	b, err := json.Marshal(snapshot{
		ID:        e.ID,
		Type:      e.Type,
		Status:    e.Status,
		Data:      e.Data,
		Version:   e.Version,
		CreatedAt: formatTime(e.CreatedAt),
		UpdatedAt: formatTime(e.UpdatedAt),
	})
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(b), nil
}

func unmarshalSnapshot(s string) (entity.Entity, error) {
	var snap snapshot
	if err := json.Unmarshal([]byte(s), &snap); err != nil {
		return entity.Entity{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	created, err := parseTime(snap.CreatedAt)
	if err != nil {
		return entity.Entity{}, err
	}
	updated, err := parseTime(snap.UpdatedAt)
	if err != nil {
		return entity.Entity{}, err
	}
	data := snap.Data
	if data == nil {
		data = doc.Object{}
	}
	return entity.Entity{
		ID:        snap.ID,
		Type:      snap.Type,
		Status:    snap.Status,
		Data:      data,
		Version:   snap.Version,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const entityColumns = "id, type, status, data, version, created_at, updated_at"

func scanEntity(row rowScanner) (entity.Entity, error) {
	var (
		e                entity.Entity
		dataJSON         string
		created, updated string
	)
	if err := row.Scan(&e.ID, &e.Type, &e.Status, &dataJSON, &e.Version, &created, &updated); err != nil {
		return entity.Entity{}, err
	}

	data, err := doc.DecodeObject([]byte(dataJSON))
	if err != nil {
		return entity.Entity{}, fmt.Errorf("decode data for %s: %w", e.ID, err)
	}
	e.Data = data

	if e.CreatedAt, err = parseTime(created); err != nil {
		return entity.Entity{}, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return entity.Entity{}, err
	}
	return e, nil
}

const versionColumns = "seq, entity_id, version, change_kind, changed_at, snapshot"

func scanVersionRecord(row rowScanner) (entity.VersionRecord, error) {
	var (
		rec       entity.VersionRecord
		kind      string
		changedAt string
		snap      string
	)
	if err := row.Scan(&rec.Seq, &rec.EntityID, &rec.Version, &kind, &changedAt, &snap); err != nil {
		return entity.VersionRecord{}, fmt.Errorf("scan version record: %w", err)
	}
	rec.Kind = entity.ChangeKind(kind)

	var err error
	if rec.ChangedAt, err = parseTime(changedAt); err != nil {
		return entity.VersionRecord{}, err
	}
	if rec.Snapshot, err = unmarshalSnapshot(snap); err != nil {
		return entity.VersionRecord{}, fmt.Errorf("record %d: %w", rec.Seq, err)
	}
	return rec, nil
}

// translateError maps driver errors onto the domain taxonomy.
// Errors that are not recognized are returned wrapped but unchanged.
func translateError(id string, err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return entity.NewBusyError(id, err)
	case sqlite3.ErrConstraint:
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return entity.NewAlreadyExistsError(id, err)
		case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull:
			return &entity.Error{
				Code:    entity.ErrCodeInvalid,
				ID:      id,
				Message: "storage constraint violated",
				Err:     err,
			}
		}
	}
	return err
}

// isNoRows reports whether err means the row was absent.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
