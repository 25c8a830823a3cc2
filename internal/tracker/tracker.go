// Package tracker implements the site-scoped change ledger used by sync.
//
// Every local mutation is recorded as a Change with a globally unique id
// and the id of the site that authored it. Changes received from peers are
// recorded with their original id and site, so re-applying the same change
// is a no-op. Per-peer watermarks record how far each peer has read.
//
// The ledger shares the entity store's database file.
package tracker

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

//go:embed schema.sql
var schemaSQL string

const siteIDKey = "site_id"

// Op is the kind of mutation a Change carries.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Valid reports whether op is known.
func (op Op) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// EntitiesTable is the table name recorded for entity changes.
const EntitiesTable = "entities"

// Change is one ledger entry.
type Change struct {
	// ID is globally unique and survives transfer between sites.
	ID       string `json:"change_id"`
	EntityID string `json:"entity_id"`
	Op       Op     `json:"op"`
	Table    string `json:"table"`

	// SiteID is the site that authored the change, not the one holding it.
	SiteID string `json:"site_id"`

	// Value is the JSON snapshot of the entity after the change
	// (before it, for deletes).
	Value []byte `json:"value,omitempty"`

	// Version is the position in the ledger this Change was read from.
	Version    int64     `json:"version"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Tracker is a SQLite-backed change ledger for one site.
type Tracker struct {
	db     *sql.DB
	siteID string
	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*config)

type config struct {
	siteID string
	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

// WithSiteID pins the site id. Without it the persisted id is used, or a
// new UUIDv7 is generated and persisted on first open.
func WithSiteID(id string) Option {
	return func(c *config) {
		c.siteID = id
	}
}

// WithIDGenerator replaces UUIDv7 change ids. Used by tests and golden scenarios.
func WithIDGenerator(fn func() string) Option {
	return func(c *config) {
		c.newID = fn
	}
}

// WithClock replaces time.Now for recorded_at.
func WithClock(fn func() time.Time) Option {
	return func(c *config) {
		c.now = fn
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// New creates the ledger tables in db if needed and resolves the site id.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Tracker, error) {
	cfg := config{
		newID:  newChangeID,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("tracker: apply schema: %w", err)
	}

	siteID, err := resolveSiteID(ctx, db, cfg.siteID, cfg.logger)
	if err != nil {
		return nil, err
	}

	return &Tracker{
		db:     db,
		siteID: siteID,
		newID:  cfg.newID,
		now:    cfg.now,
		logger: cfg.logger.With("site", siteID),
	}, nil
}

// SiteID returns this ledger's site identifier.
func (t *Tracker) SiteID() string {
	return t.siteID
}

func newChangeID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func resolveSiteID(ctx context.Context, db *sql.DB, configured string, logger *slog.Logger) (string, error) {
	var stored string
	err := db.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", siteIDKey).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("tracker: read site id: %w", err)
	}

	switch {
	case configured != "":
		if stored != "" && stored != configured {
			// Rows keep the site they were authored at; only new changes use the new id.
			logger.Warn("site id changed", "stored", stored, "configured", configured)
		}
		stored = configured
	case stored != "":
		return stored, nil
	default:
		stored = uuid.Must(uuid.NewV7()).String()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, siteIDKey, stored)
	if err != nil {
		return "", fmt.Errorf("tracker: persist site id: %w", err)
	}
	return stored, nil
}
