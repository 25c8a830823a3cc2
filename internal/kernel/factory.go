package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
)

// Repository is where a Factory persists entities. Both *store.Store and
// *sync.Replica satisfy it; use the replica when changes must sync.
type Repository interface {
	Create(ctx context.Context, e entity.Entity) (entity.Entity, error)
	Read(ctx context.Context, id string) (entity.Entity, bool, error)
	Update(ctx context.Context, e entity.Entity) (entity.Entity, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Factory is the validated write path: nothing reaches the repository
// without passing the Validator.
type Factory struct {
	validator *Validator
	repo      Repository
	logger    *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// NewFactory creates a Factory.
func NewFactory(v *Validator, repo Repository, opts ...FactoryOption) *Factory {
	f := &Factory{validator: v, repo: repo}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Validator returns the factory's validator.
func (f *Factory) Validator() *Validator {
	return f.validator
}

// Create builds an entity from a title (see Validator.NewEntity) and
// persists it. An existing id yields an ALREADY_EXISTS entity error.
func (f *Factory) Create(ctx context.Context, typ, title, status string, fields doc.Object) (entity.Entity, error) {
	e, err := f.validator.NewEntity(typ, title, status, fields)
	if err != nil {
		return entity.Entity{}, err
	}

	created, err := f.repo.Create(ctx, e)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("create %s: %w", e.ID, err)
	}
	f.logger.Info("entity created", "id", created.ID, "type", created.Type, "status", created.Status)
	return created, nil
}

// Update changes status (when non-empty) and merges fields into data.
// data.updated is refreshed whenever fields change. The update is
// conditional on the version just read, so a concurrent writer surfaces as
// a VERSION_CONFLICT entity error.
func (f *Factory) Update(ctx context.Context, id, status string, fields doc.Object) (entity.Entity, error) {
	e, found, err := f.repo.Read(ctx, id)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update %s: %w", id, err)
	}
	if !found {
		return entity.Entity{}, entity.NewNotFoundError(id)
	}

	oldStatus := e.Status
	if status != "" {
		e.Status = status
	}
	if len(fields) > 0 {
		e.Data = e.Data.Clone()
		if e.Data == nil {
			e.Data = doc.Object{}
		}
		for k, v := range fields {
			e.Data[k] = doc.Clone(v)
		}
		e.Data["updated"] = doc.String(f.validator.now().UTC().Format(time.RFC3339Nano))
	}

	if err := f.validator.Validate(e); err != nil {
		return entity.Entity{}, err
	}

	updated, err := f.repo.Update(ctx, e)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("update %s: %w", id, err)
	}
	f.logger.Info("entity updated",
		"id", updated.ID,
		"version", updated.Version,
		"old_status", oldStatus,
		"status", updated.Status,
	)
	return updated, nil
}

// Delete removes id. Returns false when it does not exist.
func (f *Factory) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := f.repo.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	if deleted {
		f.logger.Info("entity deleted", "id", id)
	}
	return deleted, nil
}
