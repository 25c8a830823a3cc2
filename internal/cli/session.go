package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/chora/internal/kernel"
	"github.com/roach88/chora/internal/observer"
	"github.com/roach88/chora/internal/store"
	chorasync "github.com/roach88/chora/internal/sync"
	"github.com/roach88/chora/internal/tracker"
)

// session is one opened replica: the store, its ledger and the validated
// write path on top of them.
type session struct {
	store   *store.Store
	tracker *tracker.Tracker
	replica *chorasync.Replica
	factory *kernel.Factory
}

// openSession opens the replica at path. Unless create is set the database
// must already exist; `chora init` is the only command that creates one.
// An empty site keeps the id stored in the database.
func openSession(ctx context.Context, opts *RootOptions, path, site string, create bool) (*session, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "no database: set --db or CHORA_DB")
	}
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create database directory", err)
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("database not found: %s (run 'chora init' first)", path))
	}

	reg, err := loadRegistry(opts.Kernel)
	if err != nil {
		return nil, err
	}

	logger := opts.logger()
	hub := observer.NewHub(observer.WithLogger(logger))
	hub.Subscribe(func(ev observer.Event) error {
		logger.Debug("entity changed",
			"kind", ev.Kind,
			"id", ev.EntityID,
			"status", ev.NewStatus,
			"seq", ev.Seq)
		return nil
	})

	st, err := store.Open(path,
		store.WithLogger(logger),
		store.WithBusyTimeout(opts.busyTimeout()),
		store.WithPublisher(hub),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	tr, err := tracker.New(ctx, st.DB(),
		tracker.WithSiteID(site),
		tracker.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open change ledger: %w", err)
	}

	replica := chorasync.NewReplica(st, tr)
	return &session{
		store:   st,
		tracker: tr,
		replica: replica,
		factory: kernel.NewFactory(kernel.NewValidator(reg), replica, kernel.WithLogger(logger)),
	}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

// loadRegistry reads the kernel at path, or the built-in one when path is empty.
func loadRegistry(path string) (*kernel.Registry, error) {
	if path == "" {
		return kernel.Default()
	}
	reg, err := kernel.LoadFile(path)
	if err != nil {
		return nil, kernelLoadFailure(err)
	}
	return reg, nil
}
