package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/chora/internal/config"
	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/kernel"
	"github.com/roach88/chora/internal/store"
	chorasync "github.com/roach88/chora/internal/sync"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Database string
	Site     string
	Kernel   string

	// Config and Logger are filled in by the root command before any
	// subcommand runs. Commands built on their own fall back to defaults.
	Config *config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the chora CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chora",
		Short: "chora - local-first entity store",
		Long: `A local-first store for typed, versioned entities.

Each replica keeps its entities and its change ledger in one SQLite
database. Replicas exchange changes with sync; divergent edits are
settled by a conflict resolver or queued for review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.configure(cmd.ErrOrStderr())
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database path (default $CHORA_DB or ~/.chora/chora.db)")
	cmd.PersistentFlags().StringVar(&opts.Site, "site", "", "site id of this replica (default $CHORA_SITE_ID or the stored id)")
	cmd.PersistentFlags().StringVar(&opts.Kernel, "kernel", "", "kernel registry file, .cue or .yaml (default $CHORA_KERNEL or built-in)")

	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	// Add subcommands
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewChangesCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewTypesCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// Execute runs the CLI against args and returns the process exit code.
// Errors are written in the selected format: JSON to stdout so scripts
// always get one document, text to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || !exitErr.Silent {
		format := opts.Format
		if !isValidFormat(format) {
			format = "text"
		}
		formatter := &OutputFormatter{Format: format, Writer: stderr, Verbose: opts.Verbose}
		if format == "json" {
			formatter.Writer = stdout
		}
		formatter.Error(errorCode(err), err.Error(), errorDetails(err))
	}
	return GetExitCode(err)
}

// configure loads the environment configuration, lets flags override it and
// builds the logger every component receives.
func (o *RootOptions) configure(stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.Database == "" {
		o.Database = cfg.Store.Path
	}
	if o.Site == "" {
		o.Site = cfg.Sync.SiteID
	}
	if o.Kernel == "" {
		o.Kernel = cfg.Kernel.Path
	}

	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(stderr, handlerOpts)
	}

	o.Config = cfg
	o.Logger = slog.New(handler)
	return nil
}

func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (o *RootOptions) busyTimeout() time.Duration {
	if o.Config != nil {
		return o.Config.Store.BusyTimeout
	}
	return store.DefaultBusyTimeout
}

func (o *RootOptions) defaultResolver() string {
	if o.Config != nil {
		return o.Config.Sync.Resolver
	}
	return config.DefaultResolver
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// errorCode maps an error to the code reported in CLI output.
func errorCode(err error) string {
	var entityErr *entity.Error
	var validationErr *kernel.ValidationError
	var loadErr *kernel.LoadError
	var syncErr *chorasync.Error
	var exitErr *ExitError

	switch {
	case errors.As(err, &entityErr):
		return string(entityErr.Code)
	case errors.As(err, &validationErr):
		return ErrCodeValidation
	case errors.As(err, &loadErr):
		return ErrCodeKernel
	case errors.As(err, &syncErr):
		return ErrCodeSync
	case errors.As(err, &exitErr) && exitErr.Code == ExitCommandError:
		return ErrCodeCommand
	}
	return ErrCodeGeneric
}

func errorDetails(err error) any {
	var entityErr *entity.Error
	if errors.As(err, &entityErr) && entityErr.Code == entity.ErrCodeVersionConflict {
		return map[string]any{
			"id":       entityErr.ID,
			"expected": entityErr.Expected,
			"current":  entityErr.Current,
		}
	}
	var validationErr *kernel.ValidationError
	if errors.As(err, &validationErr) {
		return map[string]any{
			"id":    validationErr.EntityID,
			"field": validationErr.Field,
		}
	}
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// exactArgs is cobra.ExactArgs reported as a command error.
func exactArgs(n int) cobra.PositionalArgs {
	return commandArgs(cobra.ExactArgs(n))
}

func commandArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return WrapExitError(ExitCommandError, "invalid arguments", err)
		}
		return nil
	}
}
