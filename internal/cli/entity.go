package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/store"
)

// entityView is an entity as commands print it.
type entityView entity.Entity

func (v entityView) RenderText(w io.Writer) {
	fmt.Fprintf(w, "%s  %s  v%d\n", v.ID, v.Status, v.Version)
	for _, k := range v.Data.SortedKeys() {
		b, err := doc.MarshalCanonical(v.Data[k])
		if err != nil {
			b = []byte("?")
		}
		fmt.Fprintf(w, "  %s: %s\n", k, b)
	}
}

// entityList is one page of List results plus the number of matches.
type entityList struct {
	Entities []entity.Entity `json:"entities"`
	Total    int             `json:"total"`
}

func (l entityList) RenderText(w io.Writer) {
	if len(l.Entities) == 0 {
		fmt.Fprintln(w, "No entities.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tVERSION\tNAME")
	for _, e := range l.Entities {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.ID, e.Type, e.Status, e.Version, e.Name())
	}
	tw.Flush()
	if l.Total > len(l.Entities) {
		fmt.Fprintf(w, "(%d of %d)\n", len(l.Entities), l.Total)
	}
}

type deleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func (r deleteResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Deleted %s\n", r.ID)
}

// fieldFlags are the data flags shared by create and update.
type fieldFlags struct {
	Set  []string
	Data string
}

func (f *fieldFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.Set, "set", nil, "set a data field (key=value, value parsed as JSON when valid); repeatable")
	cmd.Flags().StringVar(&f.Data, "data", "", "data fields as a JSON object")
}

// fields merges --data with --set; --set wins on shared keys.
func (f *fieldFlags) fields() (doc.Object, error) {
	fields := doc.Object{}
	if f.Data != "" {
		obj, err := doc.DecodeObject([]byte(f.Data))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid --data JSON", err)
		}
		fields = obj
	}
	for _, kv := range f.Set {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --set %q: want key=value", kv))
		}
		fields[key] = parseFieldValue(raw)
	}
	return fields, nil
}

// parseFieldValue reads raw as JSON, falling back to a plain string so
// --set owner=ana needs no quoting.
func parseFieldValue(raw string) doc.Value {
	v, err := doc.Decode([]byte(raw))
	if err != nil {
		return doc.String(raw)
	}
	return v
}

type initResult struct {
	Path   string `json:"path"`
	SiteID string `json:"site_id"`
}

func (r initResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Initialized %s (site %s)\n", r.Path, r.SiteID)
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and its site id",
		Long: `Create the replica database at --db if it does not exist.

The first open generates and stores a site id unless --site is given.
Running init again on an existing database is harmless and prints the
stored site id.`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), rootOpts, rootOpts.Database, rootOpts.Site, true)
			if err != nil {
				return err
			}
			defer sess.Close()

			return rootOpts.formatter(cmd).Success(initResult{
				Path:   sess.store.Path(),
				SiteID: sess.replica.SiteID(),
			})
		},
	}
}

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	fieldFlags
	Status string
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <type> <title>",
		Short: "Create an entity",
		Long: `Create an entity of a kernel type.

The id is derived from the title ("feature" + "User Login" gives
feature-user-login). Without --status the type's first status is used.

Examples:
  chora create feature "User Login"
  chora create task "Write docs" --status in_progress --set owner=ana
  chora create feature Search --data '{"points": 3}'`,
		Args:          exactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := opts.fields()
			if err != nil {
				return err
			}

			sess, err := openSession(cmd.Context(), rootOpts, rootOpts.Database, rootOpts.Site, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			created, err := sess.factory.Create(cmd.Context(), args[0], args[1], opts.Status, fields)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(entityView(created))
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status (default: the type's first status)")
	opts.fieldFlags.register(cmd)

	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <id>",
		Short:         "Show one entity",
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), rootOpts, rootOpts.Database, rootOpts.Site, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			e, found, err := sess.replica.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return entity.NewNotFoundError(args[0])
			}
			return rootOpts.formatter(cmd).Success(entityView(e))
		},
	}
}

// UpdateOptions holds flags for the update command.
type UpdateOptions struct {
	*RootOptions
	fieldFlags
	Status        string
	ExpectVersion int64
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change an entity's status or data",
		Long: `Change an entity's status, merge data fields, or both.

With --expect-version the update only happens if the entity is still at
that version; otherwise it fails with VERSION_CONFLICT and the current
version is reported.

Examples:
  chora update task-write-docs --status complete
  chora update feature-login --set owner=bo --expect-version 3`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := opts.fields()
			if err != nil {
				return err
			}
			if opts.Status == "" && len(fields) == 0 {
				return NewExitError(ExitCommandError, "nothing to update: pass --status, --set or --data")
			}

			sess, err := openSession(cmd.Context(), rootOpts, rootOpts.Database, rootOpts.Site, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			id := args[0]
			if opts.ExpectVersion > 0 {
				current, found, err := sess.replica.Read(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !found {
					return entity.NewNotFoundError(id)
				}
				if current.Version != opts.ExpectVersion {
					return entity.NewVersionConflictError(id, opts.ExpectVersion, current.Version)
				}
			}

			updated, err := sess.factory.Update(cmd.Context(), id, opts.Status, fields)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(entityView(updated))
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "new status")
	cmd.Flags().Int64Var(&opts.ExpectVersion, "expect-version", 0, "fail unless the entity is at this version")
	opts.fieldFlags.register(cmd)

	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <id>",
		Short:         "Delete an entity",
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), rootOpts, rootOpts.Database, rootOpts.Site, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			deleted, err := sess.factory.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return entity.NewNotFoundError(args[0])
			}
			return rootOpts.formatter(cmd).Success(deleteResult{ID: args[0], Deleted: true})
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Type   string
	Status string
	Limit  int
	Offset int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		Long: `List live entities, most recently updated first.

Examples:
  chora list --type task --status open
  chora list --limit 20 --offset 40`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			if opts.Offset < 0 {
				return NewExitError(ExitCommandError, "--offset must not be negative")
			}

			sess, err := openSession(cmd.Context(), rootOpts, rootOpts.Database, rootOpts.Site, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			filter := entity.Filter{Type: opts.Type, Status: opts.Status}
			entities, err := sess.store.List(cmd.Context(), filter, opts.Limit, opts.Offset)
			if err != nil {
				return err
			}
			total, err := sess.store.Count(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(entityList{Entities: entities, Total: total})
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "only entities of this type")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only entities with this status")
	cmd.Flags().IntVar(&opts.Limit, "limit", store.DefaultListLimit, "maximum number of entities")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "number of entities to skip")

	return cmd
}
