package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/chora/internal/conflict"
	chorasync "github.com/roach88/chora/internal/sync"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Resolver string
	PeerSite string
}

type pendingConflict struct {
	EntityID      string `json:"entity_id"`
	LocalSite     string `json:"local_site"`
	LocalVersion  int64  `json:"local_version"`
	RemoteSite    string `json:"remote_site"`
	RemoteVersion int64  `json:"remote_version"`
}

// SyncReport is the outcome of one sync command.
type SyncReport struct {
	LocalSite         string            `json:"local_site"`
	RemoteSite        string            `json:"remote_site"`
	Resolver          string            `json:"resolver"`
	ChangesSent       int               `json:"changes_sent"`
	ChangesReceived   int               `json:"changes_received"`
	ConflictsResolved int               `json:"conflicts_resolved"`
	Deferred          int               `json:"deferred"`
	Pending           []pendingConflict `json:"pending"`
	Errors            []string          `json:"errors,omitempty"`
}

func (r SyncReport) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Synced %s <-> %s (%s)\n", r.LocalSite, r.RemoteSite, r.Resolver)
	fmt.Fprintf(w, "  sent:               %d\n", r.ChangesSent)
	fmt.Fprintf(w, "  received:           %d\n", r.ChangesReceived)
	fmt.Fprintf(w, "  conflicts resolved: %d\n", r.ConflictsResolved)
	fmt.Fprintf(w, "  deferred:           %d\n", r.Deferred)
	if len(r.Pending) > 0 {
		fmt.Fprintln(w, "Pending conflicts:")
		for _, p := range r.Pending {
			fmt.Fprintf(w, "  %s: %s v%d vs %s v%d\n",
				p.EntityID, p.LocalSite, p.LocalVersion, p.RemoteSite, p.RemoteVersion)
		}
	}
	if len(r.Errors) > 0 {
		fmt.Fprintln(w, "Errors:")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  ✗ %s\n", e)
		}
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <peer-db>",
		Short: "Exchange changes with another replica",
		Long: `Exchange changes with the replica stored in another database file.

Both sides send what the other has not seen yet. By default (--resolver
none) a newer remote version replaces the local one. With a resolver, a
newer remote version that differs from the local entity is a conflict and
the resolver decides the outcome. A kept or merged result is recorded as a
local edit and sent back to the peer in the same run. The defer resolver
leaves the conflict pending; it is reported again on every sync until a
resolver settles it.

Resolvers: ` + conflict.NameNone + " " + fmt.Sprint(conflict.Names()) + `

Exit codes:
  0 - Every change was applied
  1 - One or more changes failed to apply
  2 - Command error (missing database, unknown resolver, etc.)

Examples:
  chora sync ~/shared/desktop.db
  chora sync peer.db --resolver field-merge --format json`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Resolver, "resolver", "", "conflict resolver (default $CHORA_RESOLVER or none)")
	cmd.Flags().StringVar(&opts.PeerSite, "peer-site", "", "site id to use for the peer when it has none stored")

	return cmd
}

func runSync(opts *SyncOptions, peerPath string, cmd *cobra.Command) error {
	resolverName := opts.Resolver
	if resolverName == "" {
		resolverName = opts.defaultResolver()
	}

	resolver, err := conflict.ByName(resolverName)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --resolver", err)
	}
	queue := conflict.NewQueue()

	if samePath(opts.Database, peerPath) {
		return NewExitError(ExitCommandError, "cannot sync a database with itself")
	}

	ctx := cmd.Context()

	local, err := openSession(ctx, opts.RootOptions, opts.Database, opts.Site, false)
	if err != nil {
		return err
	}
	defer local.Close()

	remote, err := openSession(ctx, opts.RootOptions, peerPath, opts.PeerSite, false)
	if err != nil {
		return err
	}
	defer remote.Close()

	formatter := opts.formatter(cmd)
	formatter.VerboseLog("Syncing %s (%s) with %s (%s)",
		opts.Database, local.replica.SiteID(), peerPath, remote.replica.SiteID())

	syncer := chorasync.NewSyncer(chorasync.New(chorasync.WithLogger(opts.logger())), resolver, queue)
	res, err := syncer.SyncWith(ctx, local.replica, remote.replica)
	if err != nil {
		return err
	}

	report := SyncReport{
		LocalSite:         local.replica.SiteID(),
		RemoteSite:        remote.replica.SiteID(),
		Resolver:          resolverName,
		ChangesSent:       res.ChangesSent,
		ChangesReceived:   res.ChangesReceived,
		ConflictsResolved: res.ConflictsResolved,
		Deferred:          res.Deferred,
		Pending:           []pendingConflict{},
	}
	for _, c := range queue.Pending() {
		report.Pending = append(report.Pending, pendingConflict{
			EntityID:      c.EntityID,
			LocalSite:     c.LocalSiteID,
			LocalVersion:  c.LocalVersion,
			RemoteSite:    c.RemoteSiteID,
			RemoteVersion: c.RemoteVersion,
		})
	}
	for _, e := range res.Errors {
		report.Errors = append(report.Errors, e.Error())
	}

	if res.Success() {
		return formatter.Success(report)
	}

	message := fmt.Sprintf("%d change(s) failed to apply", len(res.Errors))
	if opts.Format == "json" {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{
			Status: "error",
			Data:   report,
			Error:  &CLIError{Code: ErrCodeSync, Message: message},
		}); err != nil {
			return err
		}
	} else {
		report.RenderText(cmd.OutOrStdout())
	}
	return reportedFailure(message)
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}
