package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/tracker"
)

// changeLog is a slice of the store's append-only change log.
type changeLog struct {
	Records []entity.VersionRecord `json:"records"`
}

func (l changeLog) RenderText(w io.Writer) {
	if len(l.Records) == 0 {
		fmt.Fprintln(w, "No changes.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tENTITY\tVERSION\tSTATUS\tCHANGED")
	for _, r := range l.Records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			r.Seq, r.Kind, r.EntityID, r.Version, r.Snapshot.Status, r.ChangedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

// ledgerEntry is a tracker.Change with its snapshot left as raw JSON.
type ledgerEntry struct {
	Version    int64           `json:"version"`
	ID         string          `json:"change_id"`
	EntityID   string          `json:"entity_id"`
	Op         tracker.Op      `json:"op"`
	Table      string          `json:"table"`
	SiteID     string          `json:"site_id"`
	Value      json.RawMessage `json:"value,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// ledgerView is the sync ledger of one site with its peer watermarks.
type ledgerView struct {
	SiteID     string           `json:"site_id"`
	Changes    []ledgerEntry    `json:"changes"`
	Watermarks map[string]int64 `json:"watermarks"`
}

func newLedgerView(site string, changes []tracker.Change, watermarks map[string]int64) ledgerView {
	v := ledgerView{
		SiteID:     site,
		Changes:    make([]ledgerEntry, len(changes)),
		Watermarks: watermarks,
	}
	for i, c := range changes {
		v.Changes[i] = ledgerEntry{
			Version:    c.Version,
			ID:         c.ID,
			EntityID:   c.EntityID,
			Op:         c.Op,
			Table:      c.Table,
			SiteID:     c.SiteID,
			Value:      json.RawMessage(c.Value),
			RecordedAt: c.RecordedAt,
		}
	}
	return v
}

func (v ledgerView) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Site: %s\n", v.SiteID)
	if len(v.Changes) == 0 {
		fmt.Fprintln(w, "No ledger changes.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tOP\tENTITY\tAUTHOR\tCHANGE")
		for _, c := range v.Changes {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.Version, c.Op, c.EntityID, c.SiteID, c.ID)
		}
		tw.Flush()
	}

	peers := make([]string, 0, len(v.Watermarks))
	for peer := range v.Watermarks {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	for _, peer := range peers {
		fmt.Fprintf(w, "Synced with %s up to %d\n", peer, v.Watermarks[peer])
	}
}

// ChangesOptions holds flags for the changes command.
type ChangesOptions struct {
	*RootOptions
	Since  int64
	Ledger bool
}

// NewChangesCommand creates the changes command.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Show the change log",
		Long: `Show the store's change log: one record per create, update and
delete, numbered by a store-wide sequence.

With --ledger the sync ledger is shown instead. It lists every change
this site knows about, including those received from peers, and how far
each peer has been synced.

Examples:
  chora changes --since 40
  chora changes --ledger --format json`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Since < 0 {
				return NewExitError(ExitCommandError, "--since must not be negative")
			}

			sess, err := openSession(cmd.Context(), rootOpts, rootOpts.Database, rootOpts.Site, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx := cmd.Context()
			if opts.Ledger {
				changes, err := sess.tracker.ChangesSince(ctx, opts.Since)
				if err != nil {
					return err
				}
				watermarks, err := sess.tracker.Watermarks(ctx)
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Success(newLedgerView(sess.tracker.SiteID(), changes, watermarks))
			}

			records, err := sess.store.ChangesSince(ctx, opts.Since)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(changeLog{Records: records})
		},
	}

	cmd.Flags().Int64Var(&opts.Since, "since", 0, "only changes after this sequence number")
	cmd.Flags().BoolVar(&opts.Ledger, "ledger", false, "show the sync ledger instead of the store change log")

	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show every version of an entity",
		Long: `Show every recorded version of an entity, oldest first.
Deleted entities keep their history.`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), rootOpts, rootOpts.Database, rootOpts.Site, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			records, err := sess.store.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return entity.NewNotFoundError(args[0])
			}
			return rootOpts.formatter(cmd).Success(changeLog{Records: records})
		},
	}
}
