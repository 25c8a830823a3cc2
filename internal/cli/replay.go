package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	EntityID string // optional - one entity only
}

// ReplayProblem is one disagreement between the change log and the live table.
type ReplayProblem struct {
	Seq      int64  `json:"seq,omitempty"`
	EntityID string `json:"entity_id"`
	Message  string `json:"message"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Records    int             `json:"records"`
	Live       int             `json:"live"`
	Deleted    int             `json:"deleted"`
	Problems   []ReplayProblem `json:"problems"`
	Consistent bool            `json:"consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild state from the change log and compare",
		Long: `Replay the change log and verify it reproduces the live entities.

Every record is applied in sequence order: a create must start a new
entity at version 1, an update must advance its version by exactly one
and a delete must remove it one version later. The rebuilt state
must then equal the entities table, version and payload alike.

Exit codes:
  0 - The change log reproduces the live state
  1 - Differences detected
  2 - Command error (database not found, etc.)

Examples:
  chora replay
  chora replay --entity feature-login
  chora replay --format json`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EntityID, "entity", "", "replay one entity only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	sess, err := openSession(ctx, opts.RootOptions, opts.Database, opts.Site, false)
	if err != nil {
		return err
	}
	defer sess.Close()

	var (
		records []entity.VersionRecord
		live    map[string]entity.Entity
	)
	if opts.EntityID != "" {
		records, err = sess.store.History(ctx, opts.EntityID)
		if err != nil {
			return err
		}
		live = map[string]entity.Entity{}
		e, found, err := sess.store.Read(ctx, opts.EntityID)
		if err != nil {
			return err
		}
		if found {
			live[e.ID] = e
		}
	} else {
		records, err = sess.store.ChangesSince(ctx, 0)
		if err != nil {
			return err
		}
		live, err = liveEntities(ctx, sess)
		if err != nil {
			return err
		}
	}

	result := replayRecords(records, live)

	// Output results
	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result)
}

func liveEntities(ctx context.Context, sess *session) (map[string]entity.Entity, error) {
	live := make(map[string]entity.Entity)
	for offset := 0; ; offset += validatePageSize {
		page, err := sess.store.List(ctx, entity.Filter{}, validatePageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			live[e.ID] = e
		}
		if len(page) < validatePageSize {
			return live, nil
		}
	}
}

// replayRecords rebuilds entity state from records (in seq order) and
// compares it with live.
func replayRecords(records []entity.VersionRecord, live map[string]entity.Entity) ReplayResult {
	result := ReplayResult{Records: len(records), Problems: []ReplayProblem{}}
	state := make(map[string]entity.Entity)
	deleted := make(map[string]bool)

	problem := func(r entity.VersionRecord, format string, args ...any) {
		result.Problems = append(result.Problems, ReplayProblem{
			Seq:      r.Seq,
			EntityID: r.EntityID,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	for _, r := range records {
		current, exists := state[r.EntityID]
		switch r.Kind {
		case entity.ChangeCreate:
			if exists {
				problem(r, "create of an entity that already exists at v%d", current.Version)
			}
			if r.Version != 1 {
				problem(r, "create at v%d, want v1", r.Version)
			}
			state[r.EntityID] = r.Snapshot
			delete(deleted, r.EntityID)
		case entity.ChangeUpdate:
			if !exists {
				problem(r, "update of an entity that does not exist")
			} else if r.Version != current.Version+1 {
				problem(r, "update to v%d after v%d", r.Version, current.Version)
			}
			state[r.EntityID] = r.Snapshot
		case entity.ChangeDelete:
			if !exists {
				problem(r, "delete of an entity that does not exist")
			} else if r.Version != current.Version+1 {
				problem(r, "delete recorded as v%d after v%d", r.Version, current.Version)
			}
			delete(state, r.EntityID)
			deleted[r.EntityID] = true
		default:
			problem(r, "unknown change kind %q", r.Kind)
		}
	}

	ids := make([]string, 0, len(state)+len(live))
	for id := range state {
		ids = append(ids, id)
	}
	for id := range live {
		if _, ok := state[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		rebuilt, inLog := state[id]
		actual, isLive := live[id]
		switch {
		case !isLive:
			result.Problems = append(result.Problems, ReplayProblem{EntityID: id, Message: "in the change log but missing from the entities table"})
		case !inLog:
			result.Problems = append(result.Problems, ReplayProblem{EntityID: id, Message: "in the entities table but not in the change log"})
		case rebuilt.Version != actual.Version:
			result.Problems = append(result.Problems, ReplayProblem{EntityID: id,
				Message: fmt.Sprintf("change log ends at v%d, table has v%d", rebuilt.Version, actual.Version)})
		case !entity.SamePayload(rebuilt, actual):
			result.Problems = append(result.Problems, ReplayProblem{EntityID: id, Message: payloadMismatch(rebuilt, actual)})
		}
	}

	result.Live = len(live)
	result.Deleted = len(deleted)
	result.Consistent = len(result.Problems) == 0
	return result
}

// payloadMismatch names the short payload digests of both sides so a
// mismatch can be matched against other replicas.
func payloadMismatch(logged, live entity.Entity) string {
	msg := "payload differs from the last change log snapshot"
	a, errA := doc.Digest(doc.DomainPayload, logged.Payload())
	b, errB := doc.Digest(doc.DomainPayload, live.Payload())
	if errA != nil || errB != nil {
		return msg
	}
	return fmt.Sprintf("%s (log %s, table %s)", msg, a[:12], b[:12])
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	if !result.Consistent {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "REPLAY_MISMATCH",
			Message: "change log does not reproduce the live state",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.Consistent {
		// Replay mismatch = exit code 1
		return reportedFailure("change log does not reproduce the live state")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d record(s), %d live, %d deleted\n", result.Records, result.Live, result.Deleted)

	for _, p := range result.Problems {
		if p.Seq > 0 {
			fmt.Fprintf(w, "✗ %s (seq %d): %s\n", p.EntityID, p.Seq, p.Message)
		} else {
			fmt.Fprintf(w, "✗ %s: %s\n", p.EntityID, p.Message)
		}
	}

	if result.Consistent {
		fmt.Fprintln(w, "✓ Change log reproduces the live state")
		return nil
	}

	fmt.Fprintln(w, "✗ Replay verification failed")
	// Replay mismatch = exit code 1
	return reportedFailure("change log does not reproduce the live state")
}
