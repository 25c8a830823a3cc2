// Package conflict detects divergent entity versions and resolves them with
// pluggable, deterministic policies.
//
// Resolvers are pure: the same Conflict always yields the same Result, and
// ties always favor the local side.
package conflict

import (
	"fmt"
	"time"

	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
)

// Resolution is how a conflict was settled.
type Resolution string

const (
	LocalWins  Resolution = "local_wins"
	RemoteWins Resolution = "remote_wins"
	Merged     Resolution = "merged"
	Deferred   Resolution = "deferred"
	Skipped    Resolution = "skipped"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case LocalWins, RemoteWins, Merged, Deferred, Skipped:
		return true
	}
	return false
}

// Conflict is an ephemeral record of one entity diverging between two sites.
// LocalData and RemoteData are entity payloads (id, type, status, data).
type Conflict struct {
	EntityID        string
	EntityType      string
	LocalVersion    int64
	RemoteVersion   int64
	LocalData       doc.Object
	RemoteData      doc.Object
	LocalTimestamp  time.Time
	RemoteTimestamp time.Time
	LocalSiteID     string
	RemoteSiteID    string
}

// String implements fmt.Stringer.
func (c Conflict) String() string {
	return fmt.Sprintf("Conflict(%s: local v%d vs remote v%d)", c.EntityID, c.LocalVersion, c.RemoteVersion)
}

// Key identifies the conflict for queue bookkeeping.
func (c Conflict) Key() string {
	return fmt.Sprintf("%s@%d/%s@%d/%s", c.EntityID, c.LocalVersion, c.RemoteSiteID, c.RemoteVersion, c.LocalSiteID)
}

// Decision records how one key was settled by FieldMerge.
type Decision struct {
	Key    string `json:"key"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// String renders the decision the way merge messages list it.
func (d Decision) String() string {
	return fmt.Sprintf("%s: %s", d.Key, d.Reason)
}

// Result is the output of one resolver invocation.
// Data is nil iff Resolution is Deferred.
type Result struct {
	Conflict   Conflict
	Resolution Resolution
	Data       doc.Object
	Message    string
	Decisions  []Decision
}

// Resolver maps a conflict to a resolution. Implementations must be
// deterministic and must not panic.
type Resolver interface {
	Resolve(Conflict) Result
}

// Detect compares a local entity with an incoming remote one.
//
// A conflict exists iff the remote version is strictly greater than the local
// version and the payloads differ structurally. A remote version <= local is
// stale and yields nil; a newer but identical payload is a convergent no-op
// and also yields nil.
func Detect(local, remote entity.Entity, localSite, remoteSite string) *Conflict {
	if remote.Version <= local.Version {
		return nil
	}
	if entity.SamePayload(local, remote) {
		return nil
	}
	return &Conflict{
		EntityID:        local.ID,
		EntityType:      local.Type,
		LocalVersion:    local.Version,
		RemoteVersion:   remote.Version,
		LocalData:       local.Payload(),
		RemoteData:      remote.Payload(),
		LocalTimestamp:  lastModified(local),
		RemoteTimestamp: lastModified(remote),
		LocalSiteID:     localSite,
		RemoteSiteID:    remoteSite,
	}
}

func lastModified(e entity.Entity) time.Time {
	if !e.UpdatedAt.IsZero() {
		return e.UpdatedAt
	}
	return e.CreatedAt
}

// ApplyPayload returns base with status and data taken from a resolved payload.
// id and type are never changed. Keys other than status and data are ignored.
func ApplyPayload(base entity.Entity, payload doc.Object) (entity.Entity, error) {
	out := base.Clone()
	if v, ok := payload["status"]; ok {
		s, ok := v.(doc.String)
		if !ok || s == "" {
			return entity.Entity{}, fmt.Errorf("resolved status for %s is not a non-empty string", base.ID)
		}
		out.Status = string(s)
	}
	if v, ok := payload["data"]; ok {
		switch d := v.(type) {
		case doc.Object:
			out.Data = d.Clone()
		case doc.Null:
			out.Data = doc.Object{}
		default:
			return entity.Entity{}, fmt.Errorf("resolved data for %s is %T, want object", base.ID, v)
		}
	}
	return out, nil
}
