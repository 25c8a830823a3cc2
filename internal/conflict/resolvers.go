package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	_ Resolver = LastWriteWins{}
	_ Resolver = HigherVersionWins{}
	_ Resolver = (*FieldMerge)(nil)
	_ Resolver = Defer{}
	_ Resolver = Callback(nil)
)

// Resolver names accepted by ByName.
const (
	NameLastWriteWins     = "last-write-wins"
	NameHigherVersionWins = "higher-version-wins"
	NameFieldMerge        = "field-merge"
	NameDefer             = "defer"
	// NameNone selects no resolver: conflicts are settled by the sync
	// engine's version-ordered projection.
	NameNone = "none"
)

// LastWriteWins keeps the side with the later timestamp. Ties keep local.
type LastWriteWins struct{}

func (LastWriteWins) Resolve(c Conflict) Result {
	if !c.LocalTimestamp.Before(c.RemoteTimestamp) {
		return Result{
			Conflict:   c,
			Resolution: LocalWins,
			Data:       c.LocalData.Clone(),
			Message: fmt.Sprintf("Local version newer (%s >= %s)",
				c.LocalTimestamp.Format(time.RFC3339Nano), c.RemoteTimestamp.Format(time.RFC3339Nano)),
		}
	}
	return Result{
		Conflict:   c,
		Resolution: RemoteWins,
		Data:       c.RemoteData.Clone(),
		Message: fmt.Sprintf("Remote version newer (%s > %s)",
			c.RemoteTimestamp.Format(time.RFC3339Nano), c.LocalTimestamp.Format(time.RFC3339Nano)),
	}
}

// HigherVersionWins keeps the side with the larger version. Ties keep local.
type HigherVersionWins struct{}

func (HigherVersionWins) Resolve(c Conflict) Result {
	if c.LocalVersion >= c.RemoteVersion {
		return Result{
			Conflict:   c,
			Resolution: LocalWins,
			Data:       c.LocalData.Clone(),
			Message:    fmt.Sprintf("Local version higher (%d >= %d)", c.LocalVersion, c.RemoteVersion),
		}
	}
	return Result{
		Conflict:   c,
		Resolution: RemoteWins,
		Data:       c.RemoteData.Clone(),
		Message:    fmt.Sprintf("Remote version higher (%d > %d)", c.RemoteVersion, c.LocalVersion),
	}
}

// Defer always leaves the conflict for manual resolution.
type Defer struct{}

func (Defer) Resolve(c Conflict) Result {
	return Result{
		Conflict:   c,
		Resolution: Deferred,
		Message:    "Conflict deferred for manual resolution",
	}
}

// Callback delegates to custom logic. The function must be deterministic.
// A nil Callback, a panic, or an invalid result yields Deferred.
type Callback func(Conflict) Result

func (fn Callback) Resolve(c Conflict) (res Result) {
	if fn == nil {
		return deferWith(c, "no callback configured")
	}

	defer func() {
		if r := recover(); r != nil {
			res = deferWith(c, fmt.Sprintf("callback panicked: %v", r))
		}
	}()

	res = fn(c)
	res.Conflict = c
	switch {
	case !res.Resolution.Valid():
		return deferWith(c, fmt.Sprintf("callback returned unknown resolution %q", res.Resolution))
	case res.Resolution == Deferred:
		res.Data = nil
	case res.Data == nil:
		return deferWith(c, fmt.Sprintf("callback returned %s without data", res.Resolution))
	}
	return res
}

func deferWith(c Conflict, reason string) Result {
	return Result{
		Conflict:   c,
		Resolution: Deferred,
		Message:    "Conflict deferred: " + reason,
	}
}

// ByName returns a built-in resolver. field-merge uses remote priority and
// merges nested objects key by key. "none" returns a nil Resolver.
func ByName(name string) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameNone:
		return nil, nil
	case NameLastWriteWins, "lww":
		return LastWriteWins{}, nil
	case NameHigherVersionWins:
		return HigherVersionWins{}, nil
	case NameFieldMerge:
		fm := NewFieldMerge(PriorityRemote, nil)
		fm.Recursive = true
		return fm, nil
	case NameDefer:
		return Defer{}, nil
	}
	return nil, fmt.Errorf("unknown resolver %q (want %s or one of %s)", name, NameNone, strings.Join(Names(), ", "))
}

// Names lists the resolvers ByName accepts, sorted.
func Names() []string {
	names := []string{NameLastWriteWins, NameHigherVersionWins, NameFieldMerge, NameDefer}
	sort.Strings(names)
	return names
}
