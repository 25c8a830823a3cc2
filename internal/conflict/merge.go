package conflict

import (
	"fmt"
	"strings"

	"github.com/roach88/chora/internal/doc"
)

// Priority picks a side for keys whose values differ.
type Priority string

const (
	PriorityLocal  Priority = "local"
	PriorityRemote Priority = "remote"
)

// ParsePriority accepts "local" or "remote".
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLocal, PriorityRemote:
		return p, nil
	}
	return "", fmt.Errorf("invalid priority %q (want local or remote)", s)
}

// FieldMerge merges the two payloads key by key over the union of their keys:
//   - key on one side only: taken unconditionally
//   - equal values: taken as-is
//   - differing values: the override for that key if any, else Default
//
// Keys are visited in sorted order so the decision log is deterministic.
//
// With Recursive set, differing values that are both objects are merged the
// same way, with nested keys addressed as "parent.child". An override on a
// parent path applies to everything beneath it.
//
// An absent key means "never set": FieldMerge cannot express deliberate
// removal of a field.
type FieldMerge struct {
	Default   Priority
	Overrides map[string]Priority
	Recursive bool
}

// NewFieldMerge creates a FieldMerge. An empty default means remote.
func NewFieldMerge(def Priority, overrides map[string]Priority) *FieldMerge {
	if def == "" {
		def = PriorityRemote
	}
	return &FieldMerge{Default: def, Overrides: overrides}
}

func (m *FieldMerge) Resolve(c Conflict) Result {
	var decisions []Decision
	merged := m.merge("", c.LocalData, c.RemoteData, &decisions)

	msg := "No conflicts"
	if len(decisions) > 0 {
		parts := make([]string, len(decisions))
		for i, d := range decisions {
			parts[i] = d.String()
		}
		msg = strings.Join(parts, "; ")
	}

	return Result{
		Conflict:   c,
		Resolution: Merged,
		Data:       merged,
		Message:    msg,
		Decisions:  decisions,
	}
}

func (m *FieldMerge) merge(prefix string, local, remote doc.Object, decisions *[]Decision) doc.Object {
	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}
	union := make(doc.Object, len(keys))
	for k := range keys {
		union[k] = doc.Null{}
	}

	out := make(doc.Object, len(keys))
	for _, key := range union.SortedKeys() {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		lv, inLocal := local[key]
		rv, inRemote := remote[key]

		switch {
		case inLocal && !inRemote:
			out[key] = doc.Clone(lv)
			*decisions = append(*decisions, Decision{Key: path, Source: string(PriorityLocal), Reason: "kept from local"})
		case inRemote && !inLocal:
			out[key] = doc.Clone(rv)
			*decisions = append(*decisions, Decision{Key: path, Source: string(PriorityRemote), Reason: "added from remote"})
		case doc.Equal(lv, rv):
			out[key] = doc.Clone(lv)
		default:
			lo, lok := lv.(doc.Object)
			ro, rok := rv.(doc.Object)
			if m.Recursive && lok && rok && !m.hasOverride(path) {
				out[key] = m.merge(path, lo, ro, decisions)
				continue
			}
			if m.priorityFor(path) == PriorityLocal {
				out[key] = doc.Clone(lv)
				*decisions = append(*decisions, Decision{Key: path, Source: string(PriorityLocal), Reason: "local wins"})
			} else {
				out[key] = doc.Clone(rv)
				*decisions = append(*decisions, Decision{Key: path, Source: string(PriorityRemote), Reason: "remote wins"})
			}
		}
	}
	return out
}

func (m *FieldMerge) hasOverride(path string) bool {
	_, ok := m.Overrides[path]
	return ok
}

// priorityFor checks the exact path, then each ancestor, then Default.
func (m *FieldMerge) priorityFor(path string) Priority {
	for p := path; ; {
		if pr, ok := m.Overrides[p]; ok {
			return pr
		}
		i := strings.LastIndexByte(p, '.')
		if i < 0 {
			break
		}
		p = p[:i]
	}
	if m.Default == "" {
		return PriorityRemote
	}
	return m.Default
}
