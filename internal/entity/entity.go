// Package entity defines the versioned domain record shared by the store,
// the sync engine and the conflict resolvers.
//
// Entities are immutable by convention: operations return new values and
// callers use Clone before mutating Data.
package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/chora/internal/doc"
)

// Entity is one typed, versioned domain record.
//
// Invariants:
//   - ID begins with Type + "-"
//   - Version starts at 1 and advances by exactly 1 per successful mutation
type Entity struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Data      doc.Object `json:"data"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks the structural rules the store enforces.
// Semantic rules (allowed statuses, required fields) belong to the kernel validator.
func (e Entity) Validate() error {
	switch {
	case e.ID == "":
		return NewInvalidError(e.ID, "id is required")
	case e.Type == "":
		return NewInvalidError(e.ID, "type is required")
	case e.Status == "":
		return NewInvalidError(e.ID, "status is required")
	case !HasTypePrefix(e.ID, e.Type):
		return NewInvalidError(e.ID, fmt.Sprintf("id must start with %q", e.Type+"-"))
	}
	return nil
}

// HasTypePrefix reports whether id is "{typ}-" followed by a non-empty slug.
func HasTypePrefix(id, typ string) bool {
	prefix := typ + "-"
	return strings.HasPrefix(id, prefix) && len(id) > len(prefix)
}

// Name returns data.name, or "" when absent.
func (e Entity) Name() string {
	return e.Data.GetString("name")
}

// Description returns data.description, or "" when absent.
func (e Entity) Description() string {
	return e.Data.GetString("description")
}

// Clone returns a copy whose Data can be modified without affecting e.
func (e Entity) Clone() Entity {
	e.Data = e.Data.Clone()
	return e
}

// Payload is the part of an entity that conflict detection compares:
// id, type, status and data. Version and timestamps are bookkeeping.
func (e Entity) Payload() doc.Object {
	data := e.Data
	if data == nil {
		data = doc.Object{}
	}
	return doc.Object{
		"id":     doc.String(e.ID),
		"type":   doc.String(e.Type),
		"status": doc.String(e.Status),
		"data":   data,
	}
}

// SamePayload reports whether a and b are structurally identical apart from
// version and timestamps.
func SamePayload(a, b Entity) bool {
	return doc.Equal(a.Payload(), b.Payload())
}

// ChangeKind classifies a change-log entry.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

// VersionRecord is one append-only change-log entry.
//
// Seq is store-wide and monotonic, not per entity. Snapshot is the
// post-image of the mutation; for deletes it is the entity as it was
// immediately before removal.
type VersionRecord struct {
	Seq       int64      `json:"seq"`
	EntityID  string     `json:"entity_id"`
	Version   int64      `json:"version"`
	Kind      ChangeKind `json:"change_kind"`
	ChangedAt time.Time  `json:"changed_at"`
	Snapshot  Entity     `json:"snapshot"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Type   string
	Status string
}
