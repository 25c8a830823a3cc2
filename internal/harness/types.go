package harness

import (
	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
)

// TraceEvent records the outcome of one step.
type TraceEvent struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Site   string `json:"site"`

	// Create, update and delete.
	ID      string `json:"id,omitempty"`
	Version int64  `json:"version,omitempty"`
	Deleted *bool  `json:"deleted,omitempty"`

	// Sync.
	Peer      string `json:"peer,omitempty"`
	Sent      int    `json:"sent,omitempty"`
	Received  int    `json:"received,omitempty"`
	Conflicts int    `json:"conflicts,omitempty"`
	Deferred  int    `json:"deferred,omitempty"`
	Failed    int    `json:"failed,omitempty"`

	// Error is the error code when the step failed.
	Error string `json:"error,omitempty"`
}

// toDoc renders the event for golden snapshots. Sync counts are always
// present on sync events; version only on successful writes.
func (ev TraceEvent) toDoc() doc.Object {
	obj := doc.Object{
		"step":   doc.Int(ev.Step),
		"action": doc.String(ev.Action),
		"site":   doc.String(ev.Site),
	}
	if ev.Error != "" {
		obj["error"] = doc.String(ev.Error)
	}

	switch ev.Action {
	case ActionSync:
		obj["peer"] = doc.String(ev.Peer)
		obj["sent"] = doc.Int(ev.Sent)
		obj["received"] = doc.Int(ev.Received)
		obj["conflicts"] = doc.Int(ev.Conflicts)
		obj["deferred"] = doc.Int(ev.Deferred)
		obj["failed"] = doc.Int(ev.Failed)
	default:
		obj["id"] = doc.String(ev.ID)
		if ev.Version > 0 {
			obj["version"] = doc.Int(ev.Version)
		}
		if ev.Deleted != nil {
			obj["deleted"] = doc.Bool(*ev.Deleted)
		}
	}
	return obj
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step met its expectation and every assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds each site's final entities, sorted by id.
	State map[string][]entity.Entity `json:"state,omitempty"`

	// Pending is the number of deferred conflicts left in the queue.
	Pending int `json:"pending"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string][]entity.Entity),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addTrace appends an event.
func (r *Result) addTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
