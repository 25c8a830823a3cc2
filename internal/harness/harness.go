package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/chora/internal/conflict"
	"github.com/roach88/chora/internal/doc"
	"github.com/roach88/chora/internal/entity"
	"github.com/roach88/chora/internal/kernel"
	"github.com/roach88/chora/internal/store"
	"github.com/roach88/chora/internal/sync"
	"github.com/roach88/chora/internal/testutil"
	"github.com/roach88/chora/internal/tracker"
)

// Error codes reported for failed steps that are not entity errors.
const (
	CodeValidation = "VALIDATION"
	CodeError      = "ERROR"
)

// stateLimit bounds how many entities per site are captured.
const stateLimit = 10000

// Harness is the scenario execution engine.
// Every site shares one deterministic clock.
type Harness struct {
	sites     map[string]*sync.Replica
	stores    []*store.Store
	syncer    sync.Syncer
	queue     *conflict.Queue
	validator *kernel.Validator
	clock     *testutil.Clock
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each site runs in a fresh in-memory database. Step expectations and
// assertions that do not hold are reported in Result.Errors; the returned
// error is reserved for failures of the harness itself.
//
// Execution flow:
//  1. Open one store and ledger per site
//  2. Execute steps, checking each step's expectation
//  3. Capture each site's final entities and the conflict queue
//  4. Evaluate assertions against the captured state
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	if err := h.captureState(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to capture state: %w", err)
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}

	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	reg, err := kernel.Default()
	if err != nil {
		return nil, fmt.Errorf("failed to load kernel: %w", err)
	}

	h := &Harness{
		sites:  make(map[string]*sync.Replica, len(scenario.Sites)),
		queue:  conflict.NewQueue(),
		clock:  testutil.NewClock(testutil.Epoch, time.Second),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in scenarios
	}
	h.validator = kernel.NewValidator(reg, kernel.WithClock(h.clock.Now))

	var resolver conflict.Resolver
	if scenario.Resolver != "" {
		if resolver, err = conflict.ByName(scenario.Resolver); err != nil {
			return nil, err
		}
	}
	h.syncer = sync.NewSyncer(sync.New(sync.WithLogger(h.logger)), resolver, h.queue)

	for _, site := range scenario.Sites {
		st, err := store.Open(":memory:", store.WithClock(h.clock), store.WithLogger(h.logger))
		if err != nil {
			h.close()
			return nil, fmt.Errorf("site %s: failed to create in-memory store: %w", site, err)
		}
		h.stores = append(h.stores, st)

		tr, err := tracker.New(ctx, st.DB(),
			tracker.WithSiteID(site),
			tracker.WithIDGenerator(testutil.NewSequentialIDs(site).Next),
			tracker.WithClock(h.clock.Now),
			tracker.WithLogger(h.logger),
		)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("site %s: failed to create tracker: %w", site, err)
		}
		h.sites[site] = sync.NewReplica(st, tr)
	}
	return h, nil
}

func (h *Harness) close() {
	for _, st := range h.stores {
		st.Close()
	}
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	switch step.Action() {
	case ActionCreate:
		return h.executeCreate(ctx, n, step, result)
	case ActionUpdate:
		return h.executeUpdate(ctx, n, step, result)
	case ActionDelete:
		return h.executeDelete(ctx, n, step, result)
	case ActionSync:
		return h.executeSync(ctx, n, step, result)
	}
	return fmt.Errorf("no action")
}

func (h *Harness) executeCreate(ctx context.Context, n int, step Step, result *Result) error {
	c := step.Create
	ev := TraceEvent{Step: n, Action: ActionCreate, Site: step.Site, ID: c.ID}

	data, err := doc.ObjectFromMap(c.Data)
	if err != nil {
		return fmt.Errorf("create data: %w", err)
	}
	if data == nil {
		data = doc.Object{}
	}
	if _, ok := data["name"]; !ok && c.Title != "" {
		data["name"] = doc.String(c.Title)
	}

	id, err := createID(c)
	if err == nil {
		ev.ID = id
		var created entity.Entity
		created, err = h.create(ctx, step.Site, id, c, data)
		if err == nil {
			ev.Version = created.Version
		}
	}
	h.finishWrite(n, step, ev, err, result)
	return nil
}

// createID is the explicit id, or the type plus the slug of the title.
func createID(c *CreateStep) (string, error) {
	if c.ID != "" {
		return c.ID, nil
	}
	slug, err := kernel.Slugify(c.Title)
	if err != nil {
		return "", err
	}
	return c.Type + "-" + slug, nil
}

func (h *Harness) create(ctx context.Context, site, id string, c *CreateStep, data doc.Object) (entity.Entity, error) {
	status := c.Status
	if status == "" {
		if spec, ok := h.validator.Registry().Lookup(c.Type); ok {
			status = spec.DefaultStatus()
		}
	}

	e := entity.Entity{ID: id, Type: c.Type, Status: status, Data: data}
	if err := h.validator.Validate(e); err != nil {
		return entity.Entity{}, err
	}
	return h.sites[site].Create(ctx, e)
}

func (h *Harness) executeUpdate(ctx context.Context, n int, step Step, result *Result) error {
	u := step.Update
	ev := TraceEvent{Step: n, Action: ActionUpdate, Site: step.Site, ID: u.ID}

	fields, err := doc.ObjectFromMap(u.Data)
	if err != nil {
		return fmt.Errorf("update data: %w", err)
	}

	updated, err := h.update(ctx, step.Site, u, fields)
	if err == nil {
		ev.Version = updated.Version
	}
	h.finishWrite(n, step, ev, err, result)
	return nil
}

func (h *Harness) update(ctx context.Context, site string, u *UpdateStep, fields doc.Object) (entity.Entity, error) {
	replica := h.sites[site]
	current, found, err := replica.Read(ctx, u.ID)
	if err != nil {
		return entity.Entity{}, err
	}
	if !found {
		return entity.Entity{}, entity.NewNotFoundError(u.ID)
	}

	next := current.Clone()
	if u.Version != 0 {
		next.Version = u.Version
	}
	if u.Status != "" {
		next.Status = u.Status
	}
	if len(fields) > 0 {
		next.Data = next.Data.Merge(fields)
	}
	if err := h.validator.Validate(next); err != nil {
		return entity.Entity{}, err
	}
	return replica.Update(ctx, next)
}

func (h *Harness) executeDelete(ctx context.Context, n int, step Step, result *Result) error {
	ev := TraceEvent{Step: n, Action: ActionDelete, Site: step.Site, ID: step.Delete.ID}

	deleted, err := h.sites[step.Site].Delete(ctx, step.Delete.ID)
	if err == nil {
		ev.Deleted = &deleted
	}
	h.finishWrite(n, step, ev, err, result)
	return nil
}

// finishWrite records a create, update or delete and checks its expectation.
func (h *Harness) finishWrite(n int, step Step, ev TraceEvent, err error, result *Result) {
	if err != nil {
		ev.Error = errorCode(err)
	}
	result.addTrace(ev)

	expect := step.Expect
	if expect == nil {
		if err != nil {
			result.AddError(fmt.Sprintf("step %d (%s %s): unexpected error: %v", n, ev.Action, ev.ID, err))
		}
		return
	}

	if expect.Error != "" {
		if err == nil {
			result.AddError(fmt.Sprintf("step %d (%s %s): expected error %s, got success", n, ev.Action, ev.ID, expect.Error))
		} else if ev.Error != expect.Error {
			result.AddError(fmt.Sprintf("step %d (%s %s): expected error %s, got %s: %v", n, ev.Action, ev.ID, expect.Error, ev.Error, err))
		}
		return
	}
	if err != nil {
		result.AddError(fmt.Sprintf("step %d (%s %s): unexpected error: %v", n, ev.Action, ev.ID, err))
		return
	}

	if expect.Version != 0 && ev.Version != expect.Version {
		result.AddError(fmt.Sprintf("step %d (%s %s): expected version %d, got %d", n, ev.Action, ev.ID, expect.Version, ev.Version))
	}
	if expect.Deleted != nil && ev.Deleted != nil && *expect.Deleted != *ev.Deleted {
		result.AddError(fmt.Sprintf("step %d (delete %s): expected deleted=%t, got %t", n, ev.ID, *expect.Deleted, *ev.Deleted))
	}
}

func (h *Harness) executeSync(ctx context.Context, n int, step Step, result *Result) error {
	localSite, remoteSite := step.Sync[0], step.Sync[1]

	res, err := h.syncer.SyncWith(ctx, h.sites[localSite], h.sites[remoteSite])
	if err != nil {
		return err
	}

	result.addTrace(TraceEvent{
		Step:      n,
		Action:    ActionSync,
		Site:      localSite,
		Peer:      remoteSite,
		Sent:      res.ChangesSent,
		Received:  res.ChangesReceived,
		Conflicts: res.ConflictsResolved,
		Deferred:  res.Deferred,
		Failed:    len(res.Errors),
	})

	for _, changeErr := range res.Errors {
		result.AddError(fmt.Sprintf("step %d (sync %s %s): %v", n, localSite, remoteSite, changeErr))
	}

	if step.Expect == nil {
		return nil
	}
	checks := []struct {
		name string
		want *int
		got  int
	}{
		{"sent", step.Expect.Sent, res.ChangesSent},
		{"received", step.Expect.Received, res.ChangesReceived},
		{"conflicts", step.Expect.Conflicts, res.ConflictsResolved},
		{"deferred", step.Expect.Deferred, res.Deferred},
	}
	for _, c := range checks {
		if c.want != nil && *c.want != c.got {
			result.AddError(fmt.Sprintf("step %d (sync %s %s): expected %s=%d, got %d", n, localSite, remoteSite, c.name, *c.want, c.got))
		}
	}
	return nil
}

func (h *Harness) captureState(ctx context.Context, result *Result) error {
	for site, replica := range h.sites {
		entities, err := replica.List(ctx, entity.Filter{}, stateLimit, 0)
		if err != nil {
			return fmt.Errorf("site %s: %w", site, err)
		}
		sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
		result.State[site] = entities
	}
	result.Pending = h.queue.Len()
	return nil
}

// errorCode classifies a step error for expectations and the trace.
func errorCode(err error) string {
	var ee *entity.Error
	if errors.As(err, &ee) {
		return string(ee.Code)
	}
	var ve *kernel.ValidationError
	if errors.As(err, &ve) {
		return CodeValidation
	}
	return CodeError
}
