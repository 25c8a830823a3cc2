// Package observer delivers committed entity mutations to subscribers.
//
// The store publishes after its transaction commits. Subscriber errors and
// panics are logged and never reach the publisher, so a misbehaving
// subscriber cannot roll back or block a write.
package observer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/chora/internal/entity"
)

// DefaultLogSize is the number of events kept for Recent.
const DefaultLogSize = 1000

// Kind is the type of change an Event describes.
type Kind string

const (
	Created Kind = "created"
	Updated Kind = "updated"
	Deleted Kind = "deleted"
)

// Event describes one committed mutation.
type Event struct {
	Kind       Kind
	EntityID   string
	EntityType string

	// Entity is the post-mutation state. Nil for deletes.
	Entity *entity.Entity

	// OldStatus is set for updates and deletes.
	OldStatus string
	NewStatus string

	// Seq is the change-log position the mutation was recorded at.
	Seq int64
	At  time.Time
}

// Handler receives events. A returned error is logged.
type Handler func(Event) error

// Filter narrows Recent. Empty fields match everything.
type Filter struct {
	EntityType string
	Kind       Kind
}

// Hub fans events out to subscribers and keeps a bounded log.
// Safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	log      []Event
	logSize  int
	logger   *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger used for subscriber failures.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithLogSize bounds the event log. Values <= 0 disable the log.
func WithLogSize(n int) Option {
	return func(h *Hub) {
		h.logSize = n
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		handlers: make(map[int]Handler),
		logSize:  DefaultLogSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers fn and returns a function that removes it.
func (h *Hub) Subscribe(fn Handler) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.handlers[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers, id)
	}
}

// SubscribeChan delivers events on a buffered channel.
// Delivery is non-blocking: when the buffer is full the event is dropped
// for this subscriber and a warning is logged. cancel closes the channel.
func (h *Hub) SubscribeChan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var once sync.Once
	var closed bool
	var chMu sync.Mutex

	unsubscribe := h.Subscribe(func(ev Event) error {
		chMu.Lock()
		defer chMu.Unlock()
		if closed {
			return nil
		}
		select {
		case ch <- ev:
			return nil
		default:
			return fmt.Errorf("subscriber buffer full, dropped %s event for %s", ev.Kind, ev.EntityID)
		}
	})

	return ch, func() {
		once.Do(func() {
			unsubscribe()
			chMu.Lock()
			closed = true
			close(ch)
			chMu.Unlock()
		})
	}
}

// Publish records ev and delivers it to every subscriber.
// Subscribers are called synchronously outside the hub lock.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	if h.logSize > 0 {
		h.log = append(h.log, ev)
		if len(h.log) > h.logSize {
			h.log = append([]Event(nil), h.log[len(h.log)-h.logSize:]...)
		}
	}
	handlers := make([]Handler, 0, len(h.handlers))
	for id := 0; id < h.nextID; id++ {
		if fn, ok := h.handlers[id]; ok {
			handlers = append(handlers, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		h.deliver(fn, ev)
	}
}

func (h *Hub) deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("observer subscriber panicked",
				"entity_id", ev.EntityID,
				"kind", ev.Kind,
				"panic", r,
			)
		}
	}()

	if err := fn(ev); err != nil {
		h.logger.Warn("observer subscriber failed",
			"entity_id", ev.EntityID,
			"kind", ev.Kind,
			"error", err,
		)
	}
}

// Recent returns logged events matching f, most recent first.
// limit <= 0 returns every match.
func (h *Hub) Recent(f Filter, limit int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Event
	for i := len(h.log) - 1; i >= 0; i-- {
		ev := h.log[i]
		if f.EntityType != "" && ev.EntityType != f.EntityType {
			continue
		}
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// ClearLog empties the event log. Subscriptions are unaffected.
func (h *Hub) ClearLog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = nil
}
