package notify

import (
	"log/slog"
	"slices"
	"sync"

	"courier/cmd/internal/events"
	"courier/cmd/internal/metrics"
)

// Store is the ordered (newest-first) notification list, unique by id.
type Store struct {
	metrics *metrics.Metrics
	changes *events.Bus[[]Notification]

	mu      sync.RWMutex
	pubMu   sync.Mutex
	items   []Notification
	version uint64
}

// NewStore builds an empty store. m may be nil.
func NewStore(log *slog.Logger, m *metrics.Metrics) *Store {
	return &Store{
		metrics: m,
		changes: events.New[[]Notification](log, events.WithName("notify.store")),
	}
}

// Upsert replaces the entry with the same id in place, or prepends a new one. Last write wins.
func (s *Store) Upsert(n Notification) {
	s.mu.Lock()
	next := make([]Notification, 0, len(s.items)+1)
	i := slices.IndexFunc(s.items, func(cur Notification) bool { return cur.ID == n.ID })
	if i >= 0 {
		next = append(next, s.items...)
		next[i] = n
	} else {
		next = append(next, n)
		next = append(next, s.items...)
	}
	s.swapLocked(next)
}

// ReplaceIfChanged installs snapshot unless it has the same length, ids, order and read flags
// as the current list. It reports whether the list was replaced.
func (s *Store) ReplaceIfChanged(snapshot []Notification) bool {
	s.mu.Lock()
	if sameShape(s.items, snapshot) {
		s.mu.Unlock()
		return false
	}
	s.swapLocked(slices.Clone(snapshot))
	return true
}

// MarkRead flags the given ids as read locally. Non-positive ids are ignored; it returns how many
// entries changed.
func (s *Store) MarkRead(ids []int64) int {
	ids = ValidIDs(ids)
	if len(ids) == 0 {
		return 0
	}

	s.mu.Lock()
	changed := 0
	next := slices.Clone(s.items)
	for i := range next {
		if !next[i].Read && slices.Contains(ids, next[i].ID) {
			next[i].Read = true
			changed++
		}
	}
	if changed == 0 {
		s.mu.Unlock()
		return 0
	}
	s.swapLocked(next)
	return changed
}

// Reset empties the list (logout).
func (s *Store) Reset() {
	s.mu.Lock()
	if len(s.items) == 0 {
		s.mu.Unlock()
		return
	}
	s.swapLocked(nil)
}

// List returns the current list. The slice is never mutated after it is published; callers must not modify it.
func (s *Store) List() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items
}

// Unread counts entries not yet read.
func (s *Store) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countUnread(s.items)
}

// Version increments on every accepted change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Watch observes every accepted change with the new list, in order. Listeners must not write to the store.
func (s *Store) Watch(fn func([]Notification)) (unsubscribe func()) {
	return s.changes.Subscribe(fn)
}

// swapLocked publishes next. Caller holds mu; swapLocked releases it.
func (s *Store) swapLocked(next []Notification) {
	s.items = next
	s.version++
	unread := countUnread(next)
	s.pubMu.Lock()
	s.mu.Unlock()
	defer s.pubMu.Unlock()

	s.metrics.Unread(unread)
	s.changes.Publish(next)
}

func sameShape(a, b []Notification) bool {
	return slices.EqualFunc(a, b, func(x, y Notification) bool {
		return x.ID == y.ID && x.Read == y.Read
	})
}

func countUnread(items []Notification) int {
	n := 0
	for _, it := range items {
		if !it.Read {
			n++
		}
	}
	return n
}
