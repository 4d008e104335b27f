// Package events implements the in-process publish/subscribe fanout.
//
// Delivery is synchronous and in registration order. Every listener call is
// isolated: a panicking listener is recovered, logged and counted, and the
// remaining listeners still run. Unsubscribing during delivery is safe; a
// listener removed before it was visited does not see the current event.
package events

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"courier/cmd/identity/ids"
)

// Event is a named application event republished from the push channel or raised locally.
type Event struct {
	Name    string
	Payload json.RawMessage
	At      time.Time
}

// Option configures a Bus.
type Option func(*options)

type options struct {
	name    string
	onPanic func()
}

// WithName labels the bus in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithPanicHook is invoked after a listener panic is recovered (metrics).
func WithPanicHook(fn func()) Option {
	return func(o *options) { o.onPanic = fn }
}

// Bus is a synchronous fanout of values of type T.
type Bus[T any] struct {
	log  *slog.Logger
	opts options

	mu   sync.Mutex
	subs atomic.Pointer[[]*subscription[T]]
}

type subscription[T any] struct {
	id     string
	fn     func(T)
	active atomic.Bool
}

// New builds an empty bus.
func New[T any](log *slog.Logger, opts ...Option) *Bus[T] {
	if log == nil {
		log = slog.Default()
	}
	o := options{name: "events"}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	b := &Bus[T]{log: log, opts: o}
	empty := []*subscription[T]{}
	b.subs.Store(&empty)
	return b
}

// Subscribe registers fn and returns an idempotent unsubscribe handle.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	sub := &subscription[T]{id: ids.MustULID(time.Now()), fn: fn}
	sub.active.Store(true)

	b.mu.Lock()
	cur := *b.subs.Load()
	next := make([]*subscription[T], 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, sub)
	b.subs.Store(&next)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *Bus[T]) remove(sub *subscription[T]) {
	sub.active.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.subs.Load()
	i := slices.Index(cur, sub)
	if i < 0 {
		return
	}
	next := slices.Delete(slices.Clone(cur), i, i+1)
	b.subs.Store(&next)
}

// Publish delivers v to every listener registered at call time, in order.
func (b *Bus[T]) Publish(v T) {
	for _, sub := range *b.subs.Load() {
		if !sub.active.Load() {
			continue
		}
		b.deliver(sub, v)
	}
}

func (b *Bus[T]) deliver(sub *subscription[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("events.listener.panic",
				"bus", b.opts.name,
				"subscription", sub.id,
				"panic", r,
			)
			if b.opts.onPanic != nil {
				b.opts.onPanic()
			}
		}
	}()
	sub.fn(v)
}

// Len returns the number of registered listeners.
func (b *Bus[T]) Len() int {
	return len(*b.subs.Load())
}

// On subscribes fn to events whose name is one of names (all events when names is empty).
func On(b *Bus[Event], fn func(Event), names ...string) (unsubscribe func()) {
	if fn == nil || len(names) == 0 {
		return b.Subscribe(fn)
	}
	want := slices.Clone(names)
	return b.Subscribe(func(ev Event) {
		if slices.Contains(want, ev.Name) {
			fn(ev)
		}
	})
}
