package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"courier/cmd/internal/metrics"
)

// API is the slice of the REST client the caches need.
type API interface {
	GetJSON(ctx context.Context, path string, query url.Values, dst any) error
	SendJSON(ctx context.Context, method, path string, in, dst any) error
}

type timer interface {
	Stop() bool
}

// resource is one cached list. Every fetch takes a sequence number; a result older than the
// one already held is discarded, so the latest request wins.
type resource struct {
	name    string
	path    string
	query   url.Values
	api     API
	guard   *Guard
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	afterFunc func(time.Duration, func()) timer

	issued atomic.Uint64

	mu      sync.RWMutex
	items   []Item
	applied uint64
	loaded  bool
	active  bool
	epoch   uint64
	ctx     context.Context
	cancel  context.CancelFunc
	trail   timer

	wg sync.WaitGroup
}

func newResource(name, path string, query url.Values, api API, guard *Guard, log *slog.Logger, m *metrics.Metrics) *resource {
	ctx, cancel := context.WithCancel(context.Background())
	return &resource{
		name:    name,
		path:    path,
		query:   query,
		api:     api,
		guard:   guard,
		log:     log,
		metrics: m,
		timeout: 15 * time.Second,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Items returns the cached list; callers must not modify it.
func (r *resource) Items() []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items
}

// Loaded reports whether at least one fetch has been applied since the last reset.
func (r *resource) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

func (r *resource) contains(id int64) bool {
	return slices.ContainsFunc(r.Items(), func(it Item) bool { return it.ID == id })
}

// Refresh fetches now, bypassing the guard.
func (r *resource) Refresh(ctx context.Context) error {
	seq := r.issued.Add(1)
	r.mu.RLock()
	epoch := r.epoch
	r.mu.RUnlock()

	var body json.RawMessage
	if err := r.api.GetJSON(ctx, r.path, r.query, &body); err != nil {
		if !isCancel(err) {
			r.metrics.CacheRefresh(r.name, "fail")
		}
		return err
	}
	items, err := parseList(body)
	if err != nil {
		r.metrics.CacheRefresh(r.name, "fail")
		return err
	}

	if !r.apply(seq, epoch, items) {
		r.metrics.CacheRefresh(r.name, "stale")
		return nil
	}
	r.metrics.CacheRefresh(r.name, "ok")
	return nil
}

func (r *resource) apply(seq, epoch uint64, items []Item) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch || seq <= r.applied {
		return false
	}
	r.items = items
	r.applied = seq
	r.loaded = true
	return true
}

// Trigger requests a background refresh. Bursts collapse into one call plus at most one trailing call.
func (r *resource) Trigger() {
	r.mu.RLock()
	active, ctx := r.active, r.ctx
	r.mu.RUnlock()
	if !active {
		return
	}

	ok, wait := r.guard.TryEnter()
	if !ok {
		if wait > 0 {
			r.armTrailing(wait)
		}
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("cache."+r.name+".panic", "panic", rec)
			}
			if r.guard.Leave() {
				r.armTrailing(r.guard.Until())
			}
		}()

		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := r.Refresh(cctx); err != nil && !isCancel(err) {
			r.log.Info("cache."+r.name+".refresh.fail", "err", err)
		}
	}()
}

func (r *resource) armTrailing(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trail != nil || !r.active {
		return
	}
	r.trail = r.afterFunc(d, func() {
		r.mu.Lock()
		r.trail = nil
		r.mu.Unlock()
		r.Trigger()
	})
}

// activate enables event-driven refreshes.
func (r *resource) activate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
}

// reset drops cached data, cancels in-flight fetches and disables triggers until activate.
func (r *resource) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancel()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	if r.trail != nil {
		r.trail.Stop()
		r.trail = nil
	}
	r.epoch++
	r.items = nil
	r.loaded = false
	r.active = false
}

// remove drops id locally ahead of the canonical re-fetch.
func (r *resource) remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = slices.DeleteFunc(slices.Clone(r.items), func(it Item) bool { return it.ID == id })
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
