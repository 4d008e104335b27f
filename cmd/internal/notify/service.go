package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

const (
	listPath = "/notifications"
	readPath = "/notifications/read"
)

// API is the slice of the REST client the service needs.
type API interface {
	GetJSON(ctx context.Context, path string, query url.Values, dst any) error
	SendJSON(ctx context.Context, method, path string, in, dst any) error
}

// Cue is a fire-and-forget side effect for newly inserted notifications (e.g. a sound).
type Cue func(Notification)

// Option configures a Service.
type Option func(*Service)

// WithCue sets the insert side effect.
func WithCue(c Cue) Option { return func(s *Service) { s.cue = c } }

// Service keeps a Store in sync with the server.
type Service struct {
	api   API
	store *Store
	log   *slog.Logger
	cue   Cue
	now   func() time.Time
}

// NewService builds a service over store.
func NewService(api API, store *Store, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		api:   api,
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Store returns the backing store.
func (s *Service) Store() *Store { return s.store }

// Insert applies a pushed notification object and fires the cue.
func (s *Service) Insert(_ context.Context, raw json.RawMessage) error {
	n, err := Parse(raw, s.now())
	if err != nil {
		return err
	}
	s.store.Upsert(n)
	s.fireCue(n)
	return nil
}

func (s *Service) fireCue(n Notification) {
	if s.cue == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Warn("notify.cue.panic", "id", n.ID, "panic", r)
			}
		}()
		s.cue(n)
	}()
}

// Refresh fetches the server snapshot and installs it when it differs. Accepts a bare array
// or a paginated {"results":[...]} body.
func (s *Service) Refresh(ctx context.Context) (bool, error) {
	var body json.RawMessage
	if err := s.api.GetJSON(ctx, listPath, nil, &body); err != nil {
		return false, err
	}

	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		list = list.Get("results")
	}
	if !list.IsArray() {
		return false, ErrBadNotification
	}

	now := s.now()
	snapshot := make([]Notification, 0, len(list.Array()))
	for _, item := range list.Array() {
		n, err := Parse([]byte(item.Raw), now)
		if err != nil {
			s.log.Debug("notify.snapshot.skip", "err", err)
			continue
		}
		snapshot = append(snapshot, n)
	}

	// A session torn down while the request was in flight must not get its list back.
	if err := ctx.Err(); err != nil {
		return false, err
	}
	changed := s.store.ReplaceIfChanged(snapshot)
	s.log.Debug("notify.refresh", "count", len(snapshot), "changed", changed)
	return changed, nil
}

// MarkRead flags ids read locally first, then tells the server and re-fetches the canonical list.
func (s *Service) MarkRead(ctx context.Context, ids []int64) error {
	ids = ValidIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	s.store.MarkRead(ids)

	if err := s.api.SendJSON(ctx, http.MethodPost, readPath, ids, nil); err != nil {
		return err
	}
	_, err := s.Refresh(ctx)
	return err
}

// Poll refreshes every interval until ctx is done. Failures are logged and retried on the next tick.
func (s *Service) Poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Refresh(ctx); err != nil && !isCancel(err) {
				s.log.Info("notify.poll.fail", "err", err)
			}
		}
	}
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
