package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"courier/cmd/identity"
	"courier/cmd/internal/events"
	"courier/cmd/internal/metrics"
	v1 "courier/shared/contracts/realtime/v1"
)

// Names used in logs and the courier_cache_refresh_total metric.
const (
	NameContacts    = "contacts"
	NameRequestsIn  = "requests_in"
	NameRequestsOut = "requests_out"
	NameBlocked     = "blocked"
	NameSaved       = "saved"
)

// Request responses accepted by Respond.
const (
	ActionAccept  = "accept"
	ActionDecline = "decline"
)

// Caches is the set of per-session domain caches.
type Caches struct {
	api API
	log *slog.Logger
	bus *events.Bus[events.Event]

	contacts    *resource
	requestsIn  *resource
	requestsOut *resource
	blocked     *resource
	saved       *resource
}

// New builds the caches. Triggers stay inert until Activate.
func New(api API, bus *events.Bus[events.Event], minInterval time.Duration, log *slog.Logger, m *metrics.Metrics) *Caches {
	if log == nil {
		log = slog.Default()
	}
	res := func(name, path string, q url.Values) *resource {
		return newResource(name, path, q, api, NewGuard(minInterval), log, m)
	}
	pending := func(dir string) url.Values {
		return url.Values{"direction": {dir}, "status": {"pending"}}
	}

	return &Caches{
		api:         api,
		log:         log,
		bus:         bus,
		contacts:    res(NameContacts, "/contacts", nil),
		requestsIn:  res(NameRequestsIn, "/contacts/requests", pending("in")),
		requestsOut: res(NameRequestsOut, "/contacts/requests", pending("out")),
		blocked:     res(NameBlocked, "/users/blocked", nil),
		saved:       res(NameSaved, "/saved", nil),
	}
}

func (c *Caches) all() []*resource {
	return []*resource{c.contacts, c.requestsIn, c.requestsOut, c.blocked, c.saved}
}

// Attach subscribes the caches to their invalidation events and returns the detach handle.
func (c *Caches) Attach(bus *events.Bus[events.Event]) (detach func()) {
	offs := []func(){
		events.On(bus, func(events.Event) {
			c.contacts.Trigger()
			c.requestsIn.Trigger()
			c.requestsOut.Trigger()
		}, v1.TypeContactsChanged),
		events.On(bus, func(events.Event) { c.blocked.Trigger() }, v1.TypeBlockedChanged),
		events.On(bus, func(events.Event) { c.saved.Trigger() }, v1.TypeSavedChanged),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// Activate enables event-driven refreshes (called once a session is established).
func (c *Caches) Activate() {
	for _, r := range c.all() {
		r.activate()
	}
}

// Reset drops all cached data and stops pending refreshes (called on logout).
func (c *Caches) Reset() {
	for _, r := range c.all() {
		r.reset()
	}
}

// Wait blocks until background refreshes started by triggers have returned.
func (c *Caches) Wait() {
	for _, r := range c.all() {
		r.wg.Wait()
	}
}

// RefreshAll fetches every cache now. Errors are joined; cancellation is returned as is.
func (c *Caches) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, r := range c.all() {
		if err := r.Refresh(ctx); err != nil {
			if isCancel(err) {
				return err
			}
			c.log.Info("cache."+r.name+".refresh.fail", "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Caches) Contacts() []Item         { return c.contacts.Items() }
func (c *Caches) IncomingRequests() []Item { return c.requestsIn.Items() }
func (c *Caches) OutgoingRequests() []Item { return c.requestsOut.Items() }
func (c *Caches) Blocked() []Item          { return c.blocked.Items() }
func (c *Caches) Saved() []Item            { return c.saved.Items() }

// IsBlocked reports whether userID is in the blocked set.
func (c *Caches) IsBlocked(userID int64) bool { return c.blocked.contains(userID) }

// SendRequest asks userID to become a contact.
func (c *Caches) SendRequest(ctx context.Context, userID int64) error {
	const op = "cache.SendRequest"
	if err := validID(op, userID); err != nil {
		return err
	}
	if err := c.api.SendJSON(ctx, http.MethodPost, fmt.Sprintf("/contacts/request/%d", userID), nil, nil); err != nil {
		return err
	}
	c.publish(v1.TypeContactsChanged)
	return nil
}

type respondBody struct {
	RequestID int64  `json:"request_id"`
	Action    string `json:"action"`
}

// Respond accepts or declines an incoming contact request.
func (c *Caches) Respond(ctx context.Context, requestID int64, action string) error {
	const op = "cache.Respond"
	if err := validID(op, requestID); err != nil {
		return err
	}
	if action != ActionAccept && action != ActionDecline {
		return identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "action must be accept or decline"}
	}
	if err := c.api.SendJSON(ctx, http.MethodPost, "/contacts/respond", respondBody{RequestID: requestID, Action: action}, nil); err != nil {
		return err
	}
	c.requestsIn.remove(requestID)
	c.publish(v1.TypeContactsChanged)
	return nil
}

// RemoveContact deletes userID from the contact list.
func (c *Caches) RemoveContact(ctx context.Context, userID int64) error {
	const op = "cache.RemoveContact"
	if err := validID(op, userID); err != nil {
		return err
	}
	if err := c.api.SendJSON(ctx, http.MethodDelete, fmt.Sprintf("/contacts/%d", userID), nil, nil); err != nil {
		return err
	}
	c.contacts.remove(userID)
	c.publish(v1.TypeContactsChanged)
	return nil
}

// Block adds userID to the blocked set. Blocking also affects contacts.
func (c *Caches) Block(ctx context.Context, userID int64) error {
	return c.setBlocked(ctx, "cache.Block", http.MethodPost, userID)
}

// Unblock removes userID from the blocked set.
func (c *Caches) Unblock(ctx context.Context, userID int64) error {
	return c.setBlocked(ctx, "cache.Unblock", http.MethodDelete, userID)
}

func (c *Caches) setBlocked(ctx context.Context, op, method string, userID int64) error {
	if err := validID(op, userID); err != nil {
		return err
	}
	if err := c.api.SendJSON(ctx, method, fmt.Sprintf("/users/%d/block", userID), nil, nil); err != nil {
		return err
	}
	if method == http.MethodDelete {
		c.blocked.remove(userID)
	}
	c.publish(v1.TypeBlockedChanged)
	c.publish(v1.TypeContactsChanged)
	return nil
}

// Save bookmarks itemID.
func (c *Caches) Save(ctx context.Context, itemID int64) error {
	return c.setSaved(ctx, "cache.Save", http.MethodPost, itemID)
}

// Unsave removes the bookmark on itemID.
func (c *Caches) Unsave(ctx context.Context, itemID int64) error {
	return c.setSaved(ctx, "cache.Unsave", http.MethodDelete, itemID)
}

func (c *Caches) setSaved(ctx context.Context, op, method string, itemID int64) error {
	if err := validID(op, itemID); err != nil {
		return err
	}
	if err := c.api.SendJSON(ctx, method, fmt.Sprintf("/saved/%d", itemID), nil, nil); err != nil {
		return err
	}
	if method == http.MethodDelete {
		c.saved.remove(itemID)
	}
	c.publish(v1.TypeSavedChanged)
	return nil
}

func (c *Caches) publish(name string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Name: name, Payload: json.RawMessage(`{}`), At: time.Now().UTC()})
}

func validID(op string, id int64) error {
	if id <= 0 {
		return identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "id must be a positive integer"}
	}
	return nil
}
