// Package notify holds the canonical notification list of the current session
// and the service that keeps it in sync with the server.
//
// Store writes always swap in a new slice; readers never observe a half-applied change.
package notify

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrBadNotification is returned for objects without a usable id.
	ErrBadNotification = errors.New("notify: malformed notification")
)

// Notification is one entry of the list. Payload keeps the server object verbatim.
type Notification struct {
	ID         int64
	Type       string
	Read       bool
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// MarshalJSON returns the server object as received.
func (n Notification) MarshalJSON() ([]byte, error) {
	if len(n.Payload) == 0 {
		return []byte("null"), nil
	}
	return n.Payload, nil
}

// Parse decodes a server notification object. receivedAt is used unless the object carries created_at.
func Parse(raw []byte, receivedAt time.Time) (Notification, error) {
	if !gjson.ValidBytes(raw) {
		return Notification{}, ErrBadNotification
	}
	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return Notification{}, ErrBadNotification
	}

	id, ok := parseID(obj.Get("id"))
	if !ok {
		return Notification{}, ErrBadNotification
	}

	n := Notification{
		ID:         id,
		Type:       firstString(obj, "type", "kind", "verb"),
		Read:       obj.Get("read").Bool() || obj.Get("is_read").Bool(),
		Payload:    append(json.RawMessage(nil), raw...),
		ReceivedAt: receivedAt,
	}
	if ts := obj.Get("created_at"); ts.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			n.ReceivedAt = t.UTC()
		}
	}
	return n, nil
}

// ValidIDs drops ids that are not positive.
func ValidIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	return out
}

func parseID(r gjson.Result) (int64, bool) {
	switch r.Type {
	case gjson.Number:
		if r.Num != float64(int64(r.Num)) {
			return 0, false
		}
		id := r.Int()
		return id, id > 0
	case gjson.String:
		id, err := strconv.ParseInt(strings.TrimSpace(r.String()), 10, 64)
		return id, err == nil && id > 0
	default:
		return 0, false
	}
}

func firstString(obj gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := obj.Get(p); r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}
