package cache

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrBadList is returned when a list endpoint does not answer with a JSON array
// (or a paginated {"results":[...]} object).
var ErrBadList = errors.New("cache: response is not a list")

// Item is one cached entry. Raw is the server object verbatim.
type Item struct {
	ID  int64
	Raw json.RawMessage
}

// MarshalJSON returns the server object as received.
func (it Item) MarshalJSON() ([]byte, error) {
	if len(it.Raw) == 0 {
		return []byte("null"), nil
	}
	return it.Raw, nil
}

// Paths probed for the identifier of a cached object.
var idPaths = []string{"id", "user.id", "user_id", "blocked_user.id", "item.id"}

func parseList(body []byte) ([]Item, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrBadList
	}
	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		list = list.Get("results")
	}
	if !list.IsArray() {
		return nil, ErrBadList
	}

	arr := list.Array()
	out := make([]Item, 0, len(arr))
	for _, r := range arr {
		if !r.IsObject() {
			continue
		}
		out = append(out, Item{ID: itemID(r), Raw: json.RawMessage(r.Raw)})
	}
	return out, nil
}

func itemID(obj gjson.Result) int64 {
	for _, p := range idPaths {
		r := obj.Get(p)
		switch r.Type {
		case gjson.Number:
			if id := r.Int(); id > 0 {
				return id
			}
		case gjson.String:
			if id, err := strconv.ParseInt(strings.TrimSpace(r.String()), 10, 64); err == nil && id > 0 {
				return id
			}
		}
	}
	return 0
}
