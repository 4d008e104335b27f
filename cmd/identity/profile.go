package identity

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Profile is the signed-in user as returned by the profile endpoint.
//
// Only id, role and is_active are interpreted. The full server document is kept
// in Raw so persisting and reloading a profile never drops fields.
type Profile struct {
	ID       string
	Role     string
	IsActive bool
	Username string
	Email    string

	Raw json.RawMessage
}

type profileWire struct {
	ID       json.RawMessage `json:"id"`
	Role     string          `json:"role"`
	IsActive *bool           `json:"is_active"`
	Username string          `json:"username"`
	Email    string          `json:"email"`
}

// ParseProfile decodes a profile document. The id may be a JSON number or string.
func ParseProfile(data []byte) (*Profile, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, OpError{Op: "identity.ParseProfile", Kind: ErrDecode, Msg: "empty profile"}
	}

	var w profileWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, OpError{Op: "identity.ParseProfile", Kind: ErrDecode, Msg: err.Error()}
	}

	id, err := decodeID(w.ID)
	if err != nil {
		return nil, OpError{Op: "identity.ParseProfile", Kind: ErrDecode, Msg: "invalid id"}
	}

	p := &Profile{
		ID:       id,
		Role:     strings.TrimSpace(w.Role),
		IsActive: true,
		Username: w.Username,
		Email:    w.Email,
		Raw:      append(json.RawMessage(nil), data...),
	}
	if w.IsActive != nil {
		p.IsActive = *w.IsActive
	}
	return p, nil
}

// HasID reports whether the profile identifies a user; the realtime channel requires it.
func (p *Profile) HasID() bool { return p != nil && p.ID != "" }

// MarshalJSON returns the original server document when available.
func (p Profile) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	return json.Marshal(map[string]any{
		"id":        p.ID,
		"role":      p.Role,
		"is_active": p.IsActive,
		"username":  p.Username,
		"email":     p.Email,
	})
}

// UnmarshalJSON accepts the same shapes as ParseProfile.
func (p *Profile) UnmarshalJSON(data []byte) error {
	parsed, err := ParseProfile(data)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", err
	}
	return n.String(), nil
}
