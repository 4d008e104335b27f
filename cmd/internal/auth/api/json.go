package authapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// Paths probed for a bearer token in login/refresh responses.
var tokenPaths = []string{"access_token", "token", "session.access_token"}

// Paths probed for an error code in 401 bodies.
var errorCodePaths = []string{"code", "error.code", "detail.code", "error", "detail"}

// extractToken returns the first non-empty token found in body.
func extractToken(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, r := range gjson.GetManyBytes(body, tokenPaths...) {
		if r.Type == gjson.String {
			if tok := strings.TrimSpace(r.String()); tok != "" {
				return tok
			}
		}
	}
	return ""
}

// revocationCode returns the revocation marker carried by body, if any.
func revocationCode(body []byte, codes []string) (string, bool) {
	if len(codes) == 0 || !gjson.ValidBytes(body) {
		return "", false
	}
	for _, r := range gjson.GetManyBytes(body, errorCodePaths...) {
		if r.Type != gjson.String {
			continue
		}
		code := strings.TrimSpace(r.String())
		if slices.Contains(codes, code) {
			return code, true
		}
	}
	return "", false
}

// errorMessage extracts a human-readable message for OpError.Msg.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"error.message", "message", "detail", "error"} {
		if r := gjson.GetBytes(body, path); r.Type == gjson.String {
			return r.String()
		}
	}
	return ""
}

// decodeJSON strictly decodes a single JSON value.
func decodeJSON(body []byte, dst any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if dec.More() {
		return errors.New("extra data after JSON value")
	}
	return nil
}
