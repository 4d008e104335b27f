// Package v1 defines the Courier push-channel contract v1.
//
// It is shared by the client runtime, the fake backend used in tests and the smoke script,
// so the wire discriminators stay authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Version is the protocol version advertised through the subprotocol list.
const Version = "v1"

// Subprotocol is the default WebSocket subprotocol negotiated by server and client.
const Subprotocol = "courier." + Version

// Frame discriminators (wire-stable). Server frames carry one of these in "type" or "event".
const (
	// TypeEvent is a generic named application event; the name travels in "event".
	TypeEvent = "event"

	// TypeForceLogout and TypeSessionRevoked both mean the session is permanently invalid.
	TypeForceLogout    = "force_logout"
	TypeSessionRevoked = "session_revoked"

	// TypeNewNotification carries a notification object in "notification".
	TypeNewNotification = "new_notification"

	// Domain events republished on the in-process bus.
	TypeIncomingCall    = "incoming_call"
	TypeContactsChanged = "contacts_changed"
	TypeBlockedChanged  = "blocked_changed"
	TypeSavedChanged    = "saved_changed"

	// TypePing is the only client-initiated frame. TypePong is the optional server echo.
	TypePing = "ping"
	TypePong = "pong"
)

// StatusChangedSuffix marks domain-specific status-change events ("order_status_changed", ...).
const StatusChangedSuffix = "_status_changed"

// Frame field names.
const (
	FieldType         = "type"
	FieldEvent        = "event"
	FieldNotification = "notification"
	FieldPayload      = "payload"
	FieldReason       = "reason"
)

// Close codes reserved for "authentication rejected, do not reconnect".
const (
	ClosePolicyViolation = 1008
	CloseAuthRejected    = 4401
)

// Connection parameters sent on the dial URL.
const (
	ParamUserID   = "user_id"
	ParamToken    = "token"
	ParamInstance = "client_instance"
)

// BearerSubprotocolPrefix prefixes the auth subprotocol token ("bearer.<token>").
const BearerSubprotocolPrefix = "bearer."

// ErrMalformedFrame is returned for frames that are not JSON objects.
var ErrMalformedFrame = errors.New("malformed frame")

// PingFrame is the periodic client heartbeat.
type PingFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// NewPing builds a ping frame stamped with now in unix milliseconds.
func NewPing(now time.Time) PingFrame {
	return PingFrame{Type: TypePing, TS: now.UnixMilli()}
}

// EventFrame is a generic server event. Used by servers and tests to emit frames.
type EventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NotificationFrame announces a new notification.
type NotificationFrame struct {
	Event        string          `json:"event"`
	Notification json.RawMessage `json:"notification"`
}

// RevocationFrame tells the client its session is gone.
type RevocationFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Discriminator extracts the frame name.
//
// "type" wins unless it is the generic TypeEvent, in which case the "event" field names the frame.
// Frames without "type" fall back to "event".
func Discriminator(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", ErrMalformedFrame
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return "", ErrMalformedFrame
	}

	typ := strings.TrimSpace(root.Get(FieldType).String())
	evt := strings.TrimSpace(root.Get(FieldEvent).String())

	switch {
	case typ != "" && typ != TypeEvent:
		return typ, nil
	case evt != "":
		return evt, nil
	default:
		return typ, nil
	}
}

// IsRevocation reports whether name signals a revoked session.
func IsRevocation(name string) bool {
	return name == TypeForceLogout || name == TypeSessionRevoked
}

// IsNamedEvent reports whether data is a generic named application event: "event" carries the name and
// "type" is TypeEvent or absent. Any name qualifies.
func IsNamedEvent(data []byte) bool {
	root := gjson.ParseBytes(data)
	typ := strings.TrimSpace(root.Get(FieldType).String())
	if typ != "" && typ != TypeEvent {
		return false
	}
	return strings.TrimSpace(root.Get(FieldEvent).String()) != ""
}

// IsDomainEvent reports whether name is republished verbatim to in-process subscribers.
func IsDomainEvent(name string) bool {
	switch name {
	case TypeIncomingCall, TypeContactsChanged, TypeBlockedChanged, TypeSavedChanged:
		return true
	}
	return strings.HasSuffix(name, StatusChangedSuffix) && len(name) > len(StatusChangedSuffix)
}

// IsAuthRejectedClose reports whether code is one of the default auth-rejection close codes.
func IsAuthRejectedClose(code int) bool {
	return code == ClosePolicyViolation || code == CloseAuthRejected
}
