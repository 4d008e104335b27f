package realtime

import (
	"context"
	"encoding/json"

	"courier/cmd/internal/events"
	v1 "courier/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// Frame categories (metrics label values).
const (
	frameRevocation   = "revocation"
	frameNotification = "notification"
	frameDomain       = "domain"
	frameControl      = "control"
	frameMalformed    = "malformed"
	frameUnknown      = "unknown"
)

// dispatch routes one inbound frame. Nothing here changes the channel state except a revocation.
func (c *Channel) dispatch(ctx context.Context, gen uint64, data []byte) {
	name, err := v1.Discriminator(data)
	if err != nil {
		c.metrics.Frame(frameMalformed)
		c.log.Warn("realtime.frame.malformed", "bytes", len(data), "err", err)
		return
	}

	switch {
	case v1.IsRevocation(name):
		c.metrics.Frame(frameRevocation)
		c.onRevocation(ctx, gen, name, data)

	case name == v1.TypeNewNotification:
		n := gjson.GetBytes(data, v1.FieldNotification)
		if !n.IsObject() {
			c.metrics.Frame(frameMalformed)
			c.log.Warn("realtime.frame.malformed", "event", name, "err", "notification is not an object")
			return
		}
		c.metrics.Frame(frameNotification)
		if c.sink == nil {
			return
		}
		if err := c.sink.Insert(ctx, json.RawMessage(n.Raw)); err != nil {
			c.log.Warn("realtime.notification.drop", "err", err)
		}

	case name == v1.TypePing || name == v1.TypePong:
		c.metrics.Frame(frameControl)

	// Named events ({"type":"event","event":...}) go out under any name; bare types only when known.
	case v1.IsDomainEvent(name) || v1.IsNamedEvent(data):
		c.metrics.Frame(frameDomain)
		if c.bus == nil {
			return
		}
		payload := make(json.RawMessage, len(data))
		copy(payload, data)
		c.bus.Publish(events.Event{Name: name, Payload: payload, At: c.now()})

	default:
		// Unknown top-level types are ignored.
		c.metrics.Frame(frameUnknown)
		c.log.Debug("realtime.frame.unknown", "event", name)
	}
}

func (c *Channel) onRevocation(ctx context.Context, gen uint64, name string, data []byte) {
	reason := gjson.GetBytes(data, v1.FieldReason).String()
	if reason == "" {
		reason = name
	}

	conn, ok := c.revoked(gen)
	if !ok {
		return
	}
	c.log.Warn("auth.revoked", "source", "realtime", "reason", reason)

	if conn != nil {
		_ = conn.Close(int(websocket.StatusNormalClosure), "revoked")
	}

	c.mu.Lock()
	r := c.revoker
	c.mu.Unlock()
	if r != nil {
		r.ForceLogout(context.WithoutCancel(ctx), reason)
	}
}
