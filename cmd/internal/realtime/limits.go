package realtime

import "time"

// Transport limits.
const (
	// Max bytes per inbound websocket frame (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Bounds a single ping write.
	writeTimeout = 5 * time.Second
)

const (
	// Heartbeat and reconnect defaults (can be overridden by env in config.go).
	heartbeatInterval = 25 * time.Second

	reconnectBase   = 1 * time.Second
	reconnectCap    = 30 * time.Second
	reconnectJitter = 1 * time.Second

	defaultPath = "/ws/notifications"
)
