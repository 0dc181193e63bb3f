package types

import "time"

// Bus topics published by the runtime.
const (
	TopicRegistryUpdated = "registry/updated"
	TopicHeartbeat       = "heartbeat"
	TopicTaskCompleted   = "task/completed"
	TopicTaskFailed      = "task/failed"
	TopicFeedback        = "feedback/summary"
)

// LogLevel is the severity recorded on an audit entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// LogEntry is one line of the append-only audit log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

// WebSocketMessage represents a message sent over WebSocket for real-time updates.
type WebSocketMessage struct {
	Type    string      `json:"type"`    // Bus topic
	Payload interface{} `json:"payload"` // The published data
}

// HeartbeatPayload is published on TopicHeartbeat.
type HeartbeatPayload struct {
	Modules []string  `json:"modules"`
	Time    time.Time `json:"time"`
}

// RegistryUpdatedPayload is published on TopicRegistryUpdated.
type RegistryUpdatedPayload struct {
	Modules []string `json:"modules"`
}

// TaskEventPayload is published when a queued execution finishes.
type TaskEventPayload struct {
	ID       string `json:"id"`
	Module   string `json:"module"`
	Function string `json:"function"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}
