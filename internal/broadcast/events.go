package broadcast

import "time"

// Channel is one of the logical event streams observers can join.
type Channel string

const (
	// ChannelChat carries per-task and per-thread result and step events.
	ChannelChat Channel = "chat"
	// ChannelLogs carries leveled operational log lines.
	ChannelLogs Channel = "logs"
	// ChannelAgents carries the live roster of in-flight worker activity.
	ChannelAgents Channel = "agents"
)

// Valid reports whether the channel name is one of the known streams.
func (c Channel) Valid() bool {
	return c == ChannelChat || c == ChannelLogs || c == ChannelAgents
}

// Event type discriminators used in the envelope.
const (
	TypeResponse         = "response"
	TypeTaskQueued       = "task_queued"
	TypeTaskStarted      = "task_started"
	TypeAgentStep        = "agent_step"
	TypePackageInstalled = "package_installed"
	TypePackageFailed    = "package_failed"
	TypeLog              = "log"
	TypeAgentsUpdate     = "agents_update"
)

// Event is the typed envelope pushed to subscribers. Delivery is
// at-most-once and best-effort: a disconnected subscriber misses the event
// permanently and reconciles through the pull endpoints.
type Event struct {
	Type     string    `json:"type"`
	Channel  Channel   `json:"channel"`
	ThreadID string    `json:"thread_id,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	TS       time.Time `json:"ts"`
}

// LogPayload is the payload of a TypeLog event.
type LogPayload struct {
	Level   string `json:"level"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}

// AgentInfo describes one in-flight worker in a TypeAgentsUpdate payload.
type AgentInfo struct {
	WorkerID string    `json:"worker_id"`
	TaskID   string    `json:"task_id"`
	ThreadID string    `json:"thread_id"`
	Since    time.Time `json:"since"`
}
