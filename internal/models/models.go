// Package models defines the core domain types for Strand.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ThreadMode controls how prompts submitted to a thread are handled.
type ThreadMode string

const (
	// ThreadModeAuto lets workers execute tasks with full tool access.
	ThreadModeAuto ThreadMode = "auto"
	// ThreadModeChatOnly restricts execution to plain conversational replies.
	ThreadModeChatOnly ThreadMode = "chat_only"
)

// ContextMode selects how much thread history a worker receives.
type ContextMode string

const (
	ContextModeSmart  ContextMode = "smart"
	ContextModeWindow ContextMode = "window"
	ContextModeFull   ContextMode = "full"
)

// ThreadSettings holds per-thread execution preferences.
type ThreadSettings struct {
	ContextMode           ContextMode `json:"context_mode"`
	ContextWindow         int         `json:"context_window"`
	SystemTerminalEnabled bool        `json:"system_terminal_enabled"`
}

// DefaultThreadSettings returns the settings applied to new threads.
func DefaultThreadSettings() ThreadSettings {
	return ThreadSettings{
		ContextMode:   ContextModeSmart,
		ContextWindow: 20,
	}
}

// Thread is a persistent conversation context grouping related tasks.
type Thread struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	TaskIDs   []string       `json:"task_ids"`
	Mode      ThreadMode     `json:"mode"`
	Settings  ThreadSettings `json:"settings"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TaskResult holds the outcome of a completed task.
type TaskResult struct {
	Response      string   `json:"response"`
	ExecutionTime float64  `json:"execution_time"`
	ActionsTaken  []string `json:"actions_taken,omitempty"`
	ToolsForged   []string `json:"tools_forged,omitempty"`
	AgentsSpawned []string `json:"agents_spawned,omitempty"`
}

// Task is one asynchronous unit of work derived from a user prompt.
// Status transitions are monotonic: queued -> running -> {completed, failed}.
type Task struct {
	ID        string      `json:"id"`
	ThreadID  string      `json:"thread_id"`
	Prompt    string      `json:"prompt"`
	Status    TaskStatus  `json:"status"`
	WorkerID  string      `json:"worker_id,omitempty"`
	Result    *TaskResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PackageStatus represents the state of an install-gated dependency.
type PackageStatus string

const (
	PackageStatusPending     PackageStatus = "pending"
	PackageStatusApproved    PackageStatus = "approved"
	PackageStatusDenied      PackageStatus = "denied"
	PackageStatusInstalled   PackageStatus = "installed"
	PackageStatusFailed      PackageStatus = "failed"
	PackageStatusUninstalled PackageStatus = "uninstalled"
)

// SafetyLevel is the advisory risk bucket attached to a package.
type SafetyLevel string

const (
	SafetyLow     SafetyLevel = "LOW"
	SafetyMedium  SafetyLevel = "MEDIUM"
	SafetyHigh    SafetyLevel = "HIGH"
	SafetyUnknown SafetyLevel = "UNKNOWN"
)

// PackageMetadata carries advisory safety information from the package index.
// It never gates a transition automatically; approval is a human act.
type PackageMetadata struct {
	SafetyScore        int         `json:"safety_score"`
	SafetyLevel        SafetyLevel `json:"safety_level"`
	Version            string      `json:"version,omitempty"`
	Author             string      `json:"author,omitempty"`
	DownloadsLastMonth int64       `json:"downloads_last_month,omitempty"`
	LastRelease        string      `json:"last_release,omitempty"`
	Description        string      `json:"description,omitempty"`
}

// Package is a third-party dependency whose installation is gated by approval.
type Package struct {
	Name        string          `json:"package_name"`
	Status      PackageStatus   `json:"status"`
	Metadata    PackageMetadata `json:"metadata"`
	Reason      string          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	UsageCount  int             `json:"usage_count"`
	RequestedBy string          `json:"requested_by,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	InstalledAt *time.Time      `json:"installed_at,omitempty"`
	LastUsedAt  *time.Time      `json:"last_used_at,omitempty"`
}

// Tool is a named, schema-described callable capability available to workers.
// Names follow the [Domain]_[Action]_[Object] pattern.
type Tool struct {
	Name        string            `json:"name"`
	Domain      string            `json:"domain"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	UsageCount  int               `json:"usage_count"`
	IsSystem    bool              `json:"is_system"`
	FilePath    string            `json:"file_path,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// MemoryRecord is an append-only entry in the semantic memory store.
// A record is scoped to a thread, or permanent (cross-thread) when
// ThreadID is empty.
type MemoryRecord struct {
	ID        string         `json:"memory_id"`
	ThreadID  string         `json:"thread_id,omitempty"`
	EventType string         `json:"event_type"`
	Summary   string         `json:"summary"`
	Content   string         `json:"content"`
	Domain    string         `json:"domain,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// QueueStatus is a coarse health read over the task queue.
type QueueStatus struct {
	QueuedCount  int                   `json:"queued_count"`
	RunningCount int                   `json:"running_count"`
	PerThread    map[string]TaskStatus `json:"per_thread_status"`
}
