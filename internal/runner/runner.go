// Package runner defines the execution collaborator interface: the external
// backend that turns a prompt into a task result. The scheduler owns the
// task lifecycle; runners only produce results.
package runner

import (
	"context"
	"errors"

	"github.com/mlowden/strand/internal/models"
)

// ErrUnavailable marks a transient collaborator failure (backend
// unreachable, rate limited). The scheduler retries these a bounded number
// of times before failing the task with the underlying cause.
var ErrUnavailable = errors.New("execution backend unavailable")

// Request carries everything a runner needs for one execution.
type Request struct {
	TaskID   string
	ThreadID string
	Prompt   string
	// Mode restricts tool use for chat_only threads.
	Mode models.ThreadMode
	// History is the thread context selected per the thread's settings,
	// oldest first.
	History []string
}

// Result is the raw outcome of an execution, before the scheduler wraps it
// into a TaskResult.
type Result struct {
	Response      string
	ActionsTaken  []string
	ToolsForged   []string
	AgentsSpawned []string
}

// Runner executes prompts. Implementations must honor ctx cancellation:
// the scheduler's server-side timeout arrives through it.
type Runner interface {
	// Name returns the runner identifier.
	Name() string

	// Run executes one request and returns the result.
	Run(ctx context.Context, req Request) (*Result, error)
}
