package runner

import (
	"context"
	"fmt"
	"strings"
)

// Loopback is a deterministic local runner used for development and as the
// default when no model backend is configured. It answers immediately with
// a summary of what it was asked.
type Loopback struct{}

// NewLoopback creates a loopback runner.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Name returns the runner identifier.
func (l *Loopback) Name() string {
	return "loopback"
}

// Run echoes the prompt back as a response.
func (l *Loopback) Run(ctx context.Context, req Request) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	response := fmt.Sprintf("[loopback] %s", strings.TrimSpace(req.Prompt))
	if len(req.History) > 0 {
		response += fmt.Sprintf(" (with %d context entries)", len(req.History))
	}
	return &Result{
		Response:     response,
		ActionsTaken: []string{"loopback_echo"},
	}, nil
}
