// Package dialog runs long multi-turn scripted exchanges step by step.
// Cancellation is cooperative: the token is checked at step boundaries,
// never preemptively mid-call. Pause blocks the loop on a resumable signal
// without losing the accumulated transcript.
package dialog

import (
	"context"
	"fmt"
	"sync"

	"github.com/mlowden/strand/internal/runner"
)

// Turn is one scripted exchange step.
type Turn struct {
	Speaker string
	Prompt  string
}

// Entry is one completed step of the transcript.
type Entry struct {
	Speaker  string
	Prompt   string
	Response string
}

// Loop executes a sequence of turns through a runner.
type Loop struct {
	run      runner.Runner
	threadID string

	mu         sync.Mutex
	paused     bool
	resume     chan struct{}
	transcript []Entry
}

// NewLoop creates a loop for one thread.
func NewLoop(run runner.Runner, threadID string) *Loop {
	return &Loop{
		run:      run,
		threadID: threadID,
		resume:   make(chan struct{}),
	}
}

// Pause stops the loop at the next step boundary. In-flight steps finish.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.paused {
		l.paused = true
		l.resume = make(chan struct{})
	}
}

// Resume releases a paused loop.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		l.paused = false
		close(l.resume)
	}
}

// Paused reports whether the loop is currently paused.
func (l *Loop) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Transcript returns a copy of the completed entries so far. Safe to call
// while the loop runs, and after cancellation: accumulated state survives.
func (l *Loop) Transcript() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.transcript...)
}

// Run executes the turns in order. Between steps it honors pause and checks
// ctx; a cancelled ctx returns ctx.Err() with the transcript intact.
func (l *Loop) Run(ctx context.Context, turns []Turn) error {
	for i, turn := range turns {
		if err := l.waitReady(ctx); err != nil {
			return err
		}

		history := make([]string, 0, len(l.Transcript()))
		for _, entry := range l.Transcript() {
			history = append(history, entry.Speaker+": "+entry.Response)
		}

		result, err := l.run.Run(ctx, runner.Request{
			TaskID:   fmt.Sprintf("%s-turn-%d", l.threadID, i+1),
			ThreadID: l.threadID,
			Prompt:   turn.Prompt,
			History:  history,
		})
		if err != nil {
			return fmt.Errorf("turn %d (%s): %w", i+1, turn.Speaker, err)
		}

		l.mu.Lock()
		l.transcript = append(l.transcript, Entry{
			Speaker:  turn.Speaker,
			Prompt:   turn.Prompt,
			Response: result.Response,
		})
		l.mu.Unlock()
	}
	return nil
}

// waitReady blocks while paused and returns early on cancellation.
func (l *Loop) waitReady(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		paused := l.paused
		resume := l.resume
		l.mu.Unlock()

		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}
