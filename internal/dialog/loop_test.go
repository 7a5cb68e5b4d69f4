package dialog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mlowden/strand/internal/runner"
)

// gatedRunner blocks every step until the test releases it, so tests control
// exactly how far the loop has advanced.
type gatedRunner struct {
	mu      sync.Mutex
	calls   int
	proceed chan struct{}
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{proceed: make(chan struct{})}
}

func (r *gatedRunner) Name() string { return "gated" }

func (r *gatedRunner) Run(ctx context.Context, req runner.Request) (*runner.Result, error) {
	select {
	case <-r.proceed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return &runner.Result{Response: "re: " + req.Prompt}, nil
}

func (r *gatedRunner) release(t *testing.T) {
	t.Helper()
	select {
	case r.proceed <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("No step waiting to be released")
	}
}

func (r *gatedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestRunCollectsTranscript(t *testing.T) {
	run := newGatedRunner()
	loop := NewLoop(run, "t1")

	turns := []Turn{
		{Speaker: "planner", Prompt: "outline the task"},
		{Speaker: "executor", Prompt: "do step one"},
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background(), turns) }()
	run.release(t)
	run.release(t)

	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	transcript := loop.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(transcript))
	}
	if transcript[0].Response != "re: outline the task" {
		t.Errorf("Unexpected first response: %s", transcript[0].Response)
	}
	if transcript[1].Speaker != "executor" {
		t.Errorf("Unexpected second speaker: %s", transcript[1].Speaker)
	}
}

func TestPauseStopsAtStepBoundary(t *testing.T) {
	run := newGatedRunner()
	loop := NewLoop(run, "t1")

	turns := []Turn{
		{Speaker: "planner", Prompt: "one"},
		{Speaker: "planner", Prompt: "two"},
		{Speaker: "planner", Prompt: "three"},
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background(), turns) }()

	// Step one completes; pause lands while step two is in flight.
	run.release(t)
	loop.Pause()
	run.release(t)

	// The in-flight step finishes, then the loop must hold at the boundary.
	deadline := time.Now().Add(2 * time.Second)
	for run.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if calls := run.callCount(); calls != 2 {
		t.Errorf("Expected loop held after 2 calls, got %d", calls)
	}
	if !loop.Paused() {
		t.Error("Paused() should report true")
	}

	loop.Resume()
	run.release(t)

	if err := <-done; err != nil {
		t.Fatalf("Run failed after resume: %v", err)
	}
	if calls := run.callCount(); calls != 3 {
		t.Errorf("Expected 3 calls total, got %d", calls)
	}
	if len(loop.Transcript()) != 3 {
		t.Errorf("Expected full transcript, got %d entries", len(loop.Transcript()))
	}
}

func TestCancelPreservesTranscript(t *testing.T) {
	run := newGatedRunner()
	loop := NewLoop(run, "t1")
	ctx, cancel := context.WithCancel(context.Background())

	turns := []Turn{
		{Speaker: "planner", Prompt: "one"},
		{Speaker: "planner", Prompt: "two"},
		{Speaker: "planner", Prompt: "three"},
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx, turns) }()

	run.release(t)
	loop.Pause()
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// Completed steps survive cancellation.
	transcript := loop.Transcript()
	if len(transcript) == 0 {
		t.Fatal("Transcript lost on cancel")
	}
	if transcript[0].Prompt != "one" {
		t.Errorf("Unexpected transcript head: %+v", transcript[0])
	}
}

func TestResumeWhileNotPausedIsNoop(t *testing.T) {
	loop := NewLoop(newGatedRunner(), "t1")

	loop.Resume()
	loop.Resume()
	if loop.Paused() {
		t.Error("Resume flipped an unpaused loop")
	}
}
