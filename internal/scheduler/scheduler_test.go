package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mlowden/strand/internal/audit"
	"github.com/mlowden/strand/internal/broadcast"
	"github.com/mlowden/strand/internal/models"
	"github.com/mlowden/strand/internal/runner"
	"github.com/mlowden/strand/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func testConfig() *Config {
	return &Config{
		Workers:      4,
		PollInterval: 20 * time.Millisecond,
		TaskTimeout:  5 * time.Second,
		RetryLimit:   2,
		RetryBackoff: 10 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, s *store.Store, run runner.Runner, cfg *Config) *Scheduler {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	return New(s, run, broadcast.NewHub(), audit.NewWriter(s), nil, cfg)
}

// fakeRunner delegates to a function so tests can shape runner behavior.
type fakeRunner struct {
	fn func(ctx context.Context, req runner.Request) (*runner.Result, error)
}

func (f *fakeRunner) Name() string { return "fake" }
func (f *fakeRunner) Run(ctx context.Context, req runner.Request) (*runner.Result, error) {
	return f.fn(ctx, req)
}

// waitTerminal polls a task until it reaches a terminal state.
func waitTerminal(t *testing.T, sch *Scheduler, taskID string, within time.Duration) *models.Task {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		task, err := sch.Status(taskID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Task %s did not reach a terminal state within %s", taskID, within)
	return nil
}

func TestSubmitUnknownThread(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	sch := newTestScheduler(t, s, runner.NewLoopback(), nil)
	if _, err := sch.Submit("no-such-thread", "hello"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("Expected ErrThreadNotFound, got %v", err)
	}
}

func TestTaskRunsToCompletion(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	sch := newTestScheduler(t, s, runner.NewLoopback(), nil)
	sch.Start()
	defer sch.Stop()

	thread, _ := s.CreateThread("Loopback")
	task, err := sch.Submit(thread.ID, "say hi")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Status != models.TaskStatusQueued {
		t.Errorf("Expected queued, got %s", task.Status)
	}

	final := waitTerminal(t, sch, task.ID, 5*time.Second)
	if final.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.Result == nil || !strings.Contains(final.Result.Response, "say hi") {
		t.Errorf("Unexpected result: %+v", final.Result)
	}
	if final.Result.ExecutionTime < 0 {
		t.Errorf("Negative execution time: %f", final.Result.ExecutionTime)
	}

	// Completion leaves a memory record behind.
	memories, err := s.ListMemories(thread.ID)
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(memories) != 1 || memories[0].EventType != "task_completed" {
		t.Errorf("Expected one task_completed memory, got %+v", memories)
	}
}

func TestPerThreadSerialization(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var mu sync.Mutex
	inFlight := make(map[string]int)
	maxInFlight := make(map[string]int)

	run := &fakeRunner{fn: func(ctx context.Context, req runner.Request) (*runner.Result, error) {
		mu.Lock()
		inFlight[req.ThreadID]++
		if inFlight[req.ThreadID] > maxInFlight[req.ThreadID] {
			maxInFlight[req.ThreadID] = inFlight[req.ThreadID]
		}
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		inFlight[req.ThreadID]--
		mu.Unlock()
		return &runner.Result{Response: "done"}, nil
	}}

	sch := newTestScheduler(t, s, run, nil)
	sch.Start()
	defer sch.Stop()

	thread, _ := s.CreateThread("Serialized")
	other, _ := s.CreateThread("Parallel")

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := sch.Submit(thread.ID, fmt.Sprintf("step %d", i))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, task.ID)
	}
	otherTask, _ := sch.Submit(other.ID, "independent")
	ids = append(ids, otherTask.ID)

	for _, id := range ids {
		final := waitTerminal(t, sch, id, 10*time.Second)
		if final.Status != models.TaskStatusCompleted {
			t.Errorf("Task %s: expected completed, got %s", id, final.Status)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight[thread.ID] > 1 {
		t.Errorf("Thread ran %d tasks concurrently", maxInFlight[thread.ID])
	}
}

func TestExecutionTimeout(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	run := &fakeRunner{fn: func(ctx context.Context, req runner.Request) (*runner.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	cfg := testConfig()
	cfg.TaskTimeout = 150 * time.Millisecond
	sch := newTestScheduler(t, s, run, cfg)
	sch.Start()
	defer sch.Stop()

	thread, _ := s.CreateThread("Timeout")
	task, _ := sch.Submit(thread.ID, "hang forever")

	final := waitTerminal(t, sch, task.ID, 5*time.Second)
	if final.Status != models.TaskStatusFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}
	if !strings.HasPrefix(final.Error, "ExecutionTimeout") {
		t.Errorf("Expected ExecutionTimeout error, got %q", final.Error)
	}
}

func TestTransientRetry(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var mu sync.Mutex
	attempts := 0
	run := &fakeRunner{fn: func(ctx context.Context, req runner.Request) (*runner.Result, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("backend overloaded: %w", runner.ErrUnavailable)
		}
		return &runner.Result{Response: "third time lucky"}, nil
	}}

	sch := newTestScheduler(t, s, run, nil)
	sch.Start()
	defer sch.Stop()

	thread, _ := s.CreateThread("Retry")
	task, _ := sch.Submit(thread.ID, "flaky")

	final := waitTerminal(t, sch, task.ID, 5*time.Second)
	if final.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed after retries, got %s (%s)", final.Status, final.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var mu sync.Mutex
	attempts := 0
	run := &fakeRunner{fn: func(ctx context.Context, req runner.Request) (*runner.Result, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("prompt rejected")
	}}

	sch := newTestScheduler(t, s, run, nil)
	sch.Start()
	defer sch.Stop()

	thread, _ := s.CreateThread("Permanent")
	task, _ := sch.Submit(thread.ID, "bad")

	final := waitTerminal(t, sch, task.ID, 5*time.Second)
	if final.Status != models.TaskStatusFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("Permanent error retried: %d attempts", attempts)
	}
}

func TestIdempotentFinalization(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	sch := newTestScheduler(t, s, runner.NewLoopback(), nil)
	// Not started: drive the lifecycle by hand.

	thread, _ := s.CreateThread("Manual")
	task, _ := sch.Submit(thread.ID, "manual")
	if _, err := s.ClaimNextTask("worker-1"); err != nil {
		t.Fatalf("ClaimNextTask failed: %v", err)
	}

	done, err := sch.Complete(task.ID, &models.TaskResult{Response: "first"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s", done.Status)
	}

	// A late Fail must surface the existing terminal record, not flip it.
	again, err := sch.Fail(task.ID, "late failure")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if again.Status != models.TaskStatusCompleted {
		t.Errorf("Terminal record flipped to %s", again.Status)
	}

	if _, err := sch.Complete("no-such-task", nil); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestChatOnlyModeReachesRunner(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var mu sync.Mutex
	var seenMode models.ThreadMode
	run := &fakeRunner{fn: func(ctx context.Context, req runner.Request) (*runner.Result, error) {
		mu.Lock()
		seenMode = req.Mode
		mu.Unlock()
		return &runner.Result{Response: "chatty"}, nil
	}}

	sch := newTestScheduler(t, s, run, nil)
	sch.Start()
	defer sch.Stop()

	thread, _ := s.CreateThread("Chat only")
	if err := s.SetThreadMode(thread.ID, models.ThreadModeChatOnly); err != nil {
		t.Fatalf("SetThreadMode failed: %v", err)
	}

	task, _ := sch.Submit(thread.ID, "just talk")
	waitTerminal(t, sch, task.ID, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if seenMode != models.ThreadModeChatOnly {
		t.Errorf("Expected chat_only mode at runner, got %s", seenMode)
	}
}

func TestLogsChannelCarriesWorkerActivity(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	hub := broadcast.NewHub()
	defer hub.Close()
	events, cancel := hub.Subscribe(broadcast.ChannelLogs)
	defer cancel()

	sch := New(s, runner.NewLoopback(), hub, audit.NewWriter(s), nil, testConfig())
	sch.Start()
	defer sch.Stop()

	thread, _ := s.CreateThread("Observed")
	task, _ := sch.Submit(thread.ID, "watch me")
	waitTerminal(t, sch, task.ID, 5*time.Second)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != broadcast.TypeLog {
				t.Errorf("Unexpected event type on logs channel: %s", ev.Type)
				continue
			}
			payload, ok := ev.Payload.(broadcast.LogPayload)
			if !ok {
				t.Fatalf("Unexpected payload type: %T", ev.Payload)
			}
			if payload.Source == "scheduler" && payload.Level == "info" && strings.Contains(payload.Message, task.ID) {
				return
			}
		case <-deadline:
			t.Fatal("No scheduler log event observed on the logs channel")
		}
	}
}

func TestAgentStepEventsPublished(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	run := &fakeRunner{fn: func(ctx context.Context, req runner.Request) (*runner.Result, error) {
		return &runner.Result{
			Response:     "done",
			ActionsTaken: []string{"searched docs", "wrote summary"},
		}, nil
	}}

	hub := broadcast.NewHub()
	defer hub.Close()
	events, cancel := hub.Subscribe(broadcast.ChannelChat)
	defer cancel()

	sch := New(s, run, hub, audit.NewWriter(s), nil, testConfig())
	sch.Start()
	defer sch.Stop()

	thread, _ := s.CreateThread("Stepped")
	task, _ := sch.Submit(thread.ID, "do two things")
	waitTerminal(t, sch, task.ID, 5*time.Second)

	seen := make(map[string]bool)
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			if ev.Type != broadcast.TypeAgentStep {
				continue
			}
			if ev.ThreadID != thread.ID {
				t.Errorf("Step event on wrong thread: %s", ev.ThreadID)
			}
			payload, ok := ev.Payload.(map[string]string)
			if !ok {
				t.Fatalf("Unexpected payload type: %T", ev.Payload)
			}
			if payload["task_id"] != task.ID {
				t.Errorf("Step event for wrong task: %s", payload["task_id"])
			}
			seen[payload["action"]] = true
		case <-deadline:
			t.Fatalf("Saw %d of 2 step events before deadline", len(seen))
		}
	}
	if !seen["searched docs"] || !seen["wrote summary"] {
		t.Errorf("Missing step actions, saw %v", seen)
	}
}

func TestTimeoutBackstop(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	cfg := testConfig()
	cfg.TaskTimeout = 100 * time.Millisecond
	sch := newTestScheduler(t, s, runner.NewLoopback(), cfg)

	thread, _ := s.CreateThread("Abandoned")
	task, _ := sch.Submit(thread.ID, "doomed")

	// Simulate a worker that claimed the task and died.
	if _, err := s.ClaimNextTask("dead-worker"); err != nil {
		t.Fatalf("ClaimNextTask failed: %v", err)
	}

	// The dispatch loop cannot touch a running task; only the backstop can.
	sch.Start()
	defer sch.Stop()

	final := waitTerminal(t, sch, task.ID, 10*time.Second)
	if final.Status != models.TaskStatusFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}
	if !strings.HasPrefix(final.Error, "ExecutionTimeout") {
		t.Errorf("Expected ExecutionTimeout error, got %q", final.Error)
	}
}
