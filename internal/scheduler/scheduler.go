package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mlowden/strand/internal/audit"
	"github.com/mlowden/strand/internal/broadcast"
	"github.com/mlowden/strand/internal/models"
	"github.com/mlowden/strand/internal/runner"
	"github.com/mlowden/strand/internal/store"
	"github.com/mlowden/strand/internal/toolbox"
)

// Sentinel errors surfaced to callers.
var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrTaskNotFound   = errors.New("task not found")
	// ErrExecutionTimeout marks a task that exceeded the server-side
	// execution budget. Its text is attached to the task's error field.
	ErrExecutionTimeout = errors.New("ExecutionTimeout")
)

// Scheduler owns task lifecycle transitions. Workers claim the oldest
// queued task whose thread has nothing running, execute it through the
// runner, and finalize it exactly once.
type Scheduler struct {
	store  *store.Store
	run    runner.Runner
	hub    *broadcast.Hub
	logs   *broadcast.LogSink
	audit  *audit.Writer
	tools  *toolbox.Box
	config *Config

	mu     sync.Mutex
	active map[string]broadcast.AgentInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. The toolbox may be nil when forged-tool
// registration is not wanted (tests).
func New(s *store.Store, run runner.Runner, hub *broadcast.Hub, auditor *audit.Writer, tools *toolbox.Box, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  s,
		run:    run,
		hub:    hub,
		logs:   hub.NewLogSink("scheduler"),
		audit:  auditor,
		tools:  tools,
		config: cfg,
		active: make(map[string]broadcast.AgentInfo),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the dispatch and timeout loops.
func (sch *Scheduler) Start() {
	sch.wg.Add(2)
	go sch.dispatchLoop()
	go sch.timeoutLoop()
	log.Printf("Scheduler started (%d workers, %s task timeout)", sch.config.Workers, sch.config.TaskTimeout)
}

// Stop gracefully stops the scheduler and waits for in-flight workers.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	log.Println("Scheduler stopped")
}

// Submit enqueues a new task bound to a thread. Fails with
// ErrThreadNotFound for unknown threads: the scheduler never creates
// threads implicitly (the chat convenience endpoint creates them
// explicitly before submitting).
func (sch *Scheduler) Submit(threadID, prompt string) (*models.Task, error) {
	task, err := sch.store.CreateTask(threadID, prompt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}

	sch.audit.Record(audit.ActionTaskSubmit, map[string]string{"thread_id": threadID}, "queued", task.ID, "")
	sch.hub.Publish(broadcast.Event{
		Type:     broadcast.TypeTaskQueued,
		Channel:  broadcast.ChannelChat,
		ThreadID: threadID,
		Payload:  map[string]string{"task_id": task.ID},
	})
	return task, nil
}

// Status is a pure read of a task's current record, safe to poll at any
// frequency.
func (sch *Scheduler) Status(taskID string) (*models.Task, error) {
	task, err := sch.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// QueueStatus returns queued/running counts and per-thread status.
func (sch *Scheduler) QueueStatus() (*models.QueueStatus, error) {
	return sch.store.QueueStatus()
}

// Complete finalizes a task as completed. Idempotent: finalizing an
// already-terminal task returns the existing terminal record.
func (sch *Scheduler) Complete(taskID string, result *models.TaskResult) (*models.Task, error) {
	task, err := sch.store.FinalizeTask(taskID, models.TaskStatusCompleted, result, "")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// Fail finalizes a task as failed with the error attached to its record.
// Idempotent like Complete.
func (sch *Scheduler) Fail(taskID, errMsg string) (*models.Task, error) {
	task, err := sch.store.FinalizeTask(taskID, models.TaskStatusFailed, nil, errMsg)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ActiveAgents returns a snapshot of in-flight workers, oldest first.
func (sch *Scheduler) ActiveAgents() []broadcast.AgentInfo {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	agents := make([]broadcast.AgentInfo, 0, len(sch.active))
	for _, info := range sch.active {
		agents = append(agents, info)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Since.Before(agents[j].Since) })
	return agents
}

// dispatchLoop polls for claimable tasks and hands them to workers.
func (sch *Scheduler) dispatchLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.pollAndDispatch()
		}
	}
}

// pollAndDispatch claims tasks until capacity is reached or the queue has
// nothing claimable.
func (sch *Scheduler) pollAndDispatch() {
	for {
		sch.mu.Lock()
		if len(sch.active) >= sch.config.Workers {
			sch.mu.Unlock()
			return
		}
		sch.mu.Unlock()

		workerID := uuid.New().String()
		task, err := sch.store.ClaimNextTask(workerID)
		if err != nil {
			log.Printf("Error claiming task: %v", err)
			sch.logs.Errorf("claiming task: %v", err)
			return
		}
		if task == nil {
			return
		}

		sch.audit.Record(audit.ActionTaskDispatch, map[string]string{"task_id": task.ID, "worker_id": workerID}, "running", task.ID, "")
		log.Printf("Dispatched task %s (thread %s) to worker %s", task.ID, task.ThreadID, workerID)
		sch.logs.Infof("dispatched task %s (thread %s) to worker %s", task.ID, task.ThreadID, workerID)

		sch.mu.Lock()
		sch.active[workerID] = broadcast.AgentInfo{
			WorkerID: workerID,
			TaskID:   task.ID,
			ThreadID: task.ThreadID,
			Since:    time.Now().UTC(),
		}
		sch.mu.Unlock()
		sch.publishAgents()

		sch.hub.Publish(broadcast.Event{
			Type:     broadcast.TypeTaskStarted,
			Channel:  broadcast.ChannelChat,
			ThreadID: task.ThreadID,
			Payload:  map[string]string{"task_id": task.ID, "worker_id": workerID},
		})

		sch.wg.Add(1)
		go sch.runWorker(task, workerID)
	}
}

// runWorker executes one claimed task to a terminal state.
func (sch *Scheduler) runWorker(task *models.Task, workerID string) {
	defer sch.wg.Done()
	defer func() {
		sch.mu.Lock()
		delete(sch.active, workerID)
		sch.mu.Unlock()
		sch.publishAgents()
	}()

	started := time.Now()

	req, err := sch.buildRequest(task)
	if err != nil {
		sch.finalizeFailed(task, fmt.Sprintf("build request: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(sch.ctx, sch.config.TaskTimeout)
	defer cancel()

	result, err := sch.runWithRetries(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			sch.finalizeFailed(task, fmt.Sprintf("%s: task exceeded %s budget", ErrExecutionTimeout, sch.config.TaskTimeout))
			return
		}
		sch.finalizeFailed(task, err.Error())
		return
	}

	taskResult := &models.TaskResult{
		Response:      result.Response,
		ExecutionTime: time.Since(started).Seconds(),
		ActionsTaken:  dedupe(result.ActionsTaken),
		ToolsForged:   dedupe(result.ToolsForged),
		AgentsSpawned: dedupe(result.AgentsSpawned),
	}

	final, err := sch.Complete(task.ID, taskResult)
	if err != nil {
		log.Printf("Error finalizing task %s: %v", task.ID, err)
		return
	}
	// Lost an idempotent race (e.g. the timeout backstop got there first):
	// the terminal record stands, nothing more to publish.
	if final.Status != models.TaskStatusCompleted || final.Result == nil || final.Result.Response != taskResult.Response {
		return
	}

	sch.recordOutcome(task, taskResult)
	sch.audit.Record(audit.ActionTaskComplete, map[string]string{"task_id": task.ID}, "completed", task.ID, "")
	for _, action := range taskResult.ActionsTaken {
		sch.hub.Publish(broadcast.Event{
			Type:     broadcast.TypeAgentStep,
			Channel:  broadcast.ChannelChat,
			ThreadID: task.ThreadID,
			Payload: map[string]string{
				"task_id":   task.ID,
				"worker_id": workerID,
				"action":    action,
			},
		})
	}
	sch.hub.Publish(broadcast.Event{
		Type:     broadcast.TypeResponse,
		Channel:  broadcast.ChannelChat,
		ThreadID: task.ThreadID,
		Payload: map[string]any{
			"task_id": task.ID,
			"result":  taskResult,
		},
	})
	log.Printf("Worker %s completed task %s in %.1fs", workerID, task.ID, taskResult.ExecutionTime)
	sch.logs.Infof("worker %s completed task %s in %.1fs", workerID, task.ID, taskResult.ExecutionTime)
}

// runWithRetries retries transient collaborator failures a bounded number
// of times before giving up with the underlying cause.
func (sch *Scheduler) runWithRetries(ctx context.Context, req runner.Request) (*runner.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= sch.config.RetryLimit; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sch.config.RetryBackoff):
			}
		}

		result, err := sch.run.Run(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, runner.ErrUnavailable) {
			return nil, err
		}
		log.Printf("Transient failure on task %s (attempt %d/%d): %v", req.TaskID, attempt+1, sch.config.RetryLimit+1, err)
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", sch.config.RetryLimit+1, lastErr)
}

// buildRequest assembles the runner request with thread context selected
// per the thread's settings.
func (sch *Scheduler) buildRequest(task *models.Task) (runner.Request, error) {
	req := runner.Request{
		TaskID:   task.ID,
		ThreadID: task.ThreadID,
		Prompt:   task.Prompt,
		Mode:     models.ThreadModeAuto,
	}

	thread, err := sch.store.GetThread(task.ThreadID)
	if err != nil {
		return req, err
	}
	if thread == nil {
		// Thread deleted between claim and execution; run without context.
		return req, nil
	}
	req.Mode = thread.Mode

	tasks, err := sch.store.ListTasksForThread(task.ThreadID)
	if err != nil {
		return req, err
	}

	var history []string
	for _, t := range tasks {
		if t.ID == task.ID {
			continue
		}
		switch thread.Settings.ContextMode {
		case models.ContextModeFull:
			entry := t.Prompt
			if t.Result != nil {
				entry += "\n" + t.Result.Response
			}
			history = append(history, entry)
		default:
			// smart and window both take completed exchanges only
			if t.Status == models.TaskStatusCompleted && t.Result != nil {
				history = append(history, t.Prompt+"\n"+t.Result.Response)
			}
		}
	}
	if thread.Settings.ContextMode != models.ContextModeFull {
		if w := thread.Settings.ContextWindow; w > 0 && len(history) > w {
			history = history[len(history)-w:]
		}
	}
	req.History = history
	return req, nil
}

// recordOutcome writes the completion into memory and registers any forged
// tools reported by the runner.
func (sch *Scheduler) recordOutcome(task *models.Task, result *models.TaskResult) {
	_, err := sch.store.AppendMemory(models.MemoryRecord{
		ThreadID:  task.ThreadID,
		EventType: "task_completed",
		Summary:   truncate(task.Prompt, 120),
		Content:   result.Response,
		Domain:    "tasks",
	})
	if err != nil {
		log.Printf("Error recording task memory: %v", err)
	}

	if sch.tools == nil {
		return
	}
	for _, name := range result.ToolsForged {
		if err := sch.tools.Record(name, "Forged during task "+task.ID, "", nil); err != nil {
			log.Printf("Error recording forged tool %s: %v", name, err)
		}
	}
}

func (sch *Scheduler) finalizeFailed(task *models.Task, errMsg string) {
	final, err := sch.Fail(task.ID, errMsg)
	if err != nil {
		log.Printf("Error failing task %s: %v", task.ID, err)
		return
	}
	if final.Status != models.TaskStatusFailed || final.Error != errMsg {
		return
	}

	sch.audit.Record(audit.ActionTaskFail, map[string]string{"task_id": task.ID}, "failed", task.ID, errMsg)
	sch.hub.Publish(broadcast.Event{
		Type:     broadcast.TypeResponse,
		Channel:  broadcast.ChannelChat,
		ThreadID: task.ThreadID,
		Payload: map[string]any{
			"task_id": task.ID,
			"error":   errMsg,
		},
	})
	log.Printf("Task %s failed: %s", task.ID, errMsg)
	sch.logs.Errorf("task %s failed: %s", task.ID, errMsg)
}

// timeoutLoop is the backstop against abandoned running tasks: anything
// running past the budget (plus grace for finalization in flight) is
// finalized as failed. The worker-side ctx timeout is the primary
// enforcement; this loop catches workers that died without finalizing.
func (sch *Scheduler) timeoutLoop() {
	defer sch.wg.Done()

	interval := sch.config.TaskTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-(sch.config.TaskTimeout + sch.config.TaskTimeout/2))
			stale, err := sch.store.RunningTasksOlderThan(cutoff)
			if err != nil {
				log.Printf("Error scanning stale tasks: %v", err)
				continue
			}
			for i := range stale {
				sch.finalizeFailed(&stale[i], fmt.Sprintf("%s: task exceeded %s budget", ErrExecutionTimeout, sch.config.TaskTimeout))
			}
		}
	}
}

func (sch *Scheduler) publishAgents() {
	sch.hub.Publish(broadcast.Event{
		Type:    broadcast.TypeAgentsUpdate,
		Channel: broadcast.ChannelAgents,
		Payload: sch.ActiveAgents(),
	})
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
