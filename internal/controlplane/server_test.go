package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mlowden/strand/internal/approval"
	"github.com/mlowden/strand/internal/audit"
	"github.com/mlowden/strand/internal/broadcast"
	"github.com/mlowden/strand/internal/memory"
	"github.com/mlowden/strand/internal/models"
	"github.com/mlowden/strand/internal/pkgindex"
	"github.com/mlowden/strand/internal/prefs"
	"github.com/mlowden/strand/internal/registry"
	"github.com/mlowden/strand/internal/runner"
	"github.com/mlowden/strand/internal/scheduler"
	"github.com/mlowden/strand/internal/store"
	"github.com/mlowden/strand/internal/toolbox"
)

// memInstaller is an in-memory stand-in for pip.
type memInstaller struct {
	mu        sync.Mutex
	installed map[string]bool
}

func (m *memInstaller) Name() string { return "mem" }

func (m *memInstaller) Install(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed[name] = true
	return nil
}

func (m *memInstaller) Uninstall(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.installed, name)
	return nil
}

func (m *memInstaller) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.installed))
	for name := range m.installed {
		names = append(names, name)
	}
	return names, nil
}

// newTestServer wires the full daemon stack behind httptest, with the
// loopback runner standing in for real execution.
func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	hub := broadcast.NewHub()
	t.Cleanup(hub.Close)
	auditor := audit.NewWriter(s)

	tools := toolbox.New(s)
	if _, err := tools.SeedSystemTools(); err != nil {
		t.Fatalf("SeedSystemTools failed: %v", err)
	}

	index := &pkgindex.Static{Entries: map[string]models.PackageMetadata{
		"requests": {SafetyScore: 85, SafetyLevel: models.SafetyLow, Version: "2.31.0"},
	}}
	pkgs := approval.New(s, index, &memInstaller{installed: make(map[string]bool)}, hub, auditor)
	t.Cleanup(pkgs.Stop)

	sched := scheduler.New(s, runner.NewLoopback(), hub, auditor, tools, &scheduler.Config{
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
		TaskTimeout:  5 * time.Second,
		RetryLimit:   1,
		RetryBackoff: 10 * time.Millisecond,
	})
	sched.Start()
	t.Cleanup(sched.Stop)

	svc := NewService(registry.New(s), sched, pkgs, tools, memory.New(s), prefs.New(s), hub, auditor)
	ts := httptest.NewServer(NewServer(svc, "").Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("Failed to decode response %s: %v", data, err)
	}
	return v
}

// pollTask fetches a task record until it settles.
func pollTask(t *testing.T, baseURL, taskID string) models.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, data := doJSON(t, http.MethodGet, baseURL+"/tasks/"+taskID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET /tasks/%s returned %d: %s", taskID, resp.StatusCode, data)
		}
		task := decode[models.Task](t, data)
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Task %s never settled", taskID)
	return models.Task{}
}

func TestSubmitAndPollTask(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/threads", map[string]string{"title": "Research"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /threads returned %d: %s", resp.StatusCode, data)
	}
	thread := decode[models.Thread](t, data)

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/tasks", map[string]string{
		"thread_id": thread.ID,
		"prompt":    "summarize the report",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /tasks returned %d: %s", resp.StatusCode, data)
	}
	task := decode[models.Task](t, data)
	if task.Status != models.TaskStatusQueued {
		t.Errorf("Expected queued, got %s", task.Status)
	}

	final := pollTask(t, ts.URL, task.ID)
	if final.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.Result == nil || !strings.Contains(final.Result.Response, "summarize the report") {
		t.Errorf("Unexpected result: %+v", final.Result)
	}

	// The thread records its task ids in submission order.
	resp, data = doJSON(t, http.MethodGet, ts.URL+"/threads/"+thread.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /threads/{id} returned %d", resp.StatusCode)
	}
	got := decode[models.Thread](t, data)
	if len(got.TaskIDs) != 1 || got.TaskIDs[0] != task.ID {
		t.Errorf("Task not recorded on thread: %v", got.TaskIDs)
	}
}

func TestSubmitUnknownThread(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/tasks", map[string]string{
		"thread_id": "no-such-thread",
		"prompt":    "hello",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/tasks", map[string]string{"thread_id": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty prompt, got %d", resp.StatusCode)
	}
}

func TestChatCreatesThread(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/chat", map[string]string{
		"message": "find me a flight to Lisbon",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /chat returned %d: %s", resp.StatusCode, data)
	}
	reply := decode[chatResponse](t, data)
	if reply.Thread == nil || reply.Thread.ID == "" {
		t.Fatal("Chat did not create a thread")
	}
	if reply.Thread.Title != "find me a flight to Lisbon" {
		t.Errorf("Unexpected derived title: %s", reply.Thread.Title)
	}
	if reply.Task == nil || reply.Task.ThreadID != reply.Thread.ID {
		t.Fatalf("Task not bound to new thread: %+v", reply.Task)
	}

	final := pollTask(t, ts.URL, reply.Task.ID)
	if final.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s (%s)", final.Status, final.Error)
	}

	// A second message on the same thread reuses it.
	resp, data = doJSON(t, http.MethodPost, ts.URL+"/chat", map[string]string{
		"thread_id": reply.Thread.ID,
		"message":   "make it a window seat",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Second POST /chat returned %d: %s", resp.StatusCode, data)
	}
	second := decode[chatResponse](t, data)
	if second.Thread.ID != reply.Thread.ID {
		t.Errorf("Chat created a new thread instead of reusing %s", reply.Thread.ID)
	}
}

func TestThreadModeAndSettings(t *testing.T) {
	ts, _ := newTestServer(t)

	_, data := doJSON(t, http.MethodPost, ts.URL+"/threads", map[string]string{"title": "Tuning"})
	thread := decode[models.Thread](t, data)

	resp, data := doJSON(t, http.MethodPut, ts.URL+"/threads/"+thread.ID+"/mode", map[string]string{"mode": "chat_only"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT mode returned %d: %s", resp.StatusCode, data)
	}
	if decode[models.Thread](t, data).Mode != models.ThreadModeChatOnly {
		t.Error("Mode change not applied")
	}

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/threads/"+thread.ID+"/mode", map[string]string{"mode": "warp"})
	if resp.StatusCode == http.StatusOK {
		t.Error("Unknown mode accepted")
	}

	resp, data = doJSON(t, http.MethodPatch, ts.URL+"/threads/"+thread.ID+"/settings", map[string]any{
		"context_mode":   "window",
		"context_window": 5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PATCH settings returned %d: %s", resp.StatusCode, data)
	}
	got := decode[models.Thread](t, data)
	if got.Settings.ContextMode != models.ContextModeWindow || got.Settings.ContextWindow != 5 {
		t.Errorf("Settings patch not applied: %+v", got.Settings)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/threads/"+thread.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE thread returned %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/threads/"+thread.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestPackageEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/packages", map[string]string{
		"name":         "requests",
		"reason":       "http client",
		"requested_by": "worker-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /packages returned %d: %s", resp.StatusCode, data)
	}
	pkg := decode[models.Package](t, data)
	if pkg.Status != models.PackageStatusPending {
		t.Errorf("Expected pending, got %s", pkg.Status)
	}
	if pkg.Metadata.SafetyLevel != models.SafetyLow {
		t.Errorf("Index metadata missing: %+v", pkg.Metadata)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/packages/requests/approve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Approve returned %d: %s", resp.StatusCode, data)
	}

	// The install runs asynchronously after approval.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, data = doJSON(t, http.MethodGet, ts.URL+"/packages/requests", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET package returned %d", resp.StatusCode)
		}
		pkg = decode[models.Package](t, data)
		if pkg.Status == models.PackageStatusInstalled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Package never installed, stuck at %s (%s)", pkg.Status, pkg.Error)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Deciding an already-settled package is a conflict.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/packages/requests/deny", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 denying an installed package, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/packages/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown package, got %d", resp.StatusCode)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/packages/sync", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Sync returned %d: %s", resp.StatusCode, data)
	}
}

func TestToolEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/tools", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /tools returned %d", resp.StatusCode)
	}
	tools := decode[[]models.Tool](t, data)
	if len(tools) == 0 {
		t.Fatal("No seeded tools listed")
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/tools/Security_Scan_Prompt", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 deleting a system tool, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/tools/Ghost_Do_Nothing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 deleting an unknown tool, got %d", resp.StatusCode)
	}
}

func TestPreferenceEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/prefs/dashboard.theme", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unset key, got %d", resp.StatusCode)
	}

	resp, data := doJSON(t, http.MethodPut, ts.URL+"/prefs/dashboard.theme", map[string]any{"value": "dark"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT pref returned %d: %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/prefs/dashboard.theme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET pref returned %d", resp.StatusCode)
	}
	reply := decode[map[string]any](t, data)
	if reply["value"] != "dark" {
		t.Errorf("Expected dark, got %v", reply["value"])
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/prefs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /prefs returned %d", resp.StatusCode)
	}
	doc := decode[map[string]any](t, data)
	if _, ok := doc["dashboard"]; !ok {
		t.Errorf("Full document missing dashboard node: %v", doc)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/memory", map[string]string{
		"event_type": "insight",
		"summary":    "prefers metric units",
		"content":    "always convert to metric",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /memory returned %d: %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/memory/overview", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET overview returned %d", resp.StatusCode)
	}
	overview := decode[memory.Overview](t, data)
	if len(overview.Permanent) != 1 {
		t.Errorf("Expected 1 permanent record, got %d", len(overview.Permanent))
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/memory/search?q=metric", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET search returned %d", resp.StatusCode)
	}
	records := decode[[]models.MemoryRecord](t, data)
	if len(records) != 1 {
		t.Errorf("Expected 1 search hit, got %d", len(records))
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/memory/search?q=metric&limit=nope", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestStatusAndHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health returned %d", resp.StatusCode)
	}

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status returned %d", resp.StatusCode)
	}
	status := decode[DaemonStatus](t, data)
	if status.ToolCount == 0 {
		t.Error("Status reports no tools despite seeding")
	}
	if status.Queue == nil {
		t.Error("Status missing queue summary")
	}
}

func TestEventStream(t *testing.T) {
	ts, svc := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/events/replay", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown channel, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/chat", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events/chat failed: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}

	// Wait until the subscription registers, then publish through the hub.
	deadline := time.Now().Add(2 * time.Second)
	for svc.Hub().SubscriberCount(broadcast.ChannelChat) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	svc.Hub().Publish(broadcast.Event{
		Type:     broadcast.TypeResponse,
		Channel:  broadcast.ChannelChat,
		ThreadID: "t1",
	})

	scanner := bufio.NewScanner(stream.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if eventLine != fmt.Sprintf("event: %s", broadcast.TypeResponse) {
		t.Errorf("Unexpected event line: %q", eventLine)
	}
	if !strings.Contains(dataLine, `"t1"`) {
		t.Errorf("Event payload missing thread id: %q", dataLine)
	}
}
