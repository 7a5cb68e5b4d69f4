// Package controlplane provides the HTTP API and service layer for Strand.
package controlplane

import (
	"context"
	"strings"
	"time"

	"github.com/mlowden/strand/internal/approval"
	"github.com/mlowden/strand/internal/audit"
	"github.com/mlowden/strand/internal/broadcast"
	"github.com/mlowden/strand/internal/memory"
	"github.com/mlowden/strand/internal/models"
	"github.com/mlowden/strand/internal/prefs"
	"github.com/mlowden/strand/internal/registry"
	"github.com/mlowden/strand/internal/scheduler"
	"github.com/mlowden/strand/internal/toolbox"
)

// Service is the aggregation point the HTTP layer talks to. It holds no
// state of its own; each call delegates to the owning component.
type Service struct {
	threads   *registry.Registry
	scheduler *scheduler.Scheduler
	packages  *approval.Manager
	tools     *toolbox.Box
	memory    *memory.Service
	prefs     *prefs.Store
	hub       *broadcast.Hub
	audit     *audit.Writer

	started time.Time
}

// NewService wires the components into one service.
func NewService(threads *registry.Registry, sched *scheduler.Scheduler, pkgs *approval.Manager, tools *toolbox.Box, mem *memory.Service, pref *prefs.Store, hub *broadcast.Hub, auditor *audit.Writer) *Service {
	return &Service{
		threads:   threads,
		scheduler: sched,
		packages:  pkgs,
		tools:     tools,
		memory:    mem,
		prefs:     pref,
		hub:       hub,
		audit:     auditor,
		started:   time.Now().UTC(),
	}
}

// Hub exposes the event hub for the streaming handlers.
func (s *Service) Hub() *broadcast.Hub {
	return s.hub
}

// --- Thread Operations ---

// CreateThread makes a new thread.
func (s *Service) CreateThread(title string) (*models.Thread, error) {
	thread, err := s.threads.Create(title)
	if err != nil {
		return nil, err
	}
	s.audit.Record(audit.ActionThreadCreate, map[string]string{"title": title}, "success", thread.ID, "")
	return thread, nil
}

// GetThread retrieves one thread.
func (s *Service) GetThread(id string) (*models.Thread, error) {
	return s.threads.Get(id)
}

// ListThreads returns all threads, most recently active first.
func (s *Service) ListThreads() ([]models.Thread, error) {
	return s.threads.List()
}

// SetThreadMode switches a thread between auto and chat_only.
func (s *Service) SetThreadMode(id string, mode models.ThreadMode) (*models.Thread, error) {
	if err := s.threads.SetMode(id, mode); err != nil {
		return nil, err
	}
	s.audit.Record(audit.ActionThreadMode, map[string]string{"thread_id": id, "mode": string(mode)}, "success", id, "")
	return s.threads.Get(id)
}

// UpdateThreadSettings merges a partial settings patch into a thread.
func (s *Service) UpdateThreadSettings(id string, patch registry.SettingsPatch) (*models.Thread, error) {
	thread, err := s.threads.UpdateSettings(id, patch)
	if err != nil {
		return nil, err
	}
	s.audit.Record(audit.ActionThreadSettings, map[string]string{"thread_id": id}, "success", id, "")
	return thread, nil
}

// DeleteThread removes a thread. Queued tasks fail, the rest are detached
// rather than destroyed.
func (s *Service) DeleteThread(id string) error {
	if err := s.threads.Delete(id); err != nil {
		return err
	}
	s.audit.Record(audit.ActionThreadDelete, map[string]string{"thread_id": id}, "success", id, "")
	return nil
}

// --- Task Operations ---

// SubmitTask enqueues a task on an existing thread.
func (s *Service) SubmitTask(threadID, prompt string) (*models.Task, error) {
	return s.scheduler.Submit(threadID, prompt)
}

// TaskStatus reads a task's current record.
func (s *Service) TaskStatus(taskID string) (*models.Task, error) {
	return s.scheduler.Status(taskID)
}

// QueueStatus returns queue depth and per-thread activity.
func (s *Service) QueueStatus() (*models.QueueStatus, error) {
	return s.scheduler.QueueStatus()
}

// Chat is the conversational entry point: it submits a prompt on the given
// thread, creating the thread first when no id is supplied. Thread creation
// is always explicit here; the scheduler itself rejects unknown threads.
func (s *Service) Chat(threadID, prompt string) (*models.Task, *models.Thread, error) {
	var thread *models.Thread
	var err error

	if threadID == "" {
		thread, err = s.CreateThread(deriveTitle(prompt))
		if err != nil {
			return nil, nil, err
		}
		threadID = thread.ID
	} else {
		thread, err = s.threads.Get(threadID)
		if err != nil {
			return nil, nil, err
		}
	}

	task, err := s.scheduler.Submit(threadID, prompt)
	if err != nil {
		return nil, nil, err
	}
	return task, thread, nil
}

// --- Package Operations ---

// RequestPackage records a pending install request.
func (s *Service) RequestPackage(ctx context.Context, name, reason, requestedBy string) (*models.Package, error) {
	return s.packages.RequestInstall(ctx, name, reason, requestedBy)
}

// ListPackages returns all package records.
func (s *Service) ListPackages() ([]models.Package, error) {
	return s.packages.List()
}

// GetPackage returns one package record.
func (s *Service) GetPackage(name string) (*models.Package, error) {
	return s.packages.Get(name)
}

// ApprovePackage approves a pending package and starts its install.
func (s *Service) ApprovePackage(name string) (*models.Package, error) {
	return s.packages.Approve(name)
}

// DenyPackage rejects a pending package.
func (s *Service) DenyPackage(name string) (*models.Package, error) {
	return s.packages.Deny(name)
}

// UninstallPackage removes an installed package.
func (s *Service) UninstallPackage(name string) (*models.Package, error) {
	return s.packages.Uninstall(name)
}

// RetryPackage re-approves a failed, uninstalled, or denied package.
func (s *Service) RetryPackage(name string) (*models.Package, error) {
	return s.packages.Retry(name)
}

// SyncPackages reconciles records against the actual environment.
func (s *Service) SyncPackages(ctx context.Context) (*approval.SyncResult, error) {
	return s.packages.Sync(ctx)
}

// --- Tool Operations ---

// ListTools returns the tool registry contents.
func (s *Service) ListTools() ([]models.Tool, error) {
	return s.tools.List()
}

// GetTool returns one tool by name.
func (s *Service) GetTool(name string) (*models.Tool, error) {
	return s.tools.Get(name)
}

// DeleteTool removes a forged tool. System tools refuse with Forbidden.
func (s *Service) DeleteTool(name string) error {
	if err := s.tools.Delete(name); err != nil {
		return err
	}
	s.audit.Record(audit.ActionToolDelete, map[string]string{"name": name}, "success", name, "")
	return nil
}

// --- Memory Operations ---

// MemoryOverview returns permanent insights plus per-thread memory groups.
func (s *Service) MemoryOverview() (*memory.Overview, error) {
	return s.memory.Overview()
}

// SearchMemory runs a ranked search over memory records.
func (s *Service) SearchMemory(query, domain string, limit int) ([]models.MemoryRecord, error) {
	return s.memory.Search(query, domain, limit)
}

// AppendMemory adds a record to the append-only memory log.
func (s *Service) AppendMemory(rec models.MemoryRecord) (*models.MemoryRecord, error) {
	return s.memory.Append(rec)
}

// --- Preference Operations ---

// GetPreference reads a dotted-path preference key.
func (s *Service) GetPreference(key string) (any, bool, error) {
	return s.prefs.Get(key)
}

// SetPreference writes a dotted-path preference key.
func (s *Service) SetPreference(key string, value any) error {
	return s.prefs.Set(key, value)
}

// AllPreferences returns the full preference document.
func (s *Service) AllPreferences() (map[string]any, error) {
	return s.prefs.All()
}

// --- Status ---

// DaemonStatus is the readiness summary served on /status.
type DaemonStatus struct {
	Uptime       string                `json:"uptime"`
	Queue        *models.QueueStatus   `json:"queue"`
	ActiveAgents []broadcast.AgentInfo `json:"active_agents"`
	ToolCount    int                   `json:"tool_count"`
	Subscribers  map[string]int        `json:"subscribers"`
}

// Status assembles the daemon readiness summary.
func (s *Service) Status() (*DaemonStatus, error) {
	queue, err := s.scheduler.QueueStatus()
	if err != nil {
		return nil, err
	}
	toolCount, err := s.tools.Count()
	if err != nil {
		return nil, err
	}

	return &DaemonStatus{
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Queue:        queue,
		ActiveAgents: s.scheduler.ActiveAgents(),
		ToolCount:    toolCount,
		Subscribers: map[string]int{
			string(broadcast.ChannelChat):   s.hub.SubscriberCount(broadcast.ChannelChat),
			string(broadcast.ChannelLogs):   s.hub.SubscriberCount(broadcast.ChannelLogs),
			string(broadcast.ChannelAgents): s.hub.SubscriberCount(broadcast.ChannelAgents),
		},
	}, nil
}

// deriveTitle makes a thread title from the first prompt.
func deriveTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > 60 {
		title = strings.TrimSpace(title[:57]) + "..."
	}
	if title == "" {
		title = "New thread"
	}
	return title
}
