package controlplane

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mlowden/strand/internal/models"
	"github.com/mlowden/strand/internal/registry"
)

// Server provides the HTTP API for Strand.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
	}
}

// Handler builds the route table. Exposed separately so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Thread endpoints
	mux.HandleFunc("/threads", s.handleThreads)
	mux.HandleFunc("/threads/", s.handleThreadByID)

	// Task endpoints
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/chat", s.handleChat)

	// Package endpoints
	mux.HandleFunc("/packages", s.handlePackages)
	mux.HandleFunc("/packages/sync", s.handlePackageSync)
	mux.HandleFunc("/packages/", s.handlePackageByName)

	// Tool endpoints
	mux.HandleFunc("/tools", s.handleTools)
	mux.HandleFunc("/tools/", s.handleToolByName)

	// Memory endpoints
	mux.HandleFunc("/memory", s.handleMemory)
	mux.HandleFunc("/memory/overview", s.handleMemoryOverview)
	mux.HandleFunc("/memory/search", s.handleMemorySearch)

	// Preference endpoints
	mux.HandleFunc("/prefs", s.handlePrefs)
	mux.HandleFunc("/prefs/", s.handlePrefByKey)

	// Event streams
	mux.HandleFunc("/events/", s.handleEvents)

	// Daemon status
	mux.HandleFunc("/status", s.handleStatus)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the SSE streams hold their connections open.
	}

	log.Printf("Starting Strand daemon on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Thread Handlers ---

type createThreadRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createThreadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		thread, err := s.service.CreateThread(req.Title)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusCreated, thread)
	case http.MethodGet:
		threads, err := s.service.ListThreads()
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		if threads == nil {
			threads = []models.Thread{}
		}
		writeJSON(w, http.StatusOK, threads)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type setModeRequest struct {
	Mode models.ThreadMode `json:"mode"`
}

func (s *Server) handleThreadByID(w http.ResponseWriter, r *http.Request) {
	threadID, action := splitPath(r.URL.Path, "/threads/")
	if threadID == "" {
		http.Error(w, "thread id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		thread, err := s.service.GetThread(threadID)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, thread)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.service.DeleteThread(threadID); err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case action == "mode" && r.Method == http.MethodPut:
		var req setModeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		thread, err := s.service.SetThreadMode(threadID, req.Mode)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, thread)
	case action == "settings" && r.Method == http.MethodPatch:
		var patch registry.SettingsPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		thread, err := s.service.UpdateThreadSettings(threadID, patch)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, thread)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Task Handlers ---

type submitTaskRequest struct {
	ThreadID string `json:"thread_id"`
	Prompt   string `json:"prompt"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt required", http.StatusBadRequest)
		return
	}

	task, err := s.service.SubmitTask(req.ThreadID, req.Prompt)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID, action := splitPath(r.URL.Path, "/tasks/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	if action != "" || r.Method != http.MethodGet {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	task, err := s.service.TaskStatus(taskID)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := s.service.QueueStatus()
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type chatRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

type chatResponse struct {
	Task   *models.Task   `json:"task"`
	Thread *models.Thread `json:"thread"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	task, thread, err := s.service.Chat(req.ThreadID, req.Message)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, chatResponse{Task: task, Thread: thread})
}

// --- Package Handlers ---

type requestPackageRequest struct {
	Name        string `json:"name"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req requestPackageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, "package name required", http.StatusBadRequest)
			return
		}
		pkg, err := s.service.RequestPackage(r.Context(), req.Name, req.Reason, req.RequestedBy)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusCreated, pkg)
	case http.MethodGet:
		pkgs, err := s.service.ListPackages()
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		if pkgs == nil {
			pkgs = []models.Package{}
		}
		writeJSON(w, http.StatusOK, pkgs)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePackageSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.service.SyncPackages(r.Context())
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePackageByName(w http.ResponseWriter, r *http.Request) {
	name, action := splitPath(r.URL.Path, "/packages/")
	if name == "" {
		http.Error(w, "package name required", http.StatusBadRequest)
		return
	}

	var (
		pkg *models.Package
		err error
	)
	switch {
	case action == "" && r.Method == http.MethodGet:
		pkg, err = s.service.GetPackage(name)
	case action == "approve" && r.Method == http.MethodPost:
		pkg, err = s.service.ApprovePackage(name)
	case action == "deny" && r.Method == http.MethodPost:
		pkg, err = s.service.DenyPackage(name)
	case action == "uninstall" && r.Method == http.MethodPost:
		pkg, err = s.service.UninstallPackage(name)
	case action == "retry" && r.Method == http.MethodPost:
		pkg, err = s.service.RetryPackage(name)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

// --- Tool Handlers ---

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tools, err := s.service.ListTools()
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	if tools == nil {
		tools = []models.Tool{}
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleToolByName(w http.ResponseWriter, r *http.Request) {
	name, action := splitPath(r.URL.Path, "/tools/")
	if name == "" || action != "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		tool, err := s.service.GetTool(name)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, tool)
	case http.MethodDelete:
		if err := s.service.DeleteTool(name); err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Memory Handlers ---

type appendMemoryRequest struct {
	ThreadID  string `json:"thread_id"`
	EventType string `json:"event_type"`
	Summary   string `json:"summary"`
	Content   string `json:"content"`
	Domain    string `json:"domain"`
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req appendMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	rec, err := s.service.AppendMemory(models.MemoryRecord{
		ThreadID:  req.ThreadID,
		EventType: req.EventType,
		Summary:   req.Summary,
		Content:   req.Content,
		Domain:    req.Domain,
	})
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleMemoryOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	overview, err := s.service.MemoryOverview()
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query().Get("q")
	domain := r.URL.Query().Get("domain")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.service.SearchMemory(query, domain, limit)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	if records == nil {
		records = []models.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Preference Handlers ---

func (s *Server) handlePrefs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc, err := s.service.AllPreferences()
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type setPrefRequest struct {
	Value any `json:"value"`
}

func (s *Server) handlePrefByKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/prefs/")
	if key == "" {
		http.Error(w, "preference key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok, err := s.service.GetPreference(key)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		if !ok {
			http.Error(w, "preference not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
	case http.MethodPut:
		var req setPrefRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := s.service.SetPreference(key, req.Value); err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": req.Value})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Status Handler ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := s.service.Status()
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// splitPath extracts the id and optional action from paths shaped like
// /prefix/{id} and /prefix/{id}/{action}.
func splitPath(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if len(parts) > 1 {
		action = parts[1]
	}
	return id, action
}
