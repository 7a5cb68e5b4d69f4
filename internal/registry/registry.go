// Package registry owns thread identity, settings, and mode. All mutations
// of a given thread are serialized per id so no two concurrent
// read-modify-write operations can interleave.
package registry

import (
	"errors"
	"sync"

	"github.com/mlowden/strand/internal/models"
	"github.com/mlowden/strand/internal/store"
)

// ErrThreadNotFound indicates an unknown thread id.
var ErrThreadNotFound = errors.New("thread not found")

// SettingsPatch is a partial settings update. Nil fields are left unchanged;
// supplied fields win (last-write-wins at the patch level).
type SettingsPatch struct {
	ContextMode           *models.ContextMode `json:"context_mode,omitempty"`
	ContextWindow         *int                `json:"context_window,omitempty"`
	SystemTerminalEnabled *bool               `json:"system_terminal_enabled,omitempty"`
}

// Registry provides thread CRUD over the store.
type Registry struct {
	store *store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a registry backed by the given store.
func New(s *store.Store) *Registry {
	return &Registry{
		store: s,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing mutations of one thread id.
// Entries are retained for the process lifetime; thread counts are small.
func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Create makes a new thread. The id is generated server-side and the mode
// defaults to auto.
func (r *Registry) Create(title string) (*models.Thread, error) {
	return r.store.CreateThread(title)
}

// Get retrieves a thread by id.
func (r *Registry) Get(id string) (*models.Thread, error) {
	thread, err := r.store.GetThread(id)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}
	return thread, nil
}

// List returns all threads. Callers sort as they see fit; the store hands
// them back most recently updated first.
func (r *Registry) List() ([]models.Thread, error) {
	return r.store.ListThreads()
}

// SetMode updates a thread's mode.
func (r *Registry) SetMode(id string, mode models.ThreadMode) error {
	if mode != models.ThreadModeAuto && mode != models.ThreadModeChatOnly {
		return errors.New("unknown thread mode: " + string(mode))
	}

	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := r.store.SetThreadMode(id, mode); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrThreadNotFound
		}
		return err
	}
	return nil
}

// UpdateSettings merges the supplied fields into a thread's settings. The
// read-merge-write runs under the per-thread lock so concurrent patches of
// the same thread cannot interleave.
func (r *Registry) UpdateSettings(id string, patch SettingsPatch) (*models.Thread, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	thread, err := r.store.GetThread(id)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}

	settings := thread.Settings
	if patch.ContextMode != nil {
		settings.ContextMode = *patch.ContextMode
	}
	if patch.ContextWindow != nil {
		if *patch.ContextWindow <= 0 {
			return nil, errors.New("context_window must be positive")
		}
		settings.ContextWindow = *patch.ContextWindow
	}
	if patch.SystemTerminalEnabled != nil {
		settings.SystemTerminalEnabled = *patch.SystemTerminalEnabled
	}

	if err := r.store.UpdateThreadSettings(id, settings); err != nil {
		return nil, err
	}
	thread.Settings = settings
	return thread, nil
}

// Delete removes a thread from the registry. The store atomically detaches
// the thread's tasks, which remain for audit but are unreachable through
// thread reads.
func (r *Registry) Delete(id string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := r.store.DeleteThread(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrThreadNotFound
		}
		return err
	}
	return nil
}
