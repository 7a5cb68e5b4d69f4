// Package prefs is the durable per-key preference store consulted by the
// dashboard to restore filters, sort orders, and the active thread. Keys
// may be dotted paths denoting nested structure; last write wins and there
// is no transactional guarantee across keys.
package prefs

import (
	"strings"
	"sync"

	"github.com/mlowden/strand/internal/store"
)

// Store provides dotted-path access over the persisted preference document.
type Store struct {
	backing *store.Store

	mu sync.Mutex
}

// New creates a preference store.
func New(s *store.Store) *Store {
	return &Store{backing: s}
}

// All returns the full preference document.
func (p *Store) All() (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backing.LoadPreferences()
}

// Get returns the value at a dotted key, or (nil, false) when any segment
// of the path is absent.
func (p *Store) Get(key string) (any, bool, error) {
	doc, err := p.All()
	if err != nil {
		return nil, false, err
	}

	var current any = doc
	for _, segment := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		current, ok = m[segment]
		if !ok {
			return nil, false, nil
		}
	}
	return current, true, nil
}

// Set writes a value at a dotted key, creating intermediate maps as needed.
// A non-map value sitting mid-path is overwritten: there is no schema
// beyond structural merge.
func (p *Store) Set(key string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.backing.LoadPreferences()
	if err != nil {
		return err
	}

	segments := strings.Split(key, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value

	return p.backing.SavePreferences(doc)
}
