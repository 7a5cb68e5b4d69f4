// Package toolbox manages the registry of named, schema-described tools
// available to workers. System tools ship with the daemon and are protected
// from deletion.
package toolbox

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/mlowden/strand/internal/models"
	"github.com/mlowden/strand/internal/store"
)

// Sentinel errors surfaced to callers.
var (
	ErrToolNotFound = errors.New("tool not found")
	ErrForbidden    = store.ErrForbidden
)

// namePattern enforces the [Domain]_[Action]_[Object] naming convention.
var namePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*_[A-Z][A-Za-z0-9]*_[A-Z][A-Za-z0-9]*$`)

// Box is the tool registry over the store.
type Box struct {
	store *store.Store
}

// New creates a tool registry.
func New(s *store.Store) *Box {
	return &Box{store: s}
}

// List returns all registered tools.
func (b *Box) List() ([]models.Tool, error) {
	return b.store.ListTools()
}

// Get returns one tool by name.
func (b *Box) Get(name string) (*models.Tool, error) {
	tool, err := b.store.GetTool(name)
	if err != nil {
		return nil, err
	}
	if tool == nil {
		return nil, ErrToolNotFound
	}
	return tool, nil
}

// Count returns the number of registered tools.
func (b *Box) Count() (int, error) {
	return b.store.CountTools()
}

// Record registers a forged (worker-created) tool. The name must follow the
// [Domain]_[Action]_[Object] pattern; forged tools are never system tools.
func (b *Box) Record(name, description, filePath string, parameters map[string]string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("tool name %q does not match Domain_Action_Object", name)
	}
	return b.store.UpsertTool(models.Tool{
		Name:        name,
		Domain:      domainOf(name),
		Description: description,
		Parameters:  parameters,
		FilePath:    filePath,
		CreatedAt:   time.Now().UTC(),
	})
}

// Touch increments a tool's usage counter.
func (b *Box) Touch(name string) error {
	if err := b.store.TouchTool(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrToolNotFound
		}
		return err
	}
	return nil
}

// Delete removes a tool. System tools fail with ErrForbidden and remain
// present.
func (b *Box) Delete(name string) error {
	if err := b.store.DeleteTool(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrToolNotFound
		}
		return err
	}
	return nil
}

// domainOf extracts the Domain segment of a validated tool name.
func domainOf(name string) string {
	for i, r := range name {
		if r == '_' {
			return name[:i]
		}
	}
	return name
}
