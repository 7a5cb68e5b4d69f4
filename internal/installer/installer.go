// Package installer defines the collaborator that mutates the execution
// environment's dependency set. Installation is only ever triggered by the
// approval manager after an explicit human approve.
package installer

import "context"

// Installer manages third-party packages in the execution environment.
type Installer interface {
	// Name returns the installer identifier.
	Name() string

	// Install installs a package by name.
	Install(ctx context.Context, name string) error

	// Uninstall removes a package by name.
	Uninstall(ctx context.Context, name string) error

	// List returns the names of currently installed packages. Used by the
	// approval manager's sync to detect out-of-band drift.
	List(ctx context.Context) ([]string, error)
}
