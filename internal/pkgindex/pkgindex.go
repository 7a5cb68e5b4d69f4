// Package pkgindex looks up advisory safety metadata for packages from an
// external index. The metadata is descriptive only; it never gates an
// approval transition.
package pkgindex

import (
	"context"

	"github.com/mlowden/strand/internal/models"
)

// Index resolves package names to advisory metadata.
type Index interface {
	// Lookup fetches metadata for a package name. Implementations return
	// UNKNOWN-level metadata rather than an error when the index cannot
	// classify the package; errors are reserved for lookup failures the
	// caller may want to log.
	Lookup(ctx context.Context, name string) (models.PackageMetadata, error)
}

// Unknown is the metadata attached when no index answer is available.
func Unknown() models.PackageMetadata {
	return models.PackageMetadata{
		SafetyScore: 0,
		SafetyLevel: models.SafetyUnknown,
	}
}

// Static is a fixed-answer index for tests and offline operation.
type Static struct {
	Entries map[string]models.PackageMetadata
}

// Lookup returns the configured metadata, or UNKNOWN when absent.
func (s *Static) Lookup(_ context.Context, name string) (models.PackageMetadata, error) {
	if meta, ok := s.Entries[name]; ok {
		return meta, nil
	}
	return Unknown(), nil
}
