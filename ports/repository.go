package ports

import (
	"context"

	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/values"
)

// AllowlistRepository persists the allowlist document of one source directory.
type AllowlistRepository interface {
	// Load returns the stored document, or an empty one if none exists.
	Load() (*entities.AllowlistDocument, error)
	// Write persists the document and appends exactly one audit record.
	Write(doc *entities.AllowlistDocument, action entities.AuditAction, user string, details map[string]any) error
	// Path returns the backing file path.
	Path() string
}

// BundleScanner discovers bundles from the external source.
type BundleScanner interface {
	Scan(ctx context.Context) ([]values.FunctionBundle, error)
}
