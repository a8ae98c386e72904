// Package entities holds the trust-store aggregates and the derived views
// computed from them.
package entities

import (
	"errors"
	"fmt"

	"github.com/reglet-dev/macro-overlay/values"
)

// Sentinel errors for common error patterns.
// These allow both errors.Is() checks and errors.As() for detailed information.
var (
	// ErrNotDiscovered is returned when an identity is absent from the current scan.
	ErrNotDiscovered = errors.New("bundle not discovered in current scan")

	// ErrStoreUnavailable is returned when a persisted operation runs before
	// the allowlist store and document exist.
	ErrStoreUnavailable = errors.New("allowlist store not initialised")

	// ErrSessionApprovalsDisabled is returned when a session-scoped approval
	// is attempted while configuration forbids it.
	ErrSessionApprovalsDisabled = errors.New("session approvals disabled by configuration")

	// ErrScan is returned when discovery fails; no partial results are trusted.
	ErrScan = errors.New("scan failed")

	// ErrUnsupportedDocument is returned for allowlist documents written in a
	// format version this build cannot read.
	ErrUnsupportedDocument = errors.New("unsupported allowlist document version")
)

// ScanError describes why a scan was rejected.
type ScanError struct {
	Err    error
	Reason string
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scan failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("scan failed: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ScanError) Unwrap() error { return e.Err }

// Is implements error matching for errors.Is() checks.
// This allows: errors.Is(err, entities.ErrScan)
func (e *ScanError) Is(target error) bool {
	return target == ErrScan
}

// NotDiscoveredError names the identity that was not found.
type NotDiscoveredError struct {
	Identity values.Identity
}

func (e *NotDiscoveredError) Error() string {
	return fmt.Sprintf("bundle %s not discovered in current scan", e.Identity)
}

// Is implements error matching for errors.Is() checks.
// This allows: errors.Is(err, entities.ErrNotDiscovered)
func (e *NotDiscoveredError) Is(target error) bool {
	return target == ErrNotDiscovered
}
