package overlay

import (
	"log/slog"
	"time"

	"github.com/reglet-dev/macro-overlay/allowliststore"
	"github.com/reglet-dev/macro-overlay/ports"
	"github.com/reglet-dev/macro-overlay/scanner"
)

// ScannerFactory builds the scanner for one bind from a fresh query capability.
type ScannerFactory func(q ports.QueryCapability) ports.BundleScanner

// StoreFactory opens the allowlist repository for a source directory.
type StoreFactory func(dir, documentName string) (ports.AllowlistRepository, error)

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithScannerFactory replaces the table scanner.
func WithScannerFactory(f ScannerFactory) Option {
	return func(r *Runtime) {
		if f != nil {
			r.newScanner = f
		}
	}
}

// WithStoreFactory replaces the file-backed allowlist store.
func WithStoreFactory(f StoreFactory) Option {
	return func(r *Runtime) {
		if f != nil {
			r.newStore = f
		}
	}
}

// WithClock sets the time source for approval traces.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

func defaultScannerFactory(logger *slog.Logger) ScannerFactory {
	return func(q ports.QueryCapability) ports.BundleScanner {
		return scanner.New(q, scanner.WithLogger(logger))
	}
}

func defaultStoreFactory(logger *slog.Logger) StoreFactory {
	return func(dir, documentName string) (ports.AllowlistRepository, error) {
		return allowliststore.NewFileStore(dir,
			allowliststore.WithFileName(documentName),
			allowliststore.WithLogger(logger))
	}
}
