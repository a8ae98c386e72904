// Package overlay gates capabilities discovered in an external source behind
// a reviewed allowlist.
//
// A Runtime moves through four phases:
//
//	disabled              overlay off, or the last bind failed
//	idle                  enabled but not bound to a source
//	ready                 source scanned, catalog derived from approvals
//	awaiting_fingerprint  source bytes changed since the stored fingerprint
//
// Only ready exposes capabilities. The catalog is recomputed after every
// state change and includes an approved bundle only while its stored
// signature hash matches the bundle from the latest scan.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/reglet-dev/macro-overlay/config"
	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/ports"
	"github.com/reglet-dev/macro-overlay/services"
	"github.com/reglet-dev/macro-overlay/values"
)

// Phase is the runtime state.
type Phase string

// Runtime phases.
const (
	PhaseDisabled            Phase = "disabled"
	PhaseIdle                Phase = "idle"
	PhaseReady               Phase = "ready"
	PhaseAwaitingFingerprint Phase = "awaiting_fingerprint"
)

// State is a snapshot of the runtime state.
type State struct {
	// Diff is a copy of the current diff; nil unless a scan succeeded.
	Diff               *entities.BundleDiff
	Phase              Phase
	Ready              bool
	FingerprintPending bool
}

// Runtime is the overlay state machine. It is safe for concurrent use;
// operations that scan hold the runtime for their whole duration.
type Runtime struct {
	logger     *slog.Logger
	now        func() time.Time
	newScanner ScannerFactory
	newStore   StoreFactory

	mu          sync.Mutex
	cfg         config.Overlay
	phase       Phase
	sourcePath  string
	factory     ports.QueryFactory
	store       ports.AllowlistRepository
	document    *entities.AllowlistDocument
	bundles     map[values.Identity]values.FunctionBundle
	session     map[values.Identity]values.FunctionBundle
	diff        *entities.BundleDiff
	pending     *values.Fingerprint
	fingerprint *values.Fingerprint
	catalog     *entities.RuntimeCatalog
}

// New creates a runtime and applies cfg.
func New(cfg config.Overlay, opts ...Option) *Runtime {
	r := &Runtime{
		logger:  slog.Default(),
		now:     time.Now,
		phase:   PhaseDisabled,
		bundles: make(map[values.Identity]values.FunctionBundle),
		session: make(map[values.Identity]values.FunctionBundle),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newScanner == nil {
		r.newScanner = defaultScannerFactory(r.logger)
	}
	if r.newStore == nil {
		r.newStore = defaultStoreFactory(r.logger)
	}
	r.Configure(cfg)
	return r
}

// Configure applies cfg. Disabling clears all derived state; enabling moves
// to idle until the next bind. Withdrawing session consent drops every
// session approval.
func (r *Runtime) Configure(cfg config.Overlay) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg = cfg
	if !cfg.Enabled {
		r.disableLocked()
		return
	}
	r.phase = PhaseIdle
	if !cfg.AllowSessionApprovals {
		clear(r.session)
	}
	r.refreshCatalogLocked()
}

// BindToDatabase fingerprints the source at path, loads its allowlist and
// scans it through factory. Failures leave the runtime disabled and return
// the cause; a fingerprint mismatch is not an error.
func (r *Runtime) BindToDatabase(ctx context.Context, path string, factory ports.QueryFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sourcePath = path
	r.factory = factory
	return r.bindLocked(ctx)
}

// Refresh re-binds with the last path and factory. It does nothing while
// disabled by configuration, before the first bind, or while a fingerprint
// confirmation is pending.
func (r *Runtime) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.refreshLocked(ctx)
}

// AcceptFingerprint trusts the changed source: the pending fingerprint is
// persisted and the source re-scanned. It does nothing unless a fingerprint
// is pending.
func (r *Runtime) AcceptFingerprint(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store == nil || r.document == nil || r.pending == nil {
		return nil
	}
	accepted := *r.pending
	r.document.Fingerprint = &accepted
	r.write(entities.AuditFingerprintUpdate, "", map[string]any{"hash": accepted.Hash().String()})
	r.pending = nil
	return r.refreshLocked(ctx)
}

// ApproveBundle trusts the bundle with identity id from the current scan.
// Persisted approvals are written to the allowlist; session approvals live
// in memory until the next successful scan and require configuration
// consent.
func (r *Runtime) ApproveBundle(id values.Identity, persist bool, user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bundle, ok := r.bundles[id]
	if !ok {
		return &entities.NotDiscoveredError{Identity: id}
	}

	if persist {
		// A successful bind sets the store before any bundle is discovered;
		// this holds only if that ordering is ever broken.
		if r.store == nil || r.document == nil {
			return entities.ErrStoreUnavailable
		}
		trace := map[string]any{"approved_at": r.now().UTC().Format(time.RFC3339)}
		if user != "" {
			trace["approved_by"] = user
		}
		r.document.MergeEntry(entities.NewEntryFromBundle(bundle, true, trace))
		r.write(entities.AuditApprove, user, map[string]any{
			"id_function": id.FunctionID,
			"id_variant":  id.VariantID,
		})
		if r.diff != nil {
			r.diff.Forget(id)
		}
	} else {
		if !r.cfg.AllowSessionApprovals {
			return entities.ErrSessionApprovalsDisabled
		}
		r.session[id] = bundle
	}

	r.refreshCatalogLocked()
	return nil
}

// DeactivateBundle withdraws trust from id. Deactivating a persisted
// approval without a store does nothing.
func (r *Runtime) DeactivateBundle(id values.Identity, persist bool, user string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if persist {
		if r.store == nil || r.document == nil {
			return
		}
		if r.document.Deactivate(id) {
			r.write(entities.AuditDeactivate, user, map[string]any{"identity": id.String()})
		}
	} else {
		delete(r.session, id)
	}
	r.refreshCatalogLocked()
}

// State returns a snapshot of the current state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return State{
		Phase:              r.phase,
		Ready:              r.phase == PhaseReady,
		FingerprintPending: r.phase == PhaseAwaitingFingerprint,
		Diff:               r.diff.Clone(),
	}
}

// PendingFingerprint returns the stored and live fingerprints while a
// confirmation is pending, and nil otherwise.
func (r *Runtime) PendingFingerprint() (stored, current *values.Fingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return nil, nil
	}
	live := *r.pending
	if r.document != nil && r.document.Fingerprint != nil {
		prev := *r.document.Fingerprint
		stored = &prev
	}
	return stored, &live
}

// RuntimeSchema returns the schema of trusted capabilities.
func (r *Runtime) RuntimeSchema() entities.Schema {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.catalog.Schema()
}

// MacroMap returns the trusted capabilities keyed by identity.
func (r *Runtime) MacroMap() map[values.Identity]entities.MacroDef {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.catalog.MacroMap()
}

// Catalog returns the current trusted catalog, or nil when nothing is
// trusted.
func (r *Runtime) Catalog() *entities.RuntimeCatalog {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.catalog
}

// Bundles returns the bundles of the latest scan in identity order.
func (r *Runtime) Bundles() []values.FunctionBundle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := slices.Collect(maps.Values(r.bundles))
	values.SortBundles(out)
	return out
}

// Entries returns the allowlist entries in identity order.
func (r *Runtime) Entries() []entities.AllowlistEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.document == nil {
		return nil
	}
	return r.document.SortedEntries()
}

// Fingerprint returns the fingerprint of the last trusted bind.
func (r *Runtime) Fingerprint() *values.Fingerprint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fingerprint == nil {
		return nil
	}
	fp := *r.fingerprint
	return &fp
}

// StorePath returns the allowlist document path, or "" before a bind.
func (r *Runtime) StorePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store == nil {
		return ""
	}
	return r.store.Path()
}

func (r *Runtime) refreshLocked(ctx context.Context) error {
	if !r.cfg.Enabled || r.sourcePath == "" || r.factory == nil || r.pending != nil {
		return nil
	}
	return r.bindLocked(ctx)
}

func (r *Runtime) bindLocked(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.disableLocked()
		return nil
	}

	fingerprint, err := values.ComputeFingerprint(r.sourcePath)
	if err != nil {
		r.logger.Warn("overlay source unavailable, disabling", "path", r.sourcePath, "error", err)
		r.disableLocked()
		return err
	}

	dir, err := filepath.Abs(filepath.Dir(r.sourcePath))
	if err != nil {
		r.disableLocked()
		return fmt.Errorf("resolve source directory: %w", err)
	}
	store, err := r.newStore(dir, r.cfg.DocumentName)
	if err != nil {
		r.logger.Error("failed to open allowlist store, disabling", "dir", dir, "error", err)
		r.disableLocked()
		return err
	}
	document, err := store.Load()
	if err != nil {
		r.logger.Error("failed to load allowlist, disabling", "path", store.Path(), "error", err)
		r.disableLocked()
		return err
	}

	switch {
	case document.Fingerprint == nil:
		document.Fingerprint = &fingerprint
		if err := store.Write(document, entities.AuditInit, "", map[string]any{"reason": "init"}); err != nil {
			r.logger.Error("failed to persist initial allowlist", "path", store.Path(), "error", err)
		}
	case !document.Fingerprint.SameVersion(fingerprint):
		r.logger.Warn("overlay source fingerprint mismatch",
			"stored", document.Fingerprint.Hash().String(),
			"current", fingerprint.Hash().String())
		r.pending = &fingerprint
		r.store = store
		r.document = document
		r.phase = PhaseAwaitingFingerprint
		r.diff = nil
		clear(r.bundles)
		r.refreshCatalogLocked()
		return nil
	}

	r.fingerprint = &fingerprint
	r.pending = nil
	r.store = store
	r.document = document

	query, err := r.factory(ctx)
	if err != nil {
		r.logger.Error("failed to create query capability, disabling", "error", err)
		r.disableLocked()
		return fmt.Errorf("query capability: %w", err)
	}
	discovered, err := r.newScanner(query).Scan(ctx)
	if err != nil {
		r.logger.Error("overlay scan failed, disabling", "path", r.sourcePath, "error", err)
		r.disableLocked()
		return err
	}

	r.bundles = make(map[values.Identity]values.FunctionBundle, len(discovered))
	for _, b := range discovered {
		r.bundles[b.Identity()] = b
	}
	r.session = make(map[values.Identity]values.FunctionBundle)
	r.diff = services.Diff(discovered, document)
	r.phase = PhaseReady
	r.refreshCatalogLocked()

	r.logger.Info("overlay bound",
		"path", r.sourcePath,
		"bundles", len(r.bundles),
		"added", len(r.diff.Added),
		"changed", len(r.diff.Changed),
		"removed", len(r.diff.Removed))
	return nil
}

func (r *Runtime) disableLocked() {
	r.phase = PhaseDisabled
	r.store = nil
	r.document = nil
	r.bundles = make(map[values.Identity]values.FunctionBundle)
	r.session = make(map[values.Identity]values.FunctionBundle)
	r.diff = nil
	r.pending = nil
	r.fingerprint = nil
	r.catalog = nil
}

// refreshCatalogLocked derives the trusted catalog. An active entry counts
// only while its signature hash equals the live bundle's.
func (r *Runtime) refreshCatalogLocked() {
	if r.document == nil || len(r.bundles) == 0 {
		r.catalog = nil
		return
	}

	active := make(map[values.Identity]values.FunctionBundle)
	for id, entry := range r.document.ActiveEntries() {
		bundle, ok := r.bundles[id]
		if !ok || entry.SignatureHash != bundle.SignatureHash() {
			continue
		}
		active[id] = bundle
	}
	if r.cfg.AllowSessionApprovals {
		maps.Copy(active, r.session)
	}
	r.catalog = entities.NewRuntimeCatalog(active)
}

// write persists the document. Failures are logged; the triggering
// operation still completes.
func (r *Runtime) write(action entities.AuditAction, user string, details map[string]any) {
	if err := r.store.Write(r.document, action, user, details); err != nil {
		r.logger.Error("failed to persist allowlist", "action", action, "path", r.store.Path(), "error", err)
	}
}
