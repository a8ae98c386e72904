package entities

import (
	"maps"
	"slices"

	"github.com/reglet-dev/macro-overlay/values"
)

// ChangeKind classifies a changed bundle.
type ChangeKind string

const (
	// ChangeSoft means only defaults or bounds moved; the shape is unchanged.
	ChangeSoft ChangeKind = "soft"
	// ChangeHard means the structure hash changed.
	ChangeHard ChangeKind = "hard"
)

// BundleChange pairs a persisted entry with the bundle now discovered for
// the same identity.
type BundleChange struct {
	Current    AllowlistEntry
	Discovered values.FunctionBundle
	Kind       ChangeKind
}

// BundleDiff compares discovery against the persisted document.
// It is recomputed on every bind and never persisted.
type BundleDiff struct {
	Added   map[values.Identity]values.FunctionBundle
	Removed map[values.Identity]AllowlistEntry
	Changed map[values.Identity]BundleChange
}

// NewBundleDiff creates an empty diff.
func NewBundleDiff() *BundleDiff {
	return &BundleDiff{
		Added:   make(map[values.Identity]values.FunctionBundle),
		Removed: make(map[values.Identity]AllowlistEntry),
		Changed: make(map[values.Identity]BundleChange),
	}
}

// IsEmpty reports whether nothing was added, removed or changed.
func (d *BundleDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Forget drops an identity from the added and changed sets, typically after
// it has been approved.
func (d *BundleDiff) Forget(id values.Identity) {
	delete(d.Added, id)
	delete(d.Changed, id)
}

// Clone returns a copy whose maps can be modified independently.
func (d *BundleDiff) Clone() *BundleDiff {
	if d == nil {
		return nil
	}
	return &BundleDiff{
		Added:   maps.Clone(d.Added),
		Removed: maps.Clone(d.Removed),
		Changed: maps.Clone(d.Changed),
	}
}

// PendingIdentities lists added and changed identities in identity order.
func (d *BundleDiff) PendingIdentities() []values.Identity {
	ids := make([]values.Identity, 0, len(d.Added)+len(d.Changed))
	for id := range d.Added {
		ids = append(ids, id)
	}
	for id := range d.Changed {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, values.Identity.Compare)
	return ids
}
