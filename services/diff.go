// Package services holds pure domain logic over the overlay entities.
package services

import (
	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/values"
)

// Diff compares discovered bundles against the persisted document.
// It performs no I/O and never mutates its inputs.
//
//   - added: discovered identities with no document entry
//   - removed: active entries whose identity was not discovered
//   - changed: identities in both whose signature hashes differ, soft when the
//     structure hash is unchanged and hard otherwise
func Diff(discovered []values.FunctionBundle, document *entities.AllowlistDocument) *entities.BundleDiff {
	diff := entities.NewBundleDiff()

	found := make(map[values.Identity]values.FunctionBundle, len(discovered))
	for _, b := range discovered {
		found[b.Identity()] = b
	}

	var entries map[values.Identity]entities.AllowlistEntry
	if document != nil {
		entries = document.Entries
	}

	for id, b := range found {
		if _, ok := entries[id]; !ok {
			diff.Added[id] = b
		}
	}

	for id, entry := range entries {
		b, ok := found[id]
		if !ok {
			if entry.Active {
				diff.Removed[id] = entry
			}
			continue
		}
		if entry.SignatureHash == b.SignatureHash() {
			continue
		}
		diff.Changed[id] = entities.BundleChange{
			Current:    entry,
			Discovered: b,
			Kind:       classify(entry, b),
		}
	}

	return diff
}

func classify(entry entities.AllowlistEntry, b values.FunctionBundle) entities.ChangeKind {
	if entry.StructureHash == b.StructureHash() {
		return entities.ChangeSoft
	}
	return entities.ChangeHard
}
