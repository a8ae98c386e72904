package entities

import (
	"maps"
	"slices"
	"time"

	"github.com/reglet-dev/macro-overlay/values"
)

// DocumentVersion is the format version written by this package.
const DocumentVersion = 1

// AuditAction names an audited change to the allowlist document.
type AuditAction string

const (
	AuditInit              AuditAction = "init"
	AuditFingerprintUpdate AuditAction = "fingerprint_update"
	AuditApprove           AuditAction = "approve"
	AuditDeactivate        AuditAction = "deactivate"
	AuditImport            AuditAction = "import"
)

// AuditRecord is one append-only entry of the document's audit log.
type AuditRecord struct {
	Timestamp time.Time
	Details   map[string]any
	ID        string
	Action    AuditAction
	User      string
}

// ParamRecord is the persisted form of a ParameterSpec.
type ParamRecord struct {
	UnitID             *int
	ParameterClassID   *int
	Name               string
	Type               string
	InOut              string
	Default            string
	Min                string
	Max                string
	Unit               string
	ParameterClassName string
	EnumDomain         []string
	Position           int
	Optional           bool
}

// AllowlistEntry is the persisted trust record for one capability identity.
// Entries are only created or updated through explicit approval.
type AllowlistEntry struct {
	Trace         map[string]any
	FunctionName  string
	VariantName   string
	SignatureHash string
	StructureHash string
	Params        []ParamRecord
	Identity      values.Identity
	Active        bool
}

// NewEntryFromBundle derives an entry from a discovered bundle.
// extraTrace is merged over the bundle's own trace.
func NewEntryFromBundle(bundle values.FunctionBundle, active bool, extraTrace map[string]any) AllowlistEntry {
	specs := bundle.Params()
	params := make([]ParamRecord, 0, len(specs))
	for _, spec := range specs {
		params = append(params, ParamRecord{
			Position:           spec.Position,
			Name:               spec.Name,
			Type:               spec.Type,
			InOut:              spec.InOut,
			Optional:           spec.Optional,
			Default:            spec.Default,
			Min:                spec.Min,
			Max:                spec.Max,
			Unit:               spec.UnitName,
			UnitID:             spec.UnitID,
			EnumDomain:         spec.EnumDomain,
			ParameterClassID:   spec.ParameterClassID,
			ParameterClassName: spec.ParameterClassName,
		})
	}

	trace := bundle.Trace()
	if trace == nil && len(extraTrace) > 0 {
		trace = make(map[string]any, len(extraTrace))
	}
	maps.Copy(trace, extraTrace)

	return AllowlistEntry{
		Identity:      bundle.Identity(),
		FunctionName:  bundle.FunctionName(),
		VariantName:   bundle.VariantName(),
		Params:        params,
		SignatureHash: bundle.SignatureHash(),
		StructureHash: bundle.StructureHash(),
		Active:        active,
		Trace:         trace,
	}
}

// AllowlistDocument is an aggregate root for the trust store of one source.
//
// Invariants:
// - At most one entry per identity (last write wins on merge)
// - The audit log is append-only
type AllowlistDocument struct {
	Fingerprint *values.Fingerprint
	Entries     map[values.Identity]AllowlistEntry
	Audit       []AuditRecord
	Version     int
}

// NewAllowlistDocument creates an empty document with the current version.
func NewAllowlistDocument() *AllowlistDocument {
	return &AllowlistDocument{
		Version: DocumentVersion,
		Entries: make(map[values.Identity]AllowlistEntry),
	}
}

// Entry retrieves an entry by identity.
func (d *AllowlistDocument) Entry(id values.Identity) (AllowlistEntry, bool) {
	e, ok := d.Entries[id]
	return e, ok
}

// ActiveEntries returns only entries whose active flag is set.
func (d *AllowlistDocument) ActiveEntries() map[values.Identity]AllowlistEntry {
	active := make(map[values.Identity]AllowlistEntry)
	for id, e := range d.Entries {
		if e.Active {
			active[id] = e
		}
	}
	return active
}

// MergeEntry inserts or replaces the entry with the same identity.
func (d *AllowlistDocument) MergeEntry(entry AllowlistEntry) {
	if d.Entries == nil {
		d.Entries = make(map[values.Identity]AllowlistEntry)
	}
	d.Entries[entry.Identity] = entry
}

// Deactivate clears the active flag of an entry.
// Returns false if no entry exists for the identity.
func (d *AllowlistDocument) Deactivate(id values.Identity) bool {
	e, ok := d.Entries[id]
	if !ok {
		return false
	}
	e.Active = false
	d.Entries[id] = e
	return true
}

// SortedEntries returns entries ordered by identity.
func (d *AllowlistDocument) SortedEntries() []AllowlistEntry {
	out := slices.Collect(maps.Values(d.Entries))
	slices.SortFunc(out, func(a, b AllowlistEntry) int {
		return a.Identity.Compare(b.Identity)
	})
	return out
}

// EntryCount returns the number of entries.
func (d *AllowlistDocument) EntryCount() int {
	return len(d.Entries)
}
