package allowliststore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/values"
)

// documentFile is the on-disk representation of an allowlist document.
type documentFile struct {
	Version     int                `yaml:"version" json:"version"`
	Fingerprint *fingerprintRecord `yaml:"fingerprint" json:"fingerprint"`
	Bundles     []bundleRecord     `yaml:"bundles" json:"bundles"`
	Audit       []map[string]any   `yaml:"audit" json:"audit"`
}

type fingerprintRecord struct {
	Path  string  `yaml:"path" json:"path"`
	Hash  string  `yaml:"hash" json:"hash"`
	Size  int64   `yaml:"size" json:"size"`
	MTime float64 `yaml:"mtime" json:"mtime"`
}

// bundleRecord is one persisted allowlist entry. Its JSON schema validates
// entries on load.
type bundleRecord struct {
	Trace         map[string]any `yaml:"trace" json:"trace,omitempty"`
	FunctionName  string         `yaml:"function_name" json:"function_name"`
	VariantName   string         `yaml:"variant_name" json:"variant_name"`
	SignatureHash string         `yaml:"signature_hash" json:"signature_hash"`
	StructureHash string         `yaml:"structure_hash" json:"structure_hash"`
	Params        []paramRecord  `yaml:"params" json:"params"`
	FunctionID    int            `yaml:"id_function" json:"id_function" jsonschema:"required"`
	VariantID     int            `yaml:"id_variant" json:"id_variant" jsonschema:"required"`
	Active        bool           `yaml:"active" json:"active"`
}

type paramRecord struct {
	UnitID             *int       `yaml:"unit_id,omitempty" json:"unit_id,omitempty"`
	ParameterClassID   *int       `yaml:"parameter_class_id,omitempty" json:"parameter_class_id,omitempty"`
	Name               string     `yaml:"name" json:"name"`
	Type               string     `yaml:"type" json:"type"`
	InOut              string     `yaml:"inout" json:"inout"`
	Default            flexString `yaml:"default,omitempty" json:"default,omitempty"`
	Min                flexString `yaml:"min,omitempty" json:"min,omitempty"`
	Max                flexString `yaml:"max,omitempty" json:"max,omitempty"`
	Unit               string     `yaml:"unit,omitempty" json:"unit,omitempty"`
	ParameterClassName string     `yaml:"parameter_class_name,omitempty" json:"parameter_class_name,omitempty"`
	EnumDomain         []string   `yaml:"enum_domain" json:"enum_domain"`
	Position           int        `yaml:"position" json:"position" jsonschema:"required"`
	Optional           bool       `yaml:"optional" json:"optional"`
}

// flexString accepts scalar defaults and limits written either quoted or as
// bare numbers/booleans by hand-edited documents.
type flexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
	case len(data) > 0 && (data[0] == '{' || data[0] == '['):
		return fmt.Errorf("expected scalar, got %s", data)
	default:
		*f = flexString(data)
	}
	return nil
}

// JSONSchema implements jsonschema.JSONSchemer.
func (flexString) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		AnyOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "number"},
			{Type: "boolean"},
		},
	}
}

func fromEntry(e entities.AllowlistEntry) bundleRecord {
	params := make([]paramRecord, 0, len(e.Params))
	for _, p := range e.Params {
		enum := p.EnumDomain
		if enum == nil {
			enum = []string{}
		}
		params = append(params, paramRecord{
			Position:           p.Position,
			Name:               p.Name,
			Type:               p.Type,
			InOut:              p.InOut,
			Optional:           p.Optional,
			Default:            flexString(p.Default),
			Min:                flexString(p.Min),
			Max:                flexString(p.Max),
			Unit:               p.Unit,
			UnitID:             p.UnitID,
			EnumDomain:         enum,
			ParameterClassID:   p.ParameterClassID,
			ParameterClassName: p.ParameterClassName,
		})
	}
	return bundleRecord{
		FunctionID:    e.Identity.FunctionID,
		VariantID:     e.Identity.VariantID,
		FunctionName:  e.FunctionName,
		VariantName:   e.VariantName,
		Params:        params,
		SignatureHash: e.SignatureHash,
		StructureHash: e.StructureHash,
		Active:        e.Active,
		Trace:         e.Trace,
	}
}

func (r bundleRecord) toEntry() entities.AllowlistEntry {
	params := make([]entities.ParamRecord, 0, len(r.Params))
	for _, p := range r.Params {
		params = append(params, entities.ParamRecord{
			Position:           p.Position,
			Name:               p.Name,
			Type:               p.Type,
			InOut:              p.InOut,
			Optional:           p.Optional,
			Default:            string(p.Default),
			Min:                string(p.Min),
			Max:                string(p.Max),
			Unit:               p.Unit,
			UnitID:             p.UnitID,
			EnumDomain:         p.EnumDomain,
			ParameterClassID:   p.ParameterClassID,
			ParameterClassName: p.ParameterClassName,
		})
	}
	trace := r.Trace
	if trace == nil {
		trace = map[string]any{}
	}
	return entities.AllowlistEntry{
		Identity:      values.NewIdentity(r.FunctionID, r.VariantID),
		FunctionName:  r.FunctionName,
		VariantName:   r.VariantName,
		Params:        params,
		SignatureHash: r.SignatureHash,
		StructureHash: r.StructureHash,
		Active:        r.Active,
		Trace:         trace,
	}
}

func fromFingerprint(fp *values.Fingerprint) *fingerprintRecord {
	if fp == nil {
		return nil
	}
	return &fingerprintRecord{
		Path:  fp.Path(),
		Size:  fp.Size(),
		MTime: fp.ModTimeSeconds(),
		Hash:  fp.Hash().String(),
	}
}

func (r fingerprintRecord) toFingerprint() (values.Fingerprint, error) {
	digest, err := values.ParseDigest(r.Hash)
	if err != nil {
		return values.Fingerprint{}, err
	}
	return values.NewFingerprint(r.Path, r.Size, r.MTime, digest)
}

// Reserved audit keys; everything else in a record is a detail.
const (
	auditKeyID        = "id"
	auditKeyTimestamp = "timestamp"
	auditKeyAction    = "action"
	auditKeyUser      = "user"
)

func fromAudit(rec entities.AuditRecord) map[string]any {
	out := make(map[string]any, len(rec.Details)+4)
	maps.Copy(out, rec.Details)
	if rec.ID != "" {
		out[auditKeyID] = rec.ID
	}
	out[auditKeyTimestamp] = rec.Timestamp.UTC().Format(time.RFC3339Nano)
	out[auditKeyAction] = string(rec.Action)
	if rec.User != "" {
		out[auditKeyUser] = rec.User
	} else {
		delete(out, auditKeyUser)
	}
	return out
}

func toAudit(raw map[string]any) entities.AuditRecord {
	rec := entities.AuditRecord{Details: map[string]any{}}
	for k, v := range raw {
		switch k {
		case auditKeyID:
			rec.ID = fmt.Sprint(v)
		case auditKeyAction:
			rec.Action = entities.AuditAction(fmt.Sprint(v))
		case auditKeyUser:
			rec.User = fmt.Sprint(v)
		case auditKeyTimestamp:
			rec.Timestamp = parseTimestamp(v)
		default:
			rec.Details[k] = v
		}
	}
	return rec
}

func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

// auditKey identifies a record when merging logs. Records written before ids
// were assigned fall back to their visible fields.
func auditKey(rec entities.AuditRecord) string {
	if rec.ID != "" {
		return rec.ID
	}
	return rec.Timestamp.Format(time.RFC3339Nano) + "|" + string(rec.Action) + "|" + rec.User
}

// mergeAudit returns the on-disk log followed by any in-memory records the
// disk does not know about. Neither input is modified.
func mergeAudit(onDisk, inMemory []entities.AuditRecord) []entities.AuditRecord {
	out := make([]entities.AuditRecord, 0, len(onDisk)+len(inMemory)+1)
	seen := make(map[string]bool, len(onDisk))
	for _, rec := range onDisk {
		seen[auditKey(rec)] = true
		out = append(out, rec)
	}
	for _, rec := range inMemory {
		if !seen[auditKey(rec)] {
			out = append(out, rec)
		}
	}
	return out
}
