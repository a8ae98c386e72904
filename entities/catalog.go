package entities

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/reglet-dev/macro-overlay/values"
)

// Fragment maps parameter names to schema entries for one macro.
type Fragment map[string]values.ParamSchema

// Schema maps macro names to their fragments.
type Schema map[string]Fragment

// MacroParam is the parameter view handed to macro consumers.
type MacroParam struct {
	Name    string
	Type    string
	Default string
	Min     string
	Max     string
}

// MacroDef is the capability view handed to macro consumers.
type MacroDef struct {
	Name        string
	VariantName string
	Params      []MacroParam
	FunctionID  int
}

// RuntimeCatalog is the read-only snapshot of trusted capabilities.
// It is replaced wholesale on every refresh and never mutated in place.
type RuntimeCatalog struct {
	schema  Schema
	bundles map[values.Identity]values.FunctionBundle
}

// NewRuntimeCatalog builds a catalog and its schema from active bundles.
func NewRuntimeCatalog(bundles map[values.Identity]values.FunctionBundle) *RuntimeCatalog {
	active := maps.Clone(bundles)
	if active == nil {
		active = make(map[values.Identity]values.FunctionBundle)
	}
	return &RuntimeCatalog{
		schema:  BuildSchema(slices.Collect(maps.Values(active))),
		bundles: active,
	}
}

// BuildSchema merges bundle fragments into one schema. Bundles are visited in
// identity order; a name already holding a different fragment is suffixed
// "#2", "#3", ... Bundles without parameters contribute nothing.
func BuildSchema(bundles []values.FunctionBundle) Schema {
	ordered := slices.Clone(bundles)
	values.SortBundles(ordered)

	schema := make(Schema)
	for _, bundle := range ordered {
		fragment := Fragment(bundle.SchemaFragment())
		if len(fragment) == 0 {
			continue
		}
		key := bundle.SchemaName()
		unique := key
		for counter := 1; ; {
			existing, taken := schema[unique]
			if !taken || reflect.DeepEqual(existing, fragment) {
				break
			}
			counter++
			unique = fmt.Sprintf("%s#%d", key, counter)
		}
		schema[unique] = fragment
	}
	return schema
}

// Schema returns a copy of the catalog schema.
func (c *RuntimeCatalog) Schema() Schema {
	if c == nil {
		return Schema{}
	}
	out := make(Schema, len(c.schema))
	for name, fragment := range c.schema {
		out[name] = maps.Clone(fragment)
	}
	return out
}

// Bundles returns the trusted bundles keyed by identity.
func (c *RuntimeCatalog) Bundles() map[values.Identity]values.FunctionBundle {
	if c == nil {
		return map[values.Identity]values.FunctionBundle{}
	}
	return maps.Clone(c.bundles)
}

// Contains reports whether an identity is trusted.
func (c *RuntimeCatalog) Contains(id values.Identity) bool {
	if c == nil {
		return false
	}
	_, ok := c.bundles[id]
	return ok
}

// MacroNames returns the schema keys in sorted order.
func (c *RuntimeCatalog) MacroNames() []string {
	if c == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.schema))
}

// MacroMap returns one MacroDef per trusted identity.
func (c *RuntimeCatalog) MacroMap() map[values.Identity]MacroDef {
	out := make(map[values.Identity]MacroDef)
	if c == nil {
		return out
	}
	for id, bundle := range c.bundles {
		specs := bundle.Params()
		params := make([]MacroParam, 0, len(specs))
		for _, spec := range specs {
			params = append(params, MacroParam{
				Name:    spec.Name,
				Type:    spec.Type,
				Default: spec.Default,
				Min:     spec.Min,
				Max:     spec.Max,
			})
		}
		out[id] = MacroDef{
			FunctionID:  bundle.FunctionID(),
			Name:        bundle.FunctionName(),
			VariantName: bundle.VariantName(),
			Params:      params,
		}
	}
	return out
}
