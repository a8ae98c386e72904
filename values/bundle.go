package values

import (
	"fmt"
	"maps"
	"slices"
)

// FunctionBundle is one discovered capability: a function/variant pair with
// its ordered parameters. Hashes are computed once at construction.
//
// Invariants:
// - structure hash depends only on StructuralProjection
// - signature hash depends on FullProjection, so any edit changes it
type FunctionBundle struct {
	trace         map[string]any
	functionName  string
	variantName   string
	signatureHash string
	structureHash string
	params        []ParameterSpec
	identity      Identity
}

// NewFunctionBundle creates a bundle and computes both hashes.
func NewFunctionBundle(
	functionID, variantID int,
	functionName, variantName string,
	params []ParameterSpec,
	trace map[string]any,
) FunctionBundle {
	b := FunctionBundle{
		identity:     NewIdentity(functionID, variantID),
		functionName: functionName,
		variantName:  variantName,
		params:       make([]ParameterSpec, 0, len(params)),
		trace:        maps.Clone(trace),
	}
	for _, p := range params {
		b.params = append(b.params, p.clone())
	}
	b.signatureHash = projectionHash(FullProjection(b))
	b.structureHash = projectionHash(StructuralProjection(b))
	return b
}

// StructuralProjection returns the shape-defining view of a bundle:
// identity, names and per-parameter position, name, type, direction,
// optionality, unit and enum domain.
func StructuralProjection(b FunctionBundle) map[string]any {
	return bundleProjection(b, structuralParam)
}

// FullProjection returns every hashed field of a bundle, including defaults
// and bounds.
func FullProjection(b FunctionBundle) map[string]any {
	return bundleProjection(b, fullParam)
}

func bundleProjection(b FunctionBundle, param func(ParameterSpec) map[string]any) map[string]any {
	params := make([]map[string]any, 0, len(b.params))
	for _, p := range b.params {
		params = append(params, param(p))
	}
	return map[string]any{
		"id_function":   b.identity.FunctionID,
		"id_variant":    b.identity.VariantID,
		"function_name": b.functionName,
		"variant_name":  b.variantName,
		"params":        params,
	}
}

// Identity returns the (function, variant) slot of the bundle.
func (b FunctionBundle) Identity() Identity { return b.identity }

// FunctionID returns the function id.
func (b FunctionBundle) FunctionID() int { return b.identity.FunctionID }

// VariantID returns the variant id.
func (b FunctionBundle) VariantID() int { return b.identity.VariantID }

// FunctionName returns the human-readable function name.
func (b FunctionBundle) FunctionName() string { return b.functionName }

// VariantName returns the human-readable variant name.
func (b FunctionBundle) VariantName() string { return b.variantName }

// Params returns a copy of the ordered parameters.
func (b FunctionBundle) Params() []ParameterSpec {
	out := make([]ParameterSpec, 0, len(b.params))
	for _, p := range b.params {
		out = append(out, p.clone())
	}
	return out
}

// ParamCount returns the number of parameters.
func (b FunctionBundle) ParamCount() int { return len(b.params) }

// Trace returns a copy of the discovery trace metadata.
func (b FunctionBundle) Trace() map[string]any { return maps.Clone(b.trace) }

// SignatureHash covers every field, including defaults and bounds.
func (b FunctionBundle) SignatureHash() string { return b.signatureHash }

// StructureHash covers only shape-defining fields.
func (b FunctionBundle) StructureHash() string { return b.structureHash }

// SchemaName is the catalog key for the bundle.
func (b FunctionBundle) SchemaName() string {
	if b.functionName != "" {
		return b.functionName
	}
	return fmt.Sprintf("Function_%d", b.identity.FunctionID)
}

// SchemaFragment maps parameter names to their schema entries.
// Bundles without parameters have no fragment and return nil.
func (b FunctionBundle) SchemaFragment() map[string]ParamSchema {
	if len(b.params) == 0 {
		return nil
	}
	fragment := make(map[string]ParamSchema, len(b.params))
	for _, p := range b.params {
		fragment[p.Name] = p.SchemaEntry()
	}
	return fragment
}

// SortBundles orders bundles by identity in place.
func SortBundles(bundles []FunctionBundle) {
	slices.SortFunc(bundles, func(a, b FunctionBundle) int {
		return a.identity.Compare(b.identity)
	})
}
