package values

import (
	"slices"
	"strings"
)

// ParamSchema is the per-parameter projection consumed by the editing application.
type ParamSchema struct {
	Type    string   `json:"type" yaml:"type"`
	Default string   `json:"default,omitempty" yaml:"default,omitempty"`
	Min     string   `json:"min,omitempty" yaml:"min,omitempty"`
	Max     string   `json:"max,omitempty" yaml:"max,omitempty"`
	Choices []string `json:"choices,omitempty" yaml:"choices,omitempty"`
	Role    string   `json:"role,omitempty" yaml:"role,omitempty"`
	Unit    string   `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// ParameterSpec is one formal parameter of a capability variant.
// Empty strings mean "not set" for Default, Min, Max and the unit/class names.
type ParameterSpec struct {
	UnitID             *int
	ParameterClassID   *int
	Name               string
	Type               string
	InOut              string
	Default            string
	Min                string
	Max                string
	UnitName           string
	ParameterClassName string
	EnumDomain         []string
	Position           int
	Optional           bool
}

// SchemaEntry projects the parameter into its schema form.
func (p ParameterSpec) SchemaEntry() ParamSchema {
	entry := ParamSchema{
		Type:    p.Type,
		Default: p.Default,
		Min:     p.Min,
		Max:     p.Max,
		Role:    strings.ToLower(p.InOut),
		Unit:    p.UnitName,
	}
	if len(p.EnumDomain) > 0 {
		entry.Choices = slices.Clone(p.EnumDomain)
	}
	return entry
}

func (p ParameterSpec) clone() ParameterSpec {
	c := p
	c.EnumDomain = slices.Clone(p.EnumDomain)
	if p.UnitID != nil {
		id := *p.UnitID
		c.UnitID = &id
	}
	if p.ParameterClassID != nil {
		id := *p.ParameterClassID
		c.ParameterClassID = &id
	}
	return c
}

// structuralParam covers only the shape-defining fields of a parameter.
func structuralParam(p ParameterSpec) map[string]any {
	enum := p.EnumDomain
	if enum == nil {
		enum = []string{}
	}
	return map[string]any{
		"position": p.Position,
		"name":     p.Name,
		"type":     p.Type,
		"inout":    p.InOut,
		"optional": p.Optional,
		"unit":     nullable(p.UnitName),
		"enum":     enum,
	}
}

// fullParam extends structuralParam with the tunable fields.
func fullParam(p ParameterSpec) map[string]any {
	payload := structuralParam(p)
	payload["default"] = nullable(p.Default)
	payload["min"] = nullable(p.Min)
	payload["max"] = nullable(p.Max)
	return payload
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
