package values_test

import (
	"testing"

	"github.com/reglet-dev/macro-overlay/values"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func sampleParams() []values.ParameterSpec {
	return []values.ParameterSpec{
		{
			Position:           1,
			Name:               "Value",
			Type:               "FLOAT",
			InOut:              "Input",
			Default:            "0",
			Min:                "-1",
			Max:                "1",
			UnitID:             intPtr(3),
			UnitName:           "V",
			ParameterClassID:   intPtr(1),
			ParameterClassName: "FLOAT",
		},
		{
			Position:   2,
			Name:       "Mode",
			Type:       "ENUM",
			InOut:      "Input",
			Optional:   true,
			EnumDomain: []string{"FAST", "SLOW"},
		},
	}
}

func TestFunctionBundle_Hashes(t *testing.T) {
	t.Parallel()

	base := values.NewFunctionBundle(1, 1, "MEASURE", "MEASURE", sampleParams(), nil)
	require.Len(t, base.SignatureHash(), 64)
	require.Len(t, base.StructureHash(), 64)

	tests := []struct {
		name           string
		edit           func(p []values.ParameterSpec) []values.ParameterSpec
		structureMoves bool
	}{
		{"default edit", func(p []values.ParameterSpec) []values.ParameterSpec { p[0].Default = "0.5"; return p }, false},
		{"min edit", func(p []values.ParameterSpec) []values.ParameterSpec { p[0].Min = "-2"; return p }, false},
		{"max cleared", func(p []values.ParameterSpec) []values.ParameterSpec { p[0].Max = ""; return p }, false},
		{"rename", func(p []values.ParameterSpec) []values.ParameterSpec { p[0].Name = "Level"; return p }, true},
		{"retype", func(p []values.ParameterSpec) []values.ParameterSpec { p[0].Type = "INT"; return p }, true},
		{"direction", func(p []values.ParameterSpec) []values.ParameterSpec { p[0].InOut = "Output"; return p }, true},
		{"optional", func(p []values.ParameterSpec) []values.ParameterSpec { p[0].Optional = true; return p }, true},
		{"unit", func(p []values.ParameterSpec) []values.ParameterSpec { p[0].UnitName = "mV"; return p }, true},
		{"enum domain", func(p []values.ParameterSpec) []values.ParameterSpec {
			p[1].EnumDomain = []string{"FAST"}
			return p
		}, true},
		{"added param", func(p []values.ParameterSpec) []values.ParameterSpec {
			return append(p, values.ParameterSpec{Position: 3, Name: "Extra", Type: "STR", InOut: "Input"})
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edited := values.NewFunctionBundle(1, 1, "MEASURE", "MEASURE", tt.edit(sampleParams()), nil)
			assert.NotEqual(t, base.SignatureHash(), edited.SignatureHash(), "signature hash must change on any edit")
			if tt.structureMoves {
				assert.NotEqual(t, base.StructureHash(), edited.StructureHash())
			} else {
				assert.Equal(t, base.StructureHash(), edited.StructureHash())
			}
		})
	}
}

func TestFunctionBundle_HashIgnoresTraceAndIDs(t *testing.T) {
	t.Parallel()

	a := values.NewFunctionBundle(1, 1, "MEASURE", "MEASURE", sampleParams(), map[string]any{"tables": []string{"x"}})
	params := sampleParams()
	params[0].UnitID = intPtr(99)
	params[0].ParameterClassID = nil
	b := values.NewFunctionBundle(1, 1, "MEASURE", "MEASURE", params, nil)

	assert.Equal(t, a.SignatureHash(), b.SignatureHash())
	assert.Equal(t, a.StructureHash(), b.StructureHash())
}

func TestFunctionBundle_IdentityChangesHashes(t *testing.T) {
	t.Parallel()

	a := values.NewFunctionBundle(1, 1, "MEASURE", "MEASURE", sampleParams(), nil)
	b := values.NewFunctionBundle(1, 2, "MEASURE", "MEASURE", sampleParams(), nil)
	assert.NotEqual(t, a.StructureHash(), b.StructureHash())
	assert.Equal(t, values.NewIdentity(1, 2), b.Identity())
}

func TestFunctionBundle_IsImmutable(t *testing.T) {
	t.Parallel()

	params := sampleParams()
	b := values.NewFunctionBundle(1, 1, "MEASURE", "MEASURE", params, nil)
	sig := b.SignatureHash()

	params[0].Default = "99"
	got := b.Params()
	got[1].EnumDomain[0] = "MUTATED"

	assert.Equal(t, "0", b.Params()[0].Default)
	assert.Equal(t, "FAST", b.Params()[1].EnumDomain[0])
	assert.Equal(t, sig, b.SignatureHash())
}

func TestFunctionBundle_SchemaFragment(t *testing.T) {
	t.Parallel()

	b := values.NewFunctionBundle(1, 1, "MEASURE", "MEASURE", sampleParams(), nil)
	fragment := b.SchemaFragment()
	require.Len(t, fragment, 2)

	assert.Equal(t, values.ParamSchema{
		Type: "FLOAT", Default: "0", Min: "-1", Max: "1", Role: "input", Unit: "V",
	}, fragment["Value"])
	assert.Equal(t, []string{"FAST", "SLOW"}, fragment["Mode"].Choices)

	empty := values.NewFunctionBundle(2, 2, "", "", nil, nil)
	assert.Nil(t, empty.SchemaFragment())
	assert.Equal(t, "Function_2", empty.SchemaName())
}

func TestProjections_AreShared(t *testing.T) {
	t.Parallel()

	b := values.NewFunctionBundle(1, 1, "MEASURE", "MEASURE", sampleParams(), nil)

	full, err := values.CanonicalHash(values.FullProjection(b))
	require.NoError(t, err)
	structural, err := values.CanonicalHash(values.StructuralProjection(b))
	require.NoError(t, err)

	assert.Equal(t, b.SignatureHash(), full)
	assert.Equal(t, b.StructureHash(), structural)
}

func TestParseIdentity(t *testing.T) {
	t.Parallel()

	id, err := values.ParseIdentity("42:99")
	require.NoError(t, err)
	assert.Equal(t, values.NewIdentity(42, 99), id)
	assert.Equal(t, "42:99", id.String())

	for _, bad := range []string{"42", "a:1", "1:b", ""} {
		_, err := values.ParseIdentity(bad)
		assert.Error(t, err, bad)
	}
	assert.Negative(t, values.NewIdentity(1, 5).Compare(values.NewIdentity(2, 1)))
	assert.Positive(t, values.NewIdentity(1, 5).Compare(values.NewIdentity(1, 4)))
}
