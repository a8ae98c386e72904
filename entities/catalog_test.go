package entities_test

import (
	"testing"

	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/values"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSchema(t *testing.T) {
	t.Parallel()

	t.Run("skips bundles without parameters", func(t *testing.T) {
		schema := entities.BuildSchema([]values.FunctionBundle{bundle(1, 1, "EMPTY")})
		assert.Empty(t, schema)
	})

	t.Run("suffixes conflicting names", func(t *testing.T) {
		schema := entities.BuildSchema([]values.FunctionBundle{
			bundle(1, 2, "MEASURE", floatParam(1, "B", "0")),
			bundle(1, 1, "MEASURE", floatParam(1, "A", "0")),
		})
		require.Len(t, schema, 2)
		assert.Contains(t, schema["MEASURE"], "A")
		assert.Contains(t, schema["MEASURE#2"], "B")
	})

	t.Run("identical fragments share a name", func(t *testing.T) {
		schema := entities.BuildSchema([]values.FunctionBundle{
			bundle(1, 1, "MEASURE", floatParam(1, "A", "0")),
			bundle(1, 2, "MEASURE", floatParam(1, "A", "0")),
		})
		assert.Len(t, schema, 1)
	})

	t.Run("unnamed function", func(t *testing.T) {
		schema := entities.BuildSchema([]values.FunctionBundle{
			values.NewFunctionBundle(7, 1, "", "", []values.ParameterSpec{floatParam(1, "A", "")}, nil),
		})
		assert.Contains(t, schema, "Function_7")
	})
}

func TestRuntimeCatalog(t *testing.T) {
	t.Parallel()

	b := bundle(42, 99, "DB_MACRO", floatParam(1, "Value", "0"))
	catalog := entities.NewRuntimeCatalog(map[values.Identity]values.FunctionBundle{b.Identity(): b})

	assert.True(t, catalog.Contains(b.Identity()))
	assert.Equal(t, []string{"DB_MACRO"}, catalog.MacroNames())

	macros := catalog.MacroMap()
	require.Contains(t, macros, b.Identity())
	def := macros[b.Identity()]
	assert.Equal(t, 42, def.FunctionID)
	assert.Equal(t, "DB_MACRO", def.Name)
	require.Len(t, def.Params, 1)
	assert.Equal(t, entities.MacroParam{Name: "Value", Type: "FLOAT", Default: "0"}, def.Params[0])

	schema := catalog.Schema()
	delete(schema, "DB_MACRO")
	assert.Contains(t, catalog.Schema(), "DB_MACRO", "Schema must return a copy")

	var none *entities.RuntimeCatalog
	assert.Empty(t, none.Schema())
	assert.Empty(t, none.MacroMap())
	assert.False(t, none.Contains(b.Identity()))
}

func TestBundleDiff(t *testing.T) {
	t.Parallel()

	d := entities.NewBundleDiff()
	assert.True(t, d.IsEmpty())

	b := bundle(1, 1, "A", floatParam(1, "X", "0"))
	d.Added[b.Identity()] = b
	c := bundle(2, 1, "B", floatParam(1, "X", "0"))
	d.Changed[c.Identity()] = entities.BundleChange{Discovered: c, Kind: entities.ChangeSoft}
	assert.False(t, d.IsEmpty())
	assert.Equal(t, []values.Identity{b.Identity(), c.Identity()}, d.PendingIdentities())

	clone := d.Clone()
	d.Forget(b.Identity())
	d.Forget(c.Identity())
	assert.True(t, d.IsEmpty())
	assert.Len(t, clone.Added, 1)
	assert.Len(t, clone.Changed, 1)
}
