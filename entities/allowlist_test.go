package entities_test

import (
	"errors"
	"testing"

	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/values"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bundle(fid, vid int, name string, params ...values.ParameterSpec) values.FunctionBundle {
	return values.NewFunctionBundle(fid, vid, name, name, params, map[string]any{"tables": []string{"tabFunction"}})
}

func floatParam(pos int, name, def string) values.ParameterSpec {
	return values.ParameterSpec{Position: pos, Name: name, Type: "FLOAT", InOut: "input", Default: def}
}

func TestNewEntryFromBundle(t *testing.T) {
	t.Parallel()

	b := bundle(42, 99, "DB_MACRO", floatParam(1, "Value", "0"))
	entry := entities.NewEntryFromBundle(b, true, map[string]any{"approved_by": "alice"})

	assert.Equal(t, b.Identity(), entry.Identity)
	assert.Equal(t, b.SignatureHash(), entry.SignatureHash)
	assert.Equal(t, b.StructureHash(), entry.StructureHash)
	assert.True(t, entry.Active)
	require.Len(t, entry.Params, 1)
	assert.Equal(t, "Value", entry.Params[0].Name)
	assert.Equal(t, "alice", entry.Trace["approved_by"])
	assert.Contains(t, entry.Trace, "tables")
}

func TestAllowlistDocument(t *testing.T) {
	t.Parallel()

	doc := entities.NewAllowlistDocument()
	assert.Equal(t, entities.DocumentVersion, doc.Version)
	assert.Nil(t, doc.Fingerprint)
	assert.Zero(t, doc.EntryCount())

	first := entities.NewEntryFromBundle(bundle(2, 1, "B", floatParam(1, "X", "0")), true, nil)
	second := entities.NewEntryFromBundle(bundle(1, 1, "A", floatParam(1, "X", "0")), false, nil)
	doc.MergeEntry(first)
	doc.MergeEntry(second)

	t.Run("merge replaces by identity", func(t *testing.T) {
		replaced := entities.NewEntryFromBundle(bundle(2, 1, "B", floatParam(1, "X", "1")), true, nil)
		doc.MergeEntry(replaced)
		assert.Equal(t, 2, doc.EntryCount())
		got, ok := doc.Entry(values.NewIdentity(2, 1))
		require.True(t, ok)
		assert.Equal(t, replaced.SignatureHash, got.SignatureHash)
	})

	t.Run("active entries", func(t *testing.T) {
		active := doc.ActiveEntries()
		assert.Len(t, active, 1)
		assert.Contains(t, active, values.NewIdentity(2, 1))
	})

	t.Run("sorted entries", func(t *testing.T) {
		sorted := doc.SortedEntries()
		require.Len(t, sorted, 2)
		assert.Equal(t, values.NewIdentity(1, 1), sorted[0].Identity)
	})

	t.Run("deactivate", func(t *testing.T) {
		assert.True(t, doc.Deactivate(values.NewIdentity(2, 1)))
		assert.Empty(t, doc.ActiveEntries())
		assert.False(t, doc.Deactivate(values.NewIdentity(7, 7)))
	})
}

func TestErrors(t *testing.T) {
	t.Parallel()

	scanErr := &entities.ScanError{Reason: "duplicate position", Err: errors.New("boom")}
	assert.ErrorIs(t, scanErr, entities.ErrScan)
	assert.Contains(t, scanErr.Error(), "duplicate position")

	notFound := &entities.NotDiscoveredError{Identity: values.NewIdentity(1, 2)}
	assert.ErrorIs(t, notFound, entities.ErrNotDiscovered)
	assert.Contains(t, notFound.Error(), "1:2")
}
