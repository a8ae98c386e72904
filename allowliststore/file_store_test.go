package allowliststore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reglet-dev/macro-overlay/allowliststore"
	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/values"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBundle() values.FunctionBundle {
	unit := 3
	return values.NewFunctionBundle(1, 2, "MEASURE", "MEASURE_V", []values.ParameterSpec{
		{Position: 1, Name: "Value", Type: "FLOAT", InOut: "Input", Default: "0", Min: "-5", Max: "5", UnitID: &unit, UnitName: "V"},
		{Position: 2, Name: "Mode", Type: "STR", InOut: "Input", Optional: true, EnumDomain: []string{"FAST", "SLOW"}},
	}, map[string]any{"tables": []string{"tabFunction"}})
}

func sampleDocument(t *testing.T, dir string) *entities.AllowlistDocument {
	t.Helper()
	src := filepath.Join(dir, "source.db")
	require.NoError(t, os.WriteFile(src, []byte("source"), 0o600))
	fp, err := values.ComputeFingerprint(src)
	require.NoError(t, err)

	doc := entities.NewAllowlistDocument()
	doc.Fingerprint = &fp
	doc.MergeEntry(entities.NewEntryFromBundle(sampleBundle(), true, map[string]any{"approved_by": "alice"}))
	return doc
}

func TestFileStore_LoadMissing(t *testing.T) {
	t.Parallel()

	store, err := allowliststore.NewFileStore(filepath.Join(t.TempDir(), "nested"))
	require.NoError(t, err)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, entities.DocumentVersion, doc.Version)
	assert.Nil(t, doc.Fingerprint)
	assert.Zero(t, doc.EntryCount())
	assert.Empty(t, doc.Audit)
	assert.Equal(t, allowliststore.DefaultFileName, filepath.Base(store.Path()))
}

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"allow.yaml", "allow.yml", "allow.json"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			store, err := allowliststore.NewFileStore(dir,
				allowliststore.WithFileName(name),
				allowliststore.WithClock(func() time.Time { return now }))
			require.NoError(t, err)

			doc := sampleDocument(t, dir)
			require.NoError(t, store.Write(doc, entities.AuditApprove, "alice", map[string]any{"identity": "1:2"}))
			require.Len(t, doc.Audit, 1, "document audit reflects the write")

			loaded, err := store.Load()
			require.NoError(t, err)

			require.NotNil(t, loaded.Fingerprint)
			assert.True(t, loaded.Fingerprint.SameVersion(*doc.Fingerprint))
			assert.Equal(t, doc.Fingerprint.Size(), loaded.Fingerprint.Size())
			assert.Equal(t, doc.Fingerprint.Path(), loaded.Fingerprint.Path())

			want, _ := doc.Entry(values.NewIdentity(1, 2))
			got, ok := loaded.Entry(values.NewIdentity(1, 2))
			require.True(t, ok)
			assert.Equal(t, want.SignatureHash, got.SignatureHash)
			assert.Equal(t, want.StructureHash, got.StructureHash)
			assert.True(t, got.Active)
			assert.Equal(t, "alice", got.Trace["approved_by"])
			require.Len(t, got.Params, 2)
			assert.Equal(t, "-5", got.Params[0].Min)
			assert.Equal(t, "V", got.Params[0].Unit)
			require.NotNil(t, got.Params[0].UnitID)
			assert.Equal(t, 3, *got.Params[0].UnitID)
			assert.Equal(t, []string{"FAST", "SLOW"}, got.Params[1].EnumDomain)
			assert.True(t, got.Params[1].Optional)

			require.Len(t, loaded.Audit, 1)
			rec := loaded.Audit[0]
			assert.NotEmpty(t, rec.ID)
			assert.Equal(t, entities.AuditApprove, rec.Action)
			assert.Equal(t, "alice", rec.User)
			assert.True(t, now.Equal(rec.Timestamp))
			assert.Equal(t, "1:2", rec.Details["identity"])
		})
	}
}

func TestFileStore_AuditIsAppendOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := allowliststore.NewFileStore(dir)
	require.NoError(t, err)

	doc := sampleDocument(t, dir)
	require.NoError(t, store.Write(doc, entities.AuditInit, "", nil))
	require.NoError(t, store.Write(doc, entities.AuditDeactivate, "bob", nil))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Audit, 2)
	assert.Equal(t, entities.AuditInit, loaded.Audit[0].Action)
	assert.Empty(t, loaded.Audit[0].User)
	assert.Equal(t, entities.AuditDeactivate, loaded.Audit[1].Action)

	// A stale in-memory copy still appends after records it never saw.
	stale := entities.NewAllowlistDocument()
	require.NoError(t, store.Write(stale, entities.AuditImport, "", nil))
	loaded, err = store.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Audit, 3)
	assert.Equal(t, entities.AuditImport, loaded.Audit[2].Action)
}

func TestFileStore_SkipsMalformedEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `version: 1
fingerprint: null
bundles:
  - id_function: 1
    id_variant: 1
    function_name: GOOD
    variant_name: GOOD
    params:
      - position: 1
        name: Level
        type: INT
        inout: input
        optional: false
        default: 5
        min: 0.5
        enum_domain: []
    signature_hash: abc
    structure_hash: def
    active: true
  - id_function: 2
    function_name: MISSING_VARIANT
  - id_function: three
    id_variant: 1
  - "not a mapping"
audit:
  - timestamp: "2025-01-01T00:00:00Z"
    action: init
    note: legacy
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, allowliststore.DefaultFileName), []byte(content), 0o600))

	store, err := allowliststore.NewFileStore(dir)
	require.NoError(t, err)
	doc, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, 1, doc.EntryCount())
	assert.Nil(t, doc.Fingerprint)
	entry, ok := doc.Entry(values.NewIdentity(1, 1))
	require.True(t, ok)
	assert.True(t, entry.Active)
	assert.Equal(t, "5", entry.Params[0].Default, "bare numbers are kept as text")
	assert.Equal(t, "0.5", entry.Params[0].Min)

	require.Len(t, doc.Audit, 1)
	assert.Empty(t, doc.Audit[0].ID)
	assert.Equal(t, "legacy", doc.Audit[0].Details["note"])

	// Rewriting keeps the legacy record exactly once.
	require.NoError(t, store.Write(doc, entities.AuditApprove, "", nil))
	reloaded, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, reloaded.Audit, 2)
}

func TestFileStore_VersionGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		content string
		wantErr bool
	}{
		{content: "version: 1\n"},
		{content: "version: 0\n"},
		{content: "bundles: []\n"},
		{content: "version: 2\n", wantErr: true},
		{content: "version: banana\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, allowliststore.DefaultFileName), []byte(tt.content), 0o600))
			store, err := allowliststore.NewFileStore(dir)
			require.NoError(t, err)

			doc, err := store.Load()
			if tt.wantErr {
				assert.ErrorIs(t, err, entities.ErrUnsupportedDocument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, doc.Version)
		})
	}
}

func TestNewFileStore_Validation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := allowliststore.NewFileStore(file)
	assert.Error(t, err, "regular file is not a store folder")

	_, err = allowliststore.NewFileStore(dir, allowliststore.WithFileName("../escape.yaml"))
	assert.Error(t, err)

	_, err = allowliststore.NewFileStore(dir, allowliststore.WithFileName("allow.toml"))
	assert.Error(t, err)
}

func TestEntrySchema(t *testing.T) {
	t.Parallel()

	raw, err := allowliststore.EntrySchema()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id_function"`)
	assert.Contains(t, string(raw), `"required"`)
}
