package overlay_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/reglet-dev/macro-overlay/allowliststore"
	"github.com/reglet-dev/macro-overlay/config"
	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/overlay"
	"github.com/reglet-dev/macro-overlay/ports"
	"github.com/reglet-dev/macro-overlay/sqlquery"
	"github.com/reglet-dev/macro-overlay/values"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var macroSchema = []string{
	`CREATE TABLE tabFunction (IDFunction INTEGER PRIMARY KEY, Name TEXT)`,
	`CREATE TABLE tabMacroKind (IDMacroKind INTEGER PRIMARY KEY, Name TEXT)`,
	`CREATE TABLE detFunctionMacroKind (IDFunction INTEGER, IDMacroKind INTEGER)`,
	`CREATE TABLE tabUnit (IDUnit INTEGER PRIMARY KEY, Name TEXT)`,
	`CREATE TABLE tabParameterClass (IDParameterClass INTEGER PRIMARY KEY, Name TEXT, TypeName TEXT)`,
	`CREATE TABLE detMacroKindParameterClass (
		IDMacroKind INTEGER, Position INTEGER, Name TEXT, InOut TEXT, Optional INTEGER,
		DefaultValue TEXT, MinValue TEXT, MaxValue TEXT, IDUnit INTEGER, IDParameterClass INTEGER,
		EnumValues TEXT)`,
}

var macroRows = []string{
	`INSERT INTO tabFunction VALUES (1, 'MEASURE'), (2, 'OTHER')`,
	`INSERT INTO tabMacroKind VALUES (10, 'MEASURE_V'), (20, 'OTHER_V')`,
	`INSERT INTO detFunctionMacroKind VALUES (1, 10), (2, 20)`,
	`INSERT INTO tabUnit VALUES (5, 'V')`,
	`INSERT INTO tabParameterClass VALUES (7, 'Voltage', 'FLOAT')`,
	`INSERT INTO detMacroKindParameterClass VALUES
		(10, 1, 'Value', 'input', 0, '0', '-5', '5', 5, 7, NULL),
		(10, 2, 'Mode', 'input', 1, NULL, NULL, NULL, NULL, NULL, 'FAST;SLOW'),
		(20, 1, 'X', 'input', 0, NULL, NULL, NULL, NULL, NULL, NULL)`,
}

func createDB(t *testing.T, path string, statements ...[]string) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := sqlquery.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for _, group := range statements {
		for _, stmt := range group {
			_, err := db.ExecContext(ctx, stmt)
			require.NoError(t, err)
		}
	}
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), "SELECT COUNT(1) FROM "+table).Scan(&n))
	return n
}

func enabledConfig() config.Overlay {
	cfg := config.Default()
	cfg.Enabled = true
	return cfg
}

func TestRuntime_SQLiteExportCarriesTrust(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sourcePath := filepath.Join(t.TempDir(), "source.db")
	sourceDB := createDB(t, sourcePath, macroSchema, macroRows)

	rt := overlay.New(enabledConfig())
	require.NoError(t, rt.BindToDatabase(ctx, sourcePath, sqlquery.Factory(sourceDB)))
	require.True(t, rt.State().Ready)
	require.Len(t, rt.Bundles(), 2)

	measure := values.NewIdentity(1, 10)
	require.NoError(t, rt.ApproveBundle(measure, true, "alice"))
	require.NoError(t, rt.ApproveBundle(values.NewIdentity(2, 20), true, "alice"))

	targetDir := t.TempDir()
	targetPath := filepath.Join(targetDir, "export.db")
	targetDB := createDB(t, targetPath, macroSchema)

	for range 2 {
		tx, err := sqlquery.Begin(ctx, targetDB)
		require.NoError(t, err)
		rt.PrepareExportTarget(ctx, targetPath, tx, []int{1})
	}

	assert.Equal(t, 1, countRows(t, targetDB, "tabFunction"), "only requested functions, inserted once")
	assert.Equal(t, 1, countRows(t, targetDB, "tabMacroKind"))
	assert.Equal(t, 1, countRows(t, targetDB, "detFunctionMacroKind"))
	assert.Equal(t, 1, countRows(t, targetDB, "tabUnit"))
	assert.Equal(t, 1, countRows(t, targetDB, "tabParameterClass"))
	assert.Equal(t, 2, countRows(t, targetDB, "detMacroKindParameterClass"))

	store, err := allowliststore.NewFileStore(targetDir)
	require.NoError(t, err)
	doc, err := store.Load()
	require.NoError(t, err)
	entry, ok := doc.Entry(measure)
	require.True(t, ok)
	assert.True(t, entry.Active)
	assert.Equal(t, entities.AuditImport, doc.Audit[len(doc.Audit)-1].Action)

	target := overlay.New(enabledConfig())
	require.NoError(t, target.BindToDatabase(ctx, targetPath, sqlquery.Factory(targetDB)))
	require.True(t, target.State().Ready)
	assert.True(t, target.State().Diff.IsEmpty(), "replicated rows hash the same as the source")
	schema := target.RuntimeSchema()
	require.Contains(t, schema, "MEASURE")
	assert.Equal(t, []string{"FAST", "SLOW"}, schema["MEASURE"]["Mode"].Choices)
	assert.Equal(t, "V", schema["MEASURE"]["Value"].Unit)
}

type fakeConn struct {
	execErr    error
	execs      []string
	committed  bool
	rolledBack bool
}

func (f *fakeConn) Execute(context.Context, string, ...any) (ports.Cursor, error) {
	return staticCursor{{"n": int64(0)}}, nil
}

func (f *fakeConn) Columns(context.Context, string) ([]ports.Column, error) {
	return []ports.Column{
		{Name: "IDFunction"}, {Name: "IDMacroKind"}, {Name: "IDUnit"}, {Name: "IDParameterClass"},
		{Name: "Position"}, {Name: "Name"},
	}, nil
}

func (f *fakeConn) Tables(context.Context, string) ([]ports.Table, error) { return nil, nil }

func (f *fakeConn) Exec(_ context.Context, stmt string, _ ...any) error {
	f.execs = append(f.execs, stmt)
	return f.execErr
}

func (f *fakeConn) Commit() error {
	f.committed = true
	return nil
}

func (f *fakeConn) Rollback() error {
	f.rolledBack = true
	return nil
}

type staticCursor []ports.Row

func (c staticCursor) FetchAll() ([]ports.Row, error) { return c, nil }

func TestRuntime_ExportFailuresAreSwallowed(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	rt := e.runtime()
	e.bind(t, rt)
	require.NoError(t, rt.ApproveBundle(id11, true, ""))

	targetDir := t.TempDir()
	targetPath := filepath.Join(targetDir, "export.db")
	require.NoError(t, os.WriteFile(targetPath, []byte("target"), 0o600))

	conn := &fakeConn{execErr: errors.New("read-only database")}
	rt.PrepareExportTarget(context.Background(), targetPath, conn, []int{1})

	assert.True(t, conn.rolledBack)
	assert.False(t, conn.committed)
	_, err := os.Stat(filepath.Join(targetDir, allowliststore.DefaultFileName))
	assert.True(t, os.IsNotExist(err), "no trust record for a failed replication")
}

func TestRuntime_ExportSkipsUntrusted(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	rt := e.runtime()
	e.bind(t, rt)

	conn := &fakeConn{}
	rt.PrepareExportTarget(context.Background(), filepath.Join(t.TempDir(), "export.db"), conn, []int{1})
	assert.Empty(t, conn.execs)
	assert.False(t, conn.committed)

	require.NoError(t, rt.ApproveBundle(id11, true, ""))
	rt.PrepareExportTarget(context.Background(), filepath.Join(t.TempDir(), "export.db"), conn, []int{99})
	assert.Empty(t, conn.execs, "unrequested functions are not replicated")
}
