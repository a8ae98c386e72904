package overlay

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/ports"
	"github.com/reglet-dev/macro-overlay/scanner"
	"github.com/reglet-dev/macro-overlay/values"
)

// PrepareExportTarget copies the trusted bundles of the requested function
// ids into conn, inserting only rows whose primary key is missing, and then
// records them as approved in the allowlist next to targetPath. Failures are
// logged and never returned: the caller's export proceeds regardless.
//
// conn is borrowed. It is committed on success and rolled back on failure
// but never closed.
func (r *Runtime) PrepareExportTarget(ctx context.Context, targetPath string, conn ports.Connection, requestedIDs []int) {
	r.mu.Lock()
	enabled := r.cfg.Enabled
	catalog := r.catalog
	documentName := r.cfg.DocumentName
	source := r.sourcePath
	r.mu.Unlock()

	if !enabled || catalog == nil || len(requestedIDs) == 0 {
		return
	}

	var bundles []values.FunctionBundle
	for _, b := range catalog.Bundles() {
		if slices.Contains(requestedIDs, b.FunctionID()) {
			bundles = append(bundles, b)
		}
	}
	if len(bundles) == 0 {
		return
	}
	values.SortBundles(bundles)

	if err := replicate(ctx, conn, bundles); err != nil {
		r.logger.Error("failed to replicate overlay bundles into export target", "target", targetPath, "error", err)
		return
	}
	if err := r.importAllowlist(targetPath, documentName, source, bundles); err != nil {
		r.logger.Error("failed to update export target allowlist", "target", targetPath, "error", err)
	}
}

func (r *Runtime) importAllowlist(targetPath, documentName, source string, bundles []values.FunctionBundle) error {
	fingerprint, err := values.ComputeFingerprint(targetPath)
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(filepath.Dir(targetPath))
	if err != nil {
		return err
	}
	store, err := r.newStore(dir, documentName)
	if err != nil {
		return err
	}
	document, err := store.Load()
	if err != nil {
		return err
	}
	document.Fingerprint = &fingerprint
	for _, b := range bundles {
		document.MergeEntry(entities.NewEntryFromBundle(b, true, map[string]any{"imported_from": source}))
	}
	return store.Write(document, entities.AuditImport, "", map[string]any{"bundle_count": len(bundles)})
}

type column struct {
	name  string
	value any
}

// replicator inserts missing rows, writing only columns the destination has.
type replicator struct {
	conn    ports.Connection
	columns map[string][]ports.Column
}

func replicate(ctx context.Context, conn ports.Connection, bundles []values.FunctionBundle) (err error) {
	rep := &replicator{conn: conn, columns: make(map[string][]ports.Column)}
	defer func() {
		if err != nil {
			if rbErr := conn.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	for _, b := range bundles {
		if err := rep.replicateBundle(ctx, b); err != nil {
			return fmt.Errorf("bundle %s: %w", b.Identity(), err)
		}
	}
	if err := conn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *replicator) replicateBundle(ctx context.Context, b values.FunctionBundle) error {
	if err := p.ensureRow(ctx, scanner.TableFunction,
		[]column{{"IDFunction", b.FunctionID()}},
		[]column{{"Name", b.FunctionName()}}); err != nil {
		return err
	}
	if err := p.ensureRow(ctx, scanner.TableVariant,
		[]column{{"IDMacroKind", b.VariantID()}},
		[]column{{"Name", b.VariantName()}}); err != nil {
		return err
	}
	if err := p.ensureRow(ctx, scanner.TableFunctionVariant,
		[]column{{"IDFunction", b.FunctionID()}, {"IDMacroKind", b.VariantID()}},
		nil); err != nil {
		return err
	}

	for _, spec := range b.Params() {
		if spec.ParameterClassID != nil {
			name := spec.ParameterClassName
			if name == "" {
				name = fmt.Sprintf("Class_%d", *spec.ParameterClassID)
			}
			if err := p.ensureRow(ctx, scanner.TableParameterClass,
				[]column{{"IDParameterClass", *spec.ParameterClassID}},
				[]column{{"Name", name}, {"TypeName", spec.Type}}); err != nil {
				return err
			}
		}
		if spec.UnitID != nil {
			name := spec.UnitName
			if name == "" {
				name = fmt.Sprintf("Unit_%d", *spec.UnitID)
			}
			if err := p.ensureRow(ctx, scanner.TableUnit,
				[]column{{"IDUnit", *spec.UnitID}},
				[]column{{"Name", name}}); err != nil {
				return err
			}
		}
		if err := p.ensureRow(ctx, scanner.TableParameter,
			[]column{{"IDMacroKind", b.VariantID()}, {"Position", spec.Position}},
			paramColumns(spec)); err != nil {
			return err
		}
	}
	return nil
}

func paramColumns(spec values.ParameterSpec) []column {
	optional := 0
	if spec.Optional {
		optional = 1
	}
	cols := []column{
		{"Name", spec.Name},
		{"InOut", spec.InOut},
		{"Optional", optional},
	}
	for _, c := range []column{
		{"DefaultValue", spec.Default},
		{"MinValue", spec.Min},
		{"MaxValue", spec.Max},
		{"EnumValues", strings.Join(spec.EnumDomain, scanner.EnumSeparator)},
	} {
		if c.value != "" {
			cols = append(cols, c)
		}
	}
	if spec.UnitID != nil {
		cols = append(cols, column{"IDUnit", *spec.UnitID})
	}
	if spec.ParameterClassID != nil {
		cols = append(cols, column{"IDParameterClass", *spec.ParameterClassID})
	}
	return cols
}

// ensureRow inserts key+payload into table unless a row with the same key
// exists. Tables lacking any key column are skipped; payload columns the
// destination lacks are dropped.
func (p *replicator) ensureRow(ctx context.Context, table string, key, payload []column) error {
	available, err := p.columnsOf(ctx, table)
	if err != nil {
		return err
	}
	for _, k := range key {
		if !ports.HasColumn(available, k.name) {
			return nil
		}
	}

	where := make([]string, 0, len(key))
	args := make([]any, 0, len(key))
	for _, k := range key {
		where = append(where, quoteIdent(k.name)+" = ?")
		args = append(args, k.value)
	}
	cur, err := p.conn.Execute(ctx,
		"SELECT COUNT(1) AS n FROM "+quoteIdent(table)+" WHERE "+strings.Join(where, " AND "), args...)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	rows, err := cur.FetchAll()
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if len(rows) > 0 {
		if n, _ := rows[0].Int("n"); n > 0 {
			return nil
		}
	}

	names := make([]string, 0, len(key)+len(payload))
	vals := make([]any, 0, len(key)+len(payload))
	for _, c := range key {
		names = append(names, quoteIdent(c.name))
		vals = append(vals, c.value)
	}
	for _, c := range payload {
		if ports.HasColumn(available, c.name) {
			names = append(names, quoteIdent(c.name))
			vals = append(vals, c.value)
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt := "INSERT INTO " + quoteIdent(table) + " (" + strings.Join(names, ", ") + ") VALUES (" + placeholders + ")"
	if err := p.conn.Exec(ctx, stmt, vals...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

func (p *replicator) columnsOf(ctx context.Context, table string) ([]ports.Column, error) {
	if cols, ok := p.columns[table]; ok {
		return cols, nil
	}
	cols, err := p.conn.Columns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	p.columns[table] = cols
	return cols, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
