// Package sqlquery adapts database/sql handles to the overlay query ports.
// Catalog queries use the SQLite dialect.
package sqlquery

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/reglet-dev/macro-overlay/ports"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver used by Open.
const DriverName = "sqlite"

// Queryer is the subset of *sql.DB, *sql.Conn and *sql.Tx the adapter needs.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Source implements ports.QueryCapability over a Queryer.
type Source struct {
	q Queryer
}

var _ ports.QueryCapability = (*Source)(nil)

// New wraps q. The caller keeps ownership of q.
func New(q Queryer) *Source {
	return &Source{q: q}
}

// Open opens the SQLite database at path and checks that it is reachable.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return db, nil
}

// Factory returns a ports.QueryFactory that hands out Sources over db.
func Factory(db *sql.DB) ports.QueryFactory {
	return func(context.Context) (ports.QueryCapability, error) {
		return New(db), nil
	}
}

// Execute runs query and materializes every row.
func (s *Source) Execute(ctx context.Context, query string, args ...any) (ports.Cursor, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var out cursor
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(ports.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Columns lists the columns of table. Unknown tables yield no columns.
func (s *Source) Columns(ctx context.Context, table string) ([]ports.Column, error) {
	rows, err := s.fetch(ctx, "SELECT name, type FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", table, err)
	}
	cols := make([]ports.Column, 0, len(rows))
	for _, r := range rows {
		cols = append(cols, ports.Column{Name: r.String("name"), Type: r.String("type")})
	}
	return cols, nil
}

// Tables lists schema objects of tableType ("table", "view"). An empty type
// means tables.
func (s *Source) Tables(ctx context.Context, tableType string) ([]ports.Table, error) {
	if tableType == "" {
		tableType = "table"
	}
	rows, err := s.fetch(ctx, "SELECT name, type FROM sqlite_master WHERE type = ? ORDER BY name", tableType)
	if err != nil {
		return nil, fmt.Errorf("listing %ss: %w", tableType, err)
	}
	tables := make([]ports.Table, 0, len(rows))
	for _, r := range rows {
		tables = append(tables, ports.Table{Name: r.String("name"), Type: r.String("type")})
	}
	return tables, nil
}

func (s *Source) fetch(ctx context.Context, query string, args ...any) ([]ports.Row, error) {
	cur, err := s.Execute(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return cur.FetchAll()
}

type cursor []ports.Row

func (c cursor) FetchAll() ([]ports.Row, error) {
	return c, nil
}
