// Package ports defines the narrow interfaces the overlay core consumes.
package ports

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Get returns the value of a column, matching names case-insensitively when
// no exact key exists.
func (r Row) Get(column string) (any, bool) {
	if v, ok := r[column]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, column) {
			return v, true
		}
	}
	return nil, false
}

// String returns the trimmed string form of a column, or "" when null.
func (r Row) String(column string) string {
	v, _ := r.Get(column)
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Int returns the integer value of a column. ok is false for null, empty or
// non-numeric values.
func (r Row) Int(column string) (value int, ok bool) {
	v, _ := r.Get(column)
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), true
	case string, []byte:
		s := r.String(column)
		if s == "" {
			return 0, false
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Bool returns the truthiness of a column. Null, empty, zero and "0" are false.
func (r Row) Bool(column string) bool {
	v, _ := r.Get(column)
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		s := r.String(column)
		return s != "" && s != "0" && !strings.EqualFold(s, "false")
	}
}

// Column describes one column of a table.
type Column struct {
	Name string
	Type string
}

// Table describes one table or view.
type Table struct {
	Name string
	Type string
}

// Cursor is the result of an executed query.
type Cursor interface {
	FetchAll() ([]Row, error)
}

// QueryCapability is the read-only view of the external source.
type QueryCapability interface {
	// Execute runs a query with positional "?" arguments.
	Execute(ctx context.Context, query string, args ...any) (Cursor, error)
	// Columns lists the columns of a table; unknown tables yield no columns.
	Columns(ctx context.Context, table string) ([]Column, error)
	// Tables lists tables of the given type ("table", "view"); "" means tables.
	Tables(ctx context.Context, tableType string) ([]Table, error)
}

// QueryFactory produces a fresh QueryCapability for one bind or refresh.
type QueryFactory func(ctx context.Context) (QueryCapability, error)

// Connection is a writable destination used when replicating bundles into an
// export target. The runtime borrows it and never closes it.
type Connection interface {
	QueryCapability
	Exec(ctx context.Context, statement string, args ...any) error
	Commit() error
	Rollback() error
}

// HasColumn reports whether cols contains name (case-insensitive).
func HasColumn(cols []Column, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}
