package sqlquery

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/reglet-dev/macro-overlay/ports"
)

// Tx is a writable connection backed by one database transaction.
type Tx struct {
	*Source
	tx *sql.Tx
}

var _ ports.Connection = (*Tx)(nil)

// Begin starts a transaction on db.
func Begin(ctx context.Context, db *sql.DB) (*Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{Source: New(tx), tx: tx}, nil
}

// Exec runs a statement that returns no rows.
func (t *Tx) Exec(ctx context.Context, statement string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, statement, args...)
	return err
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
