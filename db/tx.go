package db

import (
	"context"
	"database/sql"
	"errors"
)

// Tx is a write transaction. Rollback once the transaction is finished is a no-op
type Tx struct {
	*sql.Tx
}

func NewTx(ctx context.Context, db *sql.DB) (*Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx}, nil
}

func (t *Tx) Rollback() error {
	if err := t.Tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
