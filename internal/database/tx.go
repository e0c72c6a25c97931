package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/koba/pgobjects/internal/metrics"
)

// Tx is a transaction that remembers the first statement error. Once
// Postgres has aborted the transaction, later statements report that error
// instead of "current transaction is aborted".
type Tx struct {
	tx         *sql.Tx
	log        *zap.SugaredLogger
	savepoints int
	failed     error
}

// BeginTx starts a transaction on the pool.
func (p *Postgres) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, log: p.log}, nil
}

func (t *Tx) record(err error) error {
	if err == nil {
		return nil
	}
	if Is(err, TransactionAborted) && t.failed != nil {
		return t.failed
	}
	if t.failed == nil {
		t.failed = err
	}
	return err
}

// ExecContext runs a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	return res, t.record(err)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	return rows, t.record(err)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// ExecTolerant runs query under a savepoint. When it fails with one of kinds
// the savepoint is rolled back, the transaction stays usable and the absorbed
// kind is returned. A statement that succeeds returns None.
func (t *Tx) ExecTolerant(ctx context.Context, kinds []Kind, query string, args ...any) (Kind, error) {
	t.savepoints++
	name := fmt.Sprintf("tolerant_%d", t.savepoints)
	if _, err := t.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return None, err
	}

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		if !Is(err, kinds...) {
			return None, t.record(err)
		}
		kind := Classify(err)
		t.log.Warnw("absorbed error", "kind", kind.String(), "statement", query)
		metrics.RaceAbsorbed(kind.String())
		if _, err := t.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
			return None, err
		}
		return kind, nil
	}

	_, err := t.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return None, err
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.record(t.tx.Commit())
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// WithTx runs fn in a transaction, committing when it returns nil.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := p.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.log.Debugw("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}
