// Package sqlconn implements the provider link and transaction types on top
// of database/sql for engines whose driver is used through it.
package sqlconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/gaborage/go-bricks-txn/database/types"
)

// Options tune how a link begins transactions.
type Options struct {
	// TxOptions is passed to BeginTx; nil uses the driver default.
	TxOptions *sql.TxOptions
	// AfterBegin statements run first in every new transaction.
	AfterBegin []string
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Link pins one *sql.Conn from the pool for the life of a Connection.
type Link struct {
	conn *sql.Conn
	opts Options
}

// TxOptionsFor returns the BeginTx options selecting level, or nil for the
// driver default.
func TxOptionsFor(level sql.IsolationLevel) *sql.TxOptions {
	if level == sql.LevelDefault {
		return nil
	}
	return &sql.TxOptions{Isolation: level}
}

// Open takes a connection out of db's pool.
func Open(ctx context.Context, db *sql.DB, opts Options) (*Link, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Link{conn: conn, opts: opts}, nil
}

func (l *Link) Exec(ctx context.Context, cmd types.Command) (int64, error) {
	return execute(ctx, l.conn, cmd)
}

func (l *Link) QueryScalar(ctx context.Context, cmd types.Command) (any, error) {
	return scalar(ctx, l.conn, cmd)
}

func (l *Link) Query(ctx context.Context, cmd types.Command, fn func(types.Rows) error) error {
	return query(ctx, l.conn, cmd, fn)
}

// Begin starts a transaction and runs the AfterBegin statements in it.
func (l *Link) Begin(ctx context.Context) (types.Tx, error) {
	tx, err := l.conn.BeginTx(ctx, l.opts.TxOptions)
	if err != nil {
		return nil, err
	}
	for _, stmt := range l.opts.AfterBegin {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return nil, fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return &Tx{tx: tx}, nil
}

// Close returns the connection to the pool.
func (l *Link) Close(_ context.Context) error {
	return l.conn.Close()
}

// Tx wraps *sql.Tx. Savepoints are issued as statements by the caller.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Exec(ctx context.Context, cmd types.Command) (int64, error) {
	return execute(ctx, t.tx, cmd)
}

func (t *Tx) QueryScalar(ctx context.Context, cmd types.Command) (any, error) {
	return scalar(ctx, t.tx, cmd)
}

func (t *Tx) Query(ctx context.Context, cmd types.Command, fn func(types.Rows) error) error {
	return query(ctx, t.tx, cmd, fn)
}

func (t *Tx) Commit(_ context.Context) error {
	return t.tx.Commit()
}

func (t *Tx) Rollback(_ context.Context) error {
	return t.tx.Rollback()
}

func execute(ctx context.Context, q querier, cmd types.Command) (int64, error) {
	res, err := q.ExecContext(ctx, cmd.Text, cmd.Args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// not every statement reports affected rows
		return 0, nil
	}
	return n, nil
}

func scalar(ctx context.Context, q querier, cmd types.Command) (any, error) {
	rows, err := q.QueryContext(ctx, cmd.Text, cmd.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var value any
	if err := rows.Scan(&value); err != nil {
		return nil, err
	}
	return value, rows.Err()
}

func query(ctx context.Context, q querier, cmd types.Command, fn func(types.Rows) error) error {
	rows, err := q.QueryContext(ctx, cmd.Text, cmd.Args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if err := fn(rows); err != nil {
		return err
	}
	return rows.Err()
}

// ClassifyCommon handles the database/sql level errors every driver can
// surface. ok is false when the error needs driver specific inspection.
func ClassifyCommon(err error) (types.Classification, bool) {
	switch {
	case errors.Is(err, sql.ErrTxDone):
		return types.Classification{Kind: types.KindOther, TransactionAborted: true}, true
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return types.Classification{Kind: types.KindConnectionFailure, TransactionAborted: true}, true
	default:
		return types.Classification{}, false
	}
}
