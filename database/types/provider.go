package types

import (
	"context"
)

// Rows is a forward-only cursor over a result set. The provider closes it
// once the reader callback returns.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// Executor runs commands on a link or inside a transaction.
type Executor interface {
	// Exec runs a command that returns no rows and reports rows affected.
	Exec(ctx context.Context, cmd Command) (int64, error)
	// QueryScalar returns the first column of the first row, or nil when the
	// command produced no rows.
	QueryScalar(ctx context.Context, cmd Command) (any, error)
	// Query runs a command and hands the result set to fn.
	Query(ctx context.Context, cmd Command, fn func(Rows) error) error
}

// Tx is an open engine transaction. Commands executed through it run inside
// the transaction.
type Tx interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// NativeSavepointer is implemented by transactions of engines whose
// dialect reports SavepointsNative.
type NativeSavepointer interface {
	CreateSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
}

// Link is one physical connection to a database.
type Link interface {
	Executor
	// Begin opens a transaction at the engine's isolation level.
	Begin(ctx context.Context) (Tx, error)
	// Close returns the physical connection.
	Close(ctx context.Context) error
}

// Provider creates links to one database and translates its errors. A
// provider is shared by every unit-of-work context of the process and must
// be safe for concurrent use.
type Provider interface {
	Dialect() Dialect
	Open(ctx context.Context) (Link, error)
	Classify(err error) Classification
	Close() error
}

// Classification is a provider's verdict on a low-level error.
type Classification struct {
	Kind ErrorKind
	// TransactionAborted is set when the engine already rolled back the whole
	// transaction on its own (server-forced rollback).
	TransactionAborted bool
}
