package database

import "errors"

var (
	// ErrNotOpen is returned by operations that need an open physical link.
	ErrNotOpen = errors.New("database connection is not open")
	// ErrAlreadyOpen is returned by Open on an open connection.
	ErrAlreadyOpen = errors.New("database connection is already open")
	// ErrNoTransaction is returned by operations that need an open transaction.
	ErrNoTransaction = errors.New("no transaction is open")
	// ErrNoSavepointForRollback is returned by ExecuteInTransaction when work
	// asks to roll back a nested level that was begun without a savepoint.
	// Nothing narrower than the whole transaction can be undone, so the
	// connection is left unusable until the outer levels roll back.
	ErrNoSavepointForRollback = errors.New("cannot roll back a nested transaction that has no savepoint")
	// ErrNativeSavepoints is returned when a native savepoint dialect hands out
	// a transaction without the native savepoint API.
	ErrNativeSavepoints = errors.New("transaction does not support native savepoints")
)
