package database

import "github.com/gaborage/go-bricks-txn/database/types"

// Engine kinds re-exported so callers of the database package need not import
// types for the common case.
const (
	PostgreSQL = types.PostgreSQL
	SQLite     = types.SQLite
	Oracle     = types.Oracle
)
