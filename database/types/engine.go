package types

import (
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"
)

// EngineKind identifies one of the supported database engines.
type EngineKind string

const (
	PostgreSQL EngineKind = "postgresql"
	SQLite     EngineKind = "sqlite"
	Oracle     EngineKind = "oracle"
)

// ParseEngineKind converts a configuration value into an EngineKind.
func ParseEngineKind(s string) (EngineKind, error) {
	switch EngineKind(s) {
	case PostgreSQL, SQLite, Oracle:
		return EngineKind(s), nil
	default:
		return "", fmt.Errorf("unsupported database type: %s (supported: postgresql, sqlite, oracle)", s)
	}
}

// SavepointMode describes how an engine creates and unwinds savepoints.
type SavepointMode int

const (
	// SavepointsNative uses the driver's own savepoint API; the transaction
	// returned by the provider implements NativeSavepointer.
	SavepointsNative SavepointMode = iota
	// SavepointsStatement issues SAVEPOINT / ROLLBACK TO SAVEPOINT text commands.
	SavepointsStatement
	// SavepointsUnsupported means nested levels can never be undone on their own.
	SavepointsUnsupported
)

func (m SavepointMode) String() string {
	switch m {
	case SavepointsNative:
		return "native"
	case SavepointsStatement:
		return "statement"
	case SavepointsUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("SavepointMode(%d)", int(m))
	}
}

// Dialect describes the engine specific behaviour the connection layer needs.
type Dialect struct {
	Kind               EngineKind
	Savepoints         SavepointMode
	ReleasesSavepoints bool
	Isolation          sql.IsolationLevel
	Placeholder        squirrel.PlaceholderFormat
}

// SavepointSQL returns the statement creating savepoint name.
func (d Dialect) SavepointSQL(name string) string {
	return "SAVEPOINT " + name
}

// RollbackToSavepointSQL returns the statement rolling back to savepoint name.
func (d Dialect) RollbackToSavepointSQL(name string) string {
	return "ROLLBACK TO SAVEPOINT " + name
}

// ReleaseSavepointSQL returns the statement releasing savepoint name, or ""
// when the engine has no release concept.
func (d Dialect) ReleaseSavepointSQL(name string) string {
	if !d.ReleasesSavepoints {
		return ""
	}
	return "RELEASE SAVEPOINT " + name
}
