package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

func newMemoryProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(&config.DatabaseConfig{Type: "sqlite", Database: ":memory:"}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{"empty is memory", config.DatabaseConfig{}, ":memory:"},
		{"file", config.DatabaseConfig{Database: "/var/lib/app.db"}, "/var/lib/app.db"},
		{"busy timeout", config.DatabaseConfig{Database: "app.db", SQLite: config.SQLiteConfig{BusyTimeout: 5 * time.Second}}, "app.db?_busy_timeout=5000"},
		{"existing params", config.DatabaseConfig{Database: "file:app.db?cache=shared", SQLite: config.SQLiteConfig{BusyTimeout: time.Second}}, "file:app.db?cache=shared&_busy_timeout=1000"},
		{"connection string wins", config.DatabaseConfig{Database: "x.db", ConnectionString: "file:y.db?mode=ro"}, "file:y.db?mode=ro"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildDSN(&tt.cfg))
		})
	}
}

func TestNewProviderPingFailure(t *testing.T) {
	original := pingSQLiteDB
	t.Cleanup(func() { pingSQLiteDB = original })
	pingSQLiteDB = func(context.Context, *sql.DB) error { return errors.New("disk I/O error") }

	_, err := NewProvider(&config.DatabaseConfig{Type: "sqlite"}, logger.Nop())
	assert.ErrorContains(t, err, "failed to ping SQLite database")
}

func TestProviderDialect(t *testing.T) {
	d := newMemoryProvider(t).Dialect()

	assert.Equal(t, types.SQLite, d.Kind)
	assert.Equal(t, types.SavepointsStatement, d.Savepoints)
	assert.True(t, d.ReleasesSavepoints)
}

func TestProviderSavepointRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newMemoryProvider(t)

	link, err := p.Open(ctx)
	require.NoError(t, err)
	defer link.Close(ctx)

	_, err = link.Exec(ctx, types.NewCommand("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)"))
	require.NoError(t, err)

	tx, err := link.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, types.NewCommand("INSERT INTO items (name) VALUES (?)", "kept"))
	require.NoError(t, err)
	_, err = tx.Exec(ctx, types.NewCommand("SAVEPOINT uow_sp_2"))
	require.NoError(t, err)
	_, err = tx.Exec(ctx, types.NewCommand("INSERT INTO items (name) VALUES (?)", "discarded"))
	require.NoError(t, err)
	_, err = tx.Exec(ctx, types.NewCommand("ROLLBACK TO SAVEPOINT uow_sp_2"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	count, err := link.QueryScalar(ctx, types.NewCommand("SELECT COUNT(*) FROM items"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    types.ErrorKind
		aborted bool
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, types.KindConcurrencyConflict, false},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, types.KindConcurrencyConflict, false},
		{"interrupt", sqlite3.Error{Code: sqlite3.ErrInterrupt}, types.KindCommandTimeout, false},
		{"readonly", sqlite3.Error{Code: sqlite3.ErrReadonly}, types.KindReadOnlyTarget, false},
		{"cant open", sqlite3.Error{Code: sqlite3.ErrCantOpen}, types.KindConnectionFailure, false},
		{"full", sqlite3.Error{Code: sqlite3.ErrFull}, types.KindOther, true},
		{"ioerr", sqlite3.Error{Code: sqlite3.ErrIoErr}, types.KindOther, true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, types.KindOther, false},
		{"tx done", sql.ErrTxDone, types.KindOther, true},
		{"plain", errors.New("boom"), types.KindOther, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.aborted, c.TransactionAborted)
		})
	}
}

func TestClassifyMissingSavepointAsAborted(t *testing.T) {
	ctx := context.Background()
	p := newMemoryProvider(t)

	link, err := p.Open(ctx)
	require.NoError(t, err)
	defer link.Close(ctx)
	tx, err := link.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, types.NewCommand("ROLLBACK TO SAVEPOINT uow_sp_9"))
	require.Error(t, err)
	assert.True(t, p.Classify(err).TransactionAborted)
}
