package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

func TestQuoteDSN(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"empty", "", "''"},
		{"plain", "testdb", "testdb"},
		{"dots dashes underscores", "db.host-1_a", "db.host-1_a"},
		{"space", "my db", "'my db'"},
		{"single quote", "pa'ss", `'pa\'ss'`},
		{"backslash", `a\b`, `'a\\b'`},
		{"equals", "a=b", "'a=b'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, quoteDSN(tt.value))
		})
	}
}

func TestBuildDSN(t *testing.T) {
	t.Run("fields", func(t *testing.T) {
		cfg := &config.DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Username: "app",
			Password: "s3cret pass",
			Database: "orders",
		}
		assert.Equal(t, "host=localhost port=5432 user=app password='s3cret pass' dbname=orders", buildDSN(cfg))
	})

	t.Run("ssl mode", func(t *testing.T) {
		cfg := &config.DatabaseConfig{Host: "db", Port: 5433, Username: "u", Password: "p", Database: "d", SSLMode: "require"}
		assert.Equal(t, "host=db port=5433 user=u password=p dbname=d sslmode=require", buildDSN(cfg))
	})

	t.Run("connection string wins", func(t *testing.T) {
		cfg := &config.DatabaseConfig{Host: "ignored", ConnectionString: "postgres://u:p@db:5432/d"}
		assert.Equal(t, "postgres://u:p@db:5432/d", buildDSN(cfg))
	})
}

func TestNewProviderPingFailure(t *testing.T) {
	originalPing := pingPool
	t.Cleanup(func() { pingPool = originalPing })
	pingPool = func(context.Context, *pgxpool.Pool) error { return errors.New("connection refused") }

	_, err := NewProvider(&config.DatabaseConfig{
		Host: "localhost", Port: 5432, Username: "u", Password: "p", Database: "d",
	}, logger.Nop())
	assert.ErrorContains(t, err, "failed to ping PostgreSQL database")
}

func TestNewProviderInvalidDSN(t *testing.T) {
	_, err := NewProvider(&config.DatabaseConfig{ConnectionString: "postgres://%zz"}, logger.Nop())
	assert.ErrorContains(t, err, "failed to parse PostgreSQL config")
}

func TestProviderDialect(t *testing.T) {
	d := (&Provider{}).Dialect()

	assert.Equal(t, types.PostgreSQL, d.Kind)
	assert.Equal(t, types.SavepointsNative, d.Savepoints)
	assert.True(t, d.ReleasesSavepoints)
	assert.Equal(t, "x = $1", mustPlaceholders(t, d, "x = ?"))
}

func TestIsoLevel(t *testing.T) {
	tests := []struct {
		level sql.IsolationLevel
		want  pgx.TxIsoLevel
	}{
		{sql.LevelRepeatableRead, pgx.RepeatableRead},
		{sql.LevelSnapshot, pgx.RepeatableRead},
		{sql.LevelSerializable, pgx.Serializable},
		{sql.LevelReadCommitted, pgx.ReadCommitted},
		{sql.LevelReadUncommitted, pgx.ReadUncommitted},
		{sql.LevelDefault, ""},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, isoLevel(tt.level))
		})
	}
	assert.Equal(t, pgx.RepeatableRead, isoLevel((&Provider{}).Dialect().Isolation))
}

func mustPlaceholders(t *testing.T, d types.Dialect, sql string) string {
	t.Helper()
	out, err := d.Placeholder.ReplacePlaceholders(sql)
	require.NoError(t, err)
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    types.ErrorKind
		aborted bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, types.KindConcurrencyConflict, false},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, types.KindConcurrencyConflict, false},
		{"wrapped deadlock", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"}), types.KindConcurrencyConflict, false},
		{"query canceled", &pgconn.PgError{Code: "57014"}, types.KindCommandTimeout, false},
		{"read only", &pgconn.PgError{Code: "25006"}, types.KindReadOnlyTarget, false},
		{"connection exception", &pgconn.PgError{Code: "08006"}, types.KindConnectionFailure, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, types.KindConnectionFailure, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, types.KindOther, false},
		{"tx closed", pgx.ErrTxClosed, types.KindOther, true},
		{"commit rolled back", pgx.ErrTxCommitRollback, types.KindOther, true},
		{"deadline", context.DeadlineExceeded, types.KindCommandTimeout, false},
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

// fakePgxTx records Begin/Commit/Rollback calls on a shared journal.
// Unused pgx.Tx methods panic through the nil embedded interface.
type fakePgxTx struct {
	pgx.Tx
	name     string
	journal  *[]string
	children int
	failNext error
}

func (f *fakePgxTx) Begin(context.Context) (pgx.Tx, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	f.children++
	child := &fakePgxTx{name: fmt.Sprintf("%s.%d", f.name, f.children), journal: f.journal}
	*f.journal = append(*f.journal, "begin "+child.name)
	return child, nil
}

func (f *fakePgxTx) Commit(context.Context) error {
	*f.journal = append(*f.journal, "commit "+f.name)
	return nil
}

func (f *fakePgxTx) Rollback(context.Context) error {
	*f.journal = append(*f.journal, "rollback "+f.name)
	return nil
}

func newFakeTransaction() (*transaction, *[]string) {
	journal := &[]string{}
	return &transaction{tx: &fakePgxTx{name: "root", journal: journal}}, journal
}

func TestTransactionNestedSavepoints(t *testing.T) {
	ctx := context.Background()
	tx, journal := newFakeTransaction()

	require.NoError(t, tx.CreateSavepoint(ctx, "uow_sp_2"))
	require.NoError(t, tx.CreateSavepoint(ctx, "uow_sp_3"))
	require.NoError(t, tx.ReleaseSavepoint(ctx, "uow_sp_3"))
	require.NoError(t, tx.RollbackToSavepoint(ctx, "uow_sp_2"))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, []string{
		"begin root.1",
		"begin root.1.1",
		"commit root.1.1",
		"rollback root.1",
		"commit root",
	}, *journal)
	assert.Empty(t, tx.nested)
}

func TestTransactionRollbackToOuterDropsInnerLevels(t *testing.T) {
	ctx := context.Background()
	tx, journal := newFakeTransaction()

	require.NoError(t, tx.CreateSavepoint(ctx, "uow_sp_2"))
	require.NoError(t, tx.CreateSavepoint(ctx, "uow_sp_3"))
	require.NoError(t, tx.RollbackToSavepoint(ctx, "uow_sp_2"))

	assert.Empty(t, tx.nested)
	assert.Equal(t, "rollback root.1", (*journal)[len(*journal)-1])

	// A fresh level after the rollback hangs off the root again.
	require.NoError(t, tx.CreateSavepoint(ctx, "uow_sp_2"))
	assert.Equal(t, "begin root.2", (*journal)[len(*journal)-1])
}

func TestTransactionUnknownSavepoint(t *testing.T) {
	ctx := context.Background()
	tx, _ := newFakeTransaction()

	err := tx.RollbackToSavepoint(ctx, "uow_sp_9")
	assert.ErrorIs(t, err, errUnknownSavepoint)

	err = tx.ReleaseSavepoint(ctx, "uow_sp_9")
	assert.ErrorIs(t, err, errUnknownSavepoint)
}

func TestTransactionCreateSavepointFailure(t *testing.T) {
	ctx := context.Background()
	journal := &[]string{}
	root := &fakePgxTx{name: "root", journal: journal, failNext: &pgconn.PgError{Code: "25P02"}}
	tx := &transaction{tx: root}

	err := tx.CreateSavepoint(ctx, "uow_sp_2")
	require.Error(t, err)
	assert.Empty(t, tx.nested)
	assert.Empty(t, *journal)
}
