// Package sqlite provides the SQLite engine provider, built on
// github.com/mattn/go-sqlite3. Savepoints are issued as SAVEPOINT,
// ROLLBACK TO SAVEPOINT and RELEASE SAVEPOINT statements.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"

	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/database/internal/sqlconn"
	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

const memoryDatabase = ":memory:"

var (
	openSQLiteDB = func(dsn string) (*sql.DB, error) {
		return sql.Open("sqlite3", dsn)
	}
	pingSQLiteDB = func(ctx context.Context, db *sql.DB) error {
		return db.PingContext(ctx)
	}
)

// Provider hands out links from one SQLite database pool.
type Provider struct {
	db     *sql.DB
	config *config.DatabaseConfig
	logger logger.Logger
}

// NewProvider opens the database file named by cfg.Database, or
// cfg.ConnectionString when set. An in-memory database is limited to a single
// pooled connection so every link sees the same data.
func NewProvider(cfg *config.DatabaseConfig, log logger.Logger) (*Provider, error) {
	dsn := buildDSN(cfg)

	db, err := openSQLiteDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if isMemory(cfg) {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetMaxOpenConns(int(cfg.Pool.Max.Connections))
		db.SetMaxIdleConns(int(cfg.Pool.Idle.Connections))
		db.SetConnMaxLifetime(cfg.Pool.Lifetime.Max)
		db.SetConnMaxIdleTime(cfg.Pool.Idle.Time)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pingSQLiteDB(ctx, db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close SQLite database after ping failure")
		}
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	log.Info().
		Str("database", cfg.Database).
		Msg("Connected to SQLite database")

	return &Provider{db: db, config: cfg, logger: log}, nil
}

func isMemory(cfg *config.DatabaseConfig) bool {
	return cfg.ConnectionString == "" && (cfg.Database == "" || cfg.Database == memoryDatabase)
}

func buildDSN(cfg *config.DatabaseConfig) string {
	if cfg.ConnectionString != "" {
		return cfg.ConnectionString
	}
	path := cfg.Database
	if path == "" {
		path = memoryDatabase
	}
	if cfg.SQLite.BusyTimeout <= 0 {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d", path, sep, cfg.SQLite.BusyTimeout.Milliseconds())
}

// Dialect implements types.Provider.
func (p *Provider) Dialect() types.Dialect {
	return types.Dialect{
		Kind:               types.SQLite,
		Savepoints:         types.SavepointsStatement,
		ReleasesSavepoints: true,
		Isolation:          sql.LevelDefault,
		Placeholder:        squirrel.Question,
	}
}

// Open implements types.Provider.
func (p *Provider) Open(ctx context.Context) (types.Link, error) {
	return sqlconn.Open(ctx, p.db, sqlconn.Options{TxOptions: sqlconn.TxOptionsFor(p.Dialect().Isolation)})
}

// Close closes the pool.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Classify implements types.Provider.
func (p *Provider) Classify(err error) types.Classification {
	return Classify(err)
}

// Classify maps SQLite result codes onto the error taxonomy. Codes after which
// SQLite may roll the transaction back on its own are reported as aborted.
func Classify(err error) types.Classification {
	if c, ok := sqlconn.ClassifyCommon(err); ok {
		return c
	}

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return types.Classification{Kind: types.KindOther}
	}

	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return types.Classification{Kind: types.KindConcurrencyConflict}
	case sqlite3.ErrInterrupt:
		return types.Classification{Kind: types.KindCommandTimeout}
	case sqlite3.ErrReadonly:
		return types.Classification{Kind: types.KindReadOnlyTarget}
	case sqlite3.ErrCantOpen, sqlite3.ErrNotADB:
		return types.Classification{Kind: types.KindConnectionFailure}
	case sqlite3.ErrFull, sqlite3.ErrIoErr, sqlite3.ErrNomem, sqlite3.ErrCorrupt:
		return types.Classification{Kind: types.KindOther, TransactionAborted: true}
	}

	msg := sqliteErr.Error()
	if strings.Contains(msg, "no such savepoint") || strings.Contains(msg, "no transaction is active") {
		return types.Classification{Kind: types.KindOther, TransactionAborted: true}
	}
	return types.Classification{Kind: types.KindOther}
}
