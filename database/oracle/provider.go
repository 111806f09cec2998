// Package oracle provides the Oracle engine provider, built on
// github.com/sijms/go-ora/v2. Oracle has SAVEPOINT and ROLLBACK TO SAVEPOINT
// but no release statement; transactions run serializable.
package oracle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/Masterminds/squirrel"
	go_ora "github.com/sijms/go-ora/v2"

	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/database/internal/sqlconn"
	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

const (
	setSerializable  = "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE"
	setReadCommitted = "SET TRANSACTION ISOLATION LEVEL READ COMMITTED"
)

var (
	openOracleDB = func(dsn string) (*sql.DB, error) {
		return sql.Open("oracle", dsn)
	}
	pingOracleDB = func(ctx context.Context, db *sql.DB) error {
		return db.PingContext(ctx)
	}
)

// Provider hands out links from one Oracle connection pool.
type Provider struct {
	db     *sql.DB
	config *config.DatabaseConfig
	logger logger.Logger
}

// NewProvider opens the pool and checks connectivity.
func NewProvider(cfg *config.DatabaseConfig, log logger.Logger) (*Provider, error) {
	db, err := openOracleDB(buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open Oracle connection: %w", err)
	}

	db.SetMaxOpenConns(int(cfg.Pool.Max.Connections))
	db.SetMaxIdleConns(int(cfg.Pool.Idle.Connections))
	db.SetConnMaxLifetime(cfg.Pool.Lifetime.Max)
	db.SetConnMaxIdleTime(cfg.Pool.Idle.Time)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pingOracleDB(ctx, db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close Oracle database connection after ping failure")
		}
		return nil, fmt.Errorf("failed to ping Oracle database: %w", err)
	}

	ev := log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port)
	if cfg.Oracle.Service.Name != "" {
		ev = ev.Str("service_name", cfg.Oracle.Service.Name)
	} else if cfg.Oracle.Service.SID != "" {
		ev = ev.Str("sid", cfg.Oracle.Service.SID)
	} else {
		ev = ev.Str("database", cfg.Database)
	}
	ev.Msg("Connected to Oracle database")

	return &Provider{db: db, config: cfg, logger: log}, nil
}

func buildDSN(cfg *config.DatabaseConfig) string {
	if cfg.ConnectionString != "" {
		return cfg.ConnectionString
	}
	switch {
	case cfg.Oracle.Service.Name != "":
		return go_ora.BuildUrl(cfg.Host, cfg.Port, cfg.Oracle.Service.Name, cfg.Username, cfg.Password, nil)
	case cfg.Oracle.Service.SID != "":
		urlOpts := map[string]string{"SID": cfg.Oracle.Service.SID}
		return go_ora.BuildUrl(cfg.Host, cfg.Port, "", cfg.Username, cfg.Password, urlOpts)
	default:
		return go_ora.BuildUrl(cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, nil)
	}
}

// Dialect implements types.Provider.
func (p *Provider) Dialect() types.Dialect {
	return types.Dialect{
		Kind:        types.Oracle,
		Savepoints:  types.SavepointsStatement,
		Isolation:   sql.LevelSerializable,
		Placeholder: squirrel.Colon,
	}
}

// Open implements types.Provider. Every transaction begun on the link is
// switched to the dialect's isolation before any other statement.
func (p *Provider) Open(ctx context.Context) (types.Link, error) {
	return sqlconn.Open(ctx, p.db, sqlconn.Options{AfterBegin: isolationStatements(p.Dialect().Isolation)})
}

// isolationStatements returns the SET TRANSACTION statement for level.
// Oracle only offers read committed and serializable.
func isolationStatements(level sql.IsolationLevel) []string {
	switch level {
	case sql.LevelSerializable:
		return []string{setSerializable}
	case sql.LevelReadCommitted:
		return []string{setReadCommitted}
	default:
		return nil
	}
}

// Close closes the pool.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Classify implements types.Provider.
func (p *Provider) Classify(err error) types.Classification {
	return Classify(err)
}

var oraCodePattern = regexp.MustCompile(`ORA-(\d{5})`)

// Classify maps ORA- error codes onto the error taxonomy.
func Classify(err error) types.Classification {
	if c, ok := sqlconn.ClassifyCommon(err); ok {
		return c
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return types.Classification{Kind: types.KindCommandTimeout}
		}
		return types.Classification{Kind: types.KindConnectionFailure, TransactionAborted: true}
	}

	m := oraCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return types.Classification{Kind: types.KindOther}
	}
	code, _ := strconv.Atoi(m[1])

	switch code {
	case 8177, 60: // can't serialize access, deadlock
		return types.Classification{Kind: types.KindConcurrencyConflict}
	case 1013: // user requested cancel
		return types.Classification{Kind: types.KindCommandTimeout}
	case 16000: // database open for read-only access
		return types.Classification{Kind: types.KindReadOnlyTarget}
	case 3113, 3114, 28: // end-of-file on channel, not connected, session killed
		return types.Classification{Kind: types.KindConnectionFailure, TransactionAborted: true}
	case 3135, 12170, 12541, 12514:
		return types.Classification{Kind: types.KindConnectionFailure}
	case 1086, 2091: // savepoint never established, transaction rolled back
		return types.Classification{Kind: types.KindOther, TransactionAborted: true}
	default:
		return types.Classification{Kind: types.KindOther}
	}
}
