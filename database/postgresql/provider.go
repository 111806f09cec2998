// Package postgresql provides the PostgreSQL engine provider, built on pgx/v5
// and its connection pool. Nested levels use pgx pseudo nested transactions,
// which pgx implements with savepoints of its own naming.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

var (
	newPool = func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		return pgxpool.NewWithConfig(ctx, cfg)
	}
	pingPool = func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.Ping(ctx)
	}
)

// Provider hands out links from one pgx connection pool.
type Provider struct {
	pool   *pgxpool.Pool
	config *config.DatabaseConfig
	logger logger.Logger
}

// quoteDSN quotes a DSN value according to libpq rules:
// - Returns double single quotes for empty strings (empty value)
// - Escapes backslashes and single quotes
// - Wraps in single quotes when value contains non-alphanumeric/._- characters
func quoteDSN(value string) string {
	if value == "" {
		return "''"
	}

	needsQuoting := false
	for _, r := range value {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') &&
			(r < '0' || r > '9') && r != '.' && r != '_' && r != '-' {
			needsQuoting = true
			break
		}
	}
	if !needsQuoting {
		return value
	}

	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "'", "\\'")
	return "'" + escaped + "'"
}

func buildDSN(cfg *config.DatabaseConfig) string {
	if cfg.ConnectionString != "" {
		return cfg.ConnectionString
	}
	parts := []string{
		fmt.Sprintf("host=%s", quoteDSN(cfg.Host)),
		fmt.Sprintf("port=%d", cfg.Port),
		fmt.Sprintf("user=%s", quoteDSN(cfg.Username)),
		fmt.Sprintf("password=%s", quoteDSN(cfg.Password)),
		fmt.Sprintf("dbname=%s", quoteDSN(cfg.Database)),
	}
	if cfg.SSLMode != "" {
		parts = append(parts, fmt.Sprintf("sslmode=%s", cfg.SSLMode))
	}
	return strings.Join(parts, " ")
}

// NewProvider creates the pool and checks connectivity.
func NewProvider(cfg *config.DatabaseConfig, log logger.Logger) (*Provider, error) {
	poolConfig, err := pgxpool.ParseConfig(buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}
	if cfg.Pool.Max.Connections > 0 {
		poolConfig.MaxConns = cfg.Pool.Max.Connections
	}
	poolConfig.MinConns = cfg.Pool.Idle.Connections
	if cfg.Pool.Lifetime.Max > 0 {
		poolConfig.MaxConnLifetime = cfg.Pool.Lifetime.Max
	}
	if cfg.Pool.Idle.Time > 0 {
		poolConfig.MaxConnIdleTime = cfg.Pool.Idle.Time
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := newPool(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}
	if err := pingPool(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}

	log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Int("port", int(poolConfig.ConnConfig.Port)).
		Str("database", poolConfig.ConnConfig.Database).
		Msg("Connected to PostgreSQL database")

	return &Provider{pool: pool, config: cfg, logger: log}, nil
}

// Dialect implements types.Provider.
func (p *Provider) Dialect() types.Dialect {
	return types.Dialect{
		Kind:               types.PostgreSQL,
		Savepoints:         types.SavepointsNative,
		ReleasesSavepoints: true,
		Isolation:          sql.LevelRepeatableRead,
		Placeholder:        squirrel.Dollar,
	}
}

// Open acquires a connection from the pool for the life of the link.
func (p *Provider) Open(ctx context.Context) (types.Link, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &link{conn: conn, isoLevel: isoLevel(p.Dialect().Isolation)}, nil
}

// Close closes the pool.
func (p *Provider) Close() error {
	p.pool.Close()
	return nil
}

// Classify implements types.Provider.
func (p *Provider) Classify(err error) types.Classification {
	return Classify(err)
}

// Classify maps pgx and PostgreSQL SQLSTATE errors onto the error taxonomy.
func Classify(err error) types.Classification {
	if errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback) {
		return types.Classification{Kind: types.KindOther, TransactionAborted: true}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization_failure, deadlock_detected
			return types.Classification{Kind: types.KindConcurrencyConflict}
		case pgErr.Code == "57014": // query_canceled
			return types.Classification{Kind: types.KindCommandTimeout}
		case pgErr.Code == "25006": // read_only_sql_transaction
			return types.Classification{Kind: types.KindReadOnlyTarget}
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return types.Classification{Kind: types.KindConnectionFailure, TransactionAborted: true}
		default:
			return types.Classification{Kind: types.KindOther}
		}
	}

	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return types.Classification{Kind: types.KindCommandTimeout}
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return types.Classification{Kind: types.KindConnectionFailure}
	}
	return types.Classification{Kind: types.KindOther}
}

type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func execute(ctx context.Context, q pgxExecutor, cmd types.Command) (int64, error) {
	tag, err := q.Exec(ctx, cmd.Text, cmd.Args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scalar(ctx context.Context, q pgxExecutor, cmd types.Command) (any, error) {
	rows, err := q.Query(ctx, cmd.Text, cmd.Args...)
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
	return value, nil
}

func query(ctx context.Context, q pgxExecutor, cmd types.Command, fn func(types.Rows) error) error {
	rows, err := q.Query(ctx, cmd.Text, cmd.Args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if err := fn(rows); err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

// isoLevel maps a database/sql isolation level to pgx. Snapshot is
// PostgreSQL's repeatable read.
func isoLevel(level sql.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case sql.LevelSerializable:
		return pgx.Serializable
	case sql.LevelRepeatableRead, sql.LevelSnapshot:
		return pgx.RepeatableRead
	case sql.LevelReadCommitted:
		return pgx.ReadCommitted
	case sql.LevelReadUncommitted:
		return pgx.ReadUncommitted
	default:
		return ""
	}
}

type link struct {
	conn     *pgxpool.Conn
	isoLevel pgx.TxIsoLevel
}

func (l *link) Exec(ctx context.Context, cmd types.Command) (int64, error) {
	return execute(ctx, l.conn, cmd)
}

func (l *link) QueryScalar(ctx context.Context, cmd types.Command) (any, error) {
	return scalar(ctx, l.conn, cmd)
}

func (l *link) Query(ctx context.Context, cmd types.Command, fn func(types.Rows) error) error {
	return query(ctx, l.conn, cmd, fn)
}

// Begin starts a transaction at the dialect's isolation level.
func (l *link) Begin(ctx context.Context) (types.Tx, error) {
	tx, err := l.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: l.isoLevel})
	if err != nil {
		return nil, err
	}
	return &transaction{tx: tx}, nil
}

func (l *link) Close(_ context.Context) error {
	l.conn.Release()
	return nil
}

// nestedTx maps a caller savepoint name to the pgx nested transaction
// standing for it.
type nestedTx struct {
	name string
	tx   pgx.Tx
}

type transaction struct {
	tx     pgx.Tx
	nested []nestedTx
}

var errUnknownSavepoint = errors.New("savepoint was never established")

func (t *transaction) Exec(ctx context.Context, cmd types.Command) (int64, error) {
	return execute(ctx, t.tx, cmd)
}

func (t *transaction) QueryScalar(ctx context.Context, cmd types.Command) (any, error) {
	return scalar(ctx, t.tx, cmd)
}

func (t *transaction) Query(ctx context.Context, cmd types.Command, fn func(types.Rows) error) error {
	return query(ctx, t.tx, cmd, fn)
}

func (t *transaction) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *transaction) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

// CreateSavepoint begins a pgx nested transaction on the innermost level.
func (t *transaction) CreateSavepoint(ctx context.Context, name string) error {
	parent := t.tx
	if n := len(t.nested); n > 0 {
		parent = t.nested[n-1].tx
	}
	sub, err := parent.Begin(ctx)
	if err != nil {
		return err
	}
	t.nested = append(t.nested, nestedTx{name: name, tx: sub})
	return nil
}

// RollbackToSavepoint rolls back the nested transaction standing for name
// and forgets it together with any level opened after it.
func (t *transaction) RollbackToSavepoint(ctx context.Context, name string) error {
	i := t.find(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", errUnknownSavepoint, name)
	}
	err := t.nested[i].tx.Rollback(ctx)
	t.nested = t.nested[:i]
	return err
}

// ReleaseSavepoint commits the nested transaction standing for name.
func (t *transaction) ReleaseSavepoint(ctx context.Context, name string) error {
	i := t.find(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", errUnknownSavepoint, name)
	}
	if err := t.nested[i].tx.Commit(ctx); err != nil {
		return err
	}
	t.nested = t.nested[:i]
	return nil
}

func (t *transaction) find(name string) int {
	for i := len(t.nested) - 1; i >= 0; i-- {
		if t.nested[i].name == name {
			return i
		}
	}
	return -1
}
