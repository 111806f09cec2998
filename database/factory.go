package database

import (
	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/database/oracle"
	"github.com/gaborage/go-bricks-txn/database/postgresql"
	"github.com/gaborage/go-bricks-txn/database/sqlite"
	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

// NewProvider creates the provider for cfg.Type. Unsupported types and driver
// initialization failures are returned as errors.
func NewProvider(cfg *config.DatabaseConfig, log logger.Logger) (types.Provider, error) {
	kind, err := types.ParseEngineKind(cfg.Type)
	if err != nil {
		return nil, err
	}

	switch kind {
	case types.PostgreSQL:
		return postgresql.NewProvider(cfg, log)
	case types.SQLite:
		return sqlite.NewProvider(cfg, log)
	default:
		return oracle.NewProvider(cfg, log)
	}
}
