//go:build integration

package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/testing/containers"
)

func TestPostgreSQLNestedTransactions(t *testing.T) {
	cfg := containers.StartPostgreSQL(context.Background(), t, nil)

	t.Run("inner rollback keeps outer work", func(t *testing.T) {
		exerciseInnerRollback(t, openEngineConnection(t, cfg))
	})
	t.Run("outer rollback discards inner work", func(t *testing.T) {
		exerciseOuterRollback(t, openEngineConnection(t, cfg))
	})
	t.Run("aborted transaction rolls back", func(t *testing.T) {
		ctx := context.Background()
		c := openEngineConnection(t, cfg)

		require.NoError(t, c.BeginTransaction(ctx, true))
		insertItem(t, c, "lost")
		_, err := c.ExecuteNonQuery(ctx, types.NewCommand("SELECT * FROM missing_table"), false)
		require.Error(t, err)
		require.NoError(t, c.RollbackTransaction(ctx))
		assert.Empty(t, itemNames(t, c))
	})
}

func TestOracleNestedTransactions(t *testing.T) {
	cfg := containers.StartOracle(context.Background(), t, nil)

	t.Run("inner rollback keeps outer work", func(t *testing.T) {
		exerciseInnerRollback(t, openEngineConnection(t, cfg))
	})
	t.Run("outer rollback discards inner work", func(t *testing.T) {
		exerciseOuterRollback(t, openEngineConnection(t, cfg))
	})
}
