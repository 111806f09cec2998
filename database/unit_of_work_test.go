package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-txn/config"
	dbtest "github.com/gaborage/go-bricks-txn/database/testing"
	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

func TestGetUnitOfWorkIDReturning(t *testing.T) {
	ctx := context.Background()
	p := sqliteFake().ExpectScalar("RETURNING id", int64(7))
	c := openTestConnection(t, p)

	_, err := c.GetUnitOfWorkID(ctx)
	assert.ErrorIs(t, err, ErrNoTransaction)

	require.NoError(t, c.BeginTransaction(ctx, true))
	id, err := c.GetUnitOfWorkID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	require.NoError(t, c.BeginTransaction(ctx, true))
	id, err = c.GetUnitOfWorkID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, 1, dbtest.CountOps(p, "scalar INSERT INTO unit_of_works (started_at) VALUES (?) RETURNING id"))

	require.NoError(t, c.CommitTransaction(ctx))
	require.NoError(t, c.CommitTransaction(ctx))

	require.NoError(t, c.BeginTransaction(ctx, true))
	_, err = c.GetUnitOfWorkID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dbtest.CountOps(p, "scalar INSERT INTO unit_of_works"), "a new top-level transaction gets a new id")
}

func TestGetUnitOfWorkIDOracleSequence(t *testing.T) {
	ctx := context.Background()
	p := dbtest.NewFakeProvider(types.Oracle, types.SavepointsStatement).
		WithoutReleases().
		ExpectScalar("CURRVAL", "12")

	cfg := &config.DatabaseConfig{Type: "oracle"}
	cfg.UnitOfWork.Table = "uow"
	cfg.UnitOfWork.Sequence = "uow_seq"
	c := NewConnection(types.Identity{Engine: types.Oracle, Config: cfg}, p, logger.Nop(), nil)
	require.NoError(t, c.Open(ctx))
	require.NoError(t, c.BeginTransaction(ctx, true))

	id, err := c.GetUnitOfWorkID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	dbtest.AssertOpRecorded(t, p, "exec INSERT INTO uow (id,started_at) VALUES (uow_seq.NEXTVAL,:1)")
	dbtest.AssertOpRecorded(t, p, "scalar SELECT uow_seq.CURRVAL FROM DUAL")
}

func TestGetUnitOfWorkIDWithoutRow(t *testing.T) {
	ctx := context.Background()
	c := openTestConnection(t, sqliteFake())
	require.NoError(t, c.BeginTransaction(ctx, true))

	_, err := c.GetUnitOfWorkID(ctx)
	assert.ErrorContains(t, err, "returned no row")
}

func TestAsInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
	}{
		{int64(5), 5},
		{int32(6), 6},
		{7, 7},
		{uint32(8), 8},
		{float64(9), 9},
		{[]byte("10"), 10},
		{"11", 11},
	}
	for _, tt := range tests {
		got, err := asInt64(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := asInt64(struct{}{})
	assert.ErrorContains(t, err, "unexpected unit of work id type")
	_, err = asInt64("abc")
	assert.Error(t, err)
}
