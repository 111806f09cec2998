package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/gaborage/go-bricks-txn/database/types"
)

const (
	defaultUnitOfWorkTable    = "unit_of_works"
	defaultUnitOfWorkSequence = "unit_of_work_seq"
)

// GetUnitOfWorkID returns the id of the current top-level transaction. The
// first call inserts a row into the unit-of-work table; later calls return
// the cached id until the outermost commit or rollback.
func (c *Connection) GetUnitOfWorkID(ctx context.Context) (int64, error) {
	if c.tx == nil {
		return 0, ErrNoTransaction
	}
	if c.unitOfWorkID != nil {
		return *c.unitOfWorkID, nil
	}

	id, err := c.insertUnitOfWork(ctx)
	if err != nil {
		return 0, err
	}
	c.unitOfWorkID = &id
	return id, nil
}

func (c *Connection) insertUnitOfWork(ctx context.Context) (int64, error) {
	table, sequence := defaultUnitOfWorkTable, defaultUnitOfWorkSequence
	if cfg := c.identity.Config; cfg != nil {
		if cfg.UnitOfWork.Table != "" {
			table = cfg.UnitOfWork.Table
		}
		if cfg.UnitOfWork.Sequence != "" {
			sequence = cfg.UnitOfWork.Sequence
		}
	}
	startedAt := time.Now().UTC()

	if c.dialect.Kind == types.Oracle {
		insert, err := types.CommandFrom(c.Builder().
			Insert(table).
			Columns("id", "started_at").
			Values(squirrel.Expr(sequence+".NEXTVAL"), startedAt))
		if err != nil {
			return 0, err
		}
		if _, err := c.ExecuteNonQuery(ctx, insert, false); err != nil {
			return 0, fmt.Errorf("failed to insert unit of work: %w", err)
		}
		value, err := c.ExecuteScalar(ctx, types.NewCommand("SELECT "+sequence+".CURRVAL FROM DUAL"), false)
		if err != nil {
			return 0, fmt.Errorf("failed to read unit of work id: %w", err)
		}
		return asInt64(value)
	}

	insert, err := types.CommandFrom(c.Builder().
		Insert(table).
		Columns("started_at").
		Values(startedAt).
		Suffix("RETURNING id"))
	if err != nil {
		return 0, err
	}
	value, err := c.ExecuteScalar(ctx, insert, false)
	if err != nil {
		return 0, fmt.Errorf("failed to insert unit of work: %w", err)
	}
	return asInt64(value)
}

// asInt64 converts the numeric shapes drivers return for integer columns.
func asInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, fmt.Errorf("unit of work id query returned no row")
	default:
		return 0, fmt.Errorf("unexpected unit of work id type %T", value)
	}
}
