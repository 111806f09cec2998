package database

import (
	"context"
	"errors"
	"time"

	"github.com/gaborage/go-bricks-txn/database/internal/rowtracker"
	"github.com/gaborage/go-bricks-txn/database/types"
)

const (
	kindNonQuery = "non_query"
	kindScalar   = "scalar"
	kindReader   = "reader"
)

// readerError carries an error returned by a reader callback through the
// provider untranslated.
type readerError struct {
	err error
}

func (e *readerError) Error() string { return e.err.Error() }
func (e *readerError) Unwrap() error { return e.err }

// ExecuteNonQuery runs cmd and returns the number of affected rows.
func (c *Connection) ExecuteNonQuery(ctx context.Context, cmd types.Command, longRunning bool) (int64, error) {
	var affected int64
	err := c.execute(ctx, kindNonQuery, cmd, longRunning, func(ctx context.Context, exec types.Executor) (int64, error) {
		n, err := exec.Exec(ctx, cmd)
		affected = n
		return n, err
	})
	return affected, err
}

// ExecuteScalar runs cmd and returns the first column of the first row, or
// nil when there is no row.
func (c *Connection) ExecuteScalar(ctx context.Context, cmd types.Command, longRunning bool) (any, error) {
	var value any
	err := c.execute(ctx, kindScalar, cmd, longRunning, func(ctx context.Context, exec types.Executor) (int64, error) {
		v, err := exec.QueryScalar(ctx, cmd)
		value = v
		return 0, err
	})
	return value, err
}

// ExecuteReader runs cmd and passes the result set to fn. Errors returned by
// fn are returned as is.
func (c *Connection) ExecuteReader(ctx context.Context, cmd types.Command, longRunning bool, fn func(types.Rows) error) error {
	return c.execute(ctx, kindReader, cmd, longRunning, func(ctx context.Context, exec types.Executor) (int64, error) {
		var counted *rowtracker.Rows
		err := exec.Query(ctx, cmd, func(rows types.Rows) error {
			counted = rowtracker.Wrap(rows)
			if err := fn(counted); err != nil {
				return &readerError{err: err}
			}
			return nil
		})
		if counted == nil {
			return 0, err
		}
		return counted.Count(), err
	})
}

// execute attaches the open transaction, if any, and the policy timeout to a
// command run.
func (c *Connection) execute(
	ctx context.Context,
	kind string,
	cmd types.Command,
	longRunning bool,
	run func(context.Context, types.Executor) (int64, error),
) error {
	if c.link == nil {
		return ErrNotOpen
	}
	var exec types.Executor = c.link
	if c.tx != nil {
		if err := c.AssertUsable(); err != nil {
			return err
		}
		exec = c.tx
	}

	runCtx := ctx
	timeout := c.timeouts.Timeout(longRunning)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := run(runCtx, exec)
	c.recorder.Command(ctx, kind, cmd.Text, longRunning, start, rows, err)

	var readerErr *readerError
	if errors.As(err, &readerErr) {
		return readerErr.err
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(err, context.DeadlineExceeded)
		}
		c.log.Debug().
			Err(err).
			Str("kind", kind).
			Dur("timeout", timeout).
			Int64("duration_ms", elapsedMillis(start)).
			Msg("Database command failed")
		return c.fail(ctx, "execute", err)
	}

	c.log.Debug().
		Str("kind", kind).
		Int64("duration_ms", elapsedMillis(start)).
		Int64("rows", rows).
		Msg("Database command executed")
	return nil
}
