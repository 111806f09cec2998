package database

import (
	"context"
	"errors"
	"fmt"
)

// Outcome tells ExecuteInTransaction how to end the level it began.
type Outcome int

const (
	// Commit commits the level.
	Commit Outcome = iota
	// Rollback rolls the level back without failing the caller.
	Rollback
)

type txOptions struct {
	savepoint bool
}

// TxOption configures ExecuteInTransaction.
type TxOption func(*txOptions)

// WithoutSavepoint begins a nested level without requesting a savepoint. Such
// a level cannot end with Rollback.
func WithoutSavepoint() TxOption {
	return func(o *txOptions) {
		o.savepoint = false
	}
}

// ExecuteInTransaction begins a transaction level, runs fn and ends the level
// according to its result: an error rolls back and is returned, Commit
// commits, Rollback rolls back. Rollback at a nested level without savepoint
// cannot be honoured; the level is rolled back, leaving the connection
// unusable, and ErrNoSavepointForRollback is returned.
func (c *Connection) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) (Outcome, error), opts ...TxOption) error {
	o := txOptions{savepoint: true}
	for _, opt := range opts {
		opt(&o)
	}

	if err := c.BeginTransaction(ctx, o.savepoint); err != nil {
		return err
	}
	level := c.NestingLevel()
	graceful := level == 1 || c.savepoints[len(c.savepoints)-1].named

	outcome, err := fn(ctx)
	if err != nil {
		return c.rollbackAfter(ctx, err)
	}

	if outcome == Rollback {
		rbErr := c.RollbackTransaction(ctx)
		if !graceful {
			c.log.Error().
				Int("nesting_level", level).
				Msg("Rollback requested for a nested transaction without savepoint")
			return errors.Join(fmt.Errorf("%w (nesting level %d)", ErrNoSavepointForRollback, level), rbErr)
		}
		return rbErr
	}

	if err := c.CommitTransaction(ctx); err != nil {
		return c.rollbackAfter(ctx, err)
	}
	return nil
}

func (c *Connection) rollbackAfter(ctx context.Context, cause error) error {
	if rbErr := c.RollbackTransaction(ctx); rbErr != nil {
		return errors.Join(cause, rbErr)
	}
	return cause
}
