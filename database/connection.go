package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/gaborage/go-bricks-txn/database/internal/tracking"
	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

const savepointPrefix = "uow_sp_"

// CommitTimeValidator is a business rule checked immediately before the
// outermost commit. A non-empty return value is a validation message.
type CommitTimeValidator func(ctx context.Context) string

type savepoint struct {
	name  string
	named bool
}

type deathInfo struct {
	reason types.UsabilityReason
	level  int
}

// Connection owns one physical link to one database and the nested
// transaction built on it. Each nesting level beyond the first is tracked by a
// savepoint entry; entries begun without a savepoint cannot be undone on their
// own.
//
// A Connection belongs to exactly one unit-of-work context and is not safe for
// concurrent use.
type Connection struct {
	identity types.Identity
	provider types.Provider
	dialect  types.Dialect
	timeouts *TimeoutPolicy
	log      logger.Logger
	recorder *tracking.Recorder

	link         types.Link
	tx           types.Tx
	savepoints   []savepoint
	dead         *deathInfo
	engineTxGone bool
	commitFailed bool
	validators   []CommitTimeValidator
	unitOfWorkID *int64
}

// NewConnection creates a closed connection to the database described by
// identity. A nil timeouts uses DefaultTimeoutPolicy.
func NewConnection(identity types.Identity, provider types.Provider, log logger.Logger, timeouts *TimeoutPolicy) *Connection {
	if log == nil {
		log = logger.Nop()
	}
	if timeouts == nil {
		timeouts = DefaultTimeoutPolicy()
	}
	dialect := provider.Dialect()
	return &Connection{
		identity: identity,
		provider: provider,
		dialect:  dialect,
		timeouts: timeouts,
		log: log.WithFields(map[string]any{
			"database": identity.String(),
			"db_type":  string(dialect.Kind),
		}),
		recorder: tracking.NewRecorder(string(dialect.Kind), identity.String()),
	}
}

// Identity returns the database this connection belongs to.
func (c *Connection) Identity() types.Identity {
	return c.identity
}

// Dialect returns the engine dialect.
func (c *Connection) Dialect() types.Dialect {
	return c.dialect
}

// IsOpen reports whether the physical link is open.
func (c *Connection) IsOpen() bool {
	return c.link != nil
}

// InTransaction reports whether a transaction is open.
func (c *Connection) InTransaction() bool {
	return c.tx != nil
}

// NestingLevel returns the number of unmatched BeginTransaction calls.
func (c *Connection) NestingLevel() int {
	if c.tx == nil {
		return 0
	}
	return len(c.savepoints) + 1
}

// Builder returns a statement builder using the engine's placeholder format.
func (c *Connection) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(c.dialect.Placeholder)
}

// Open acquires the physical link.
func (c *Connection) Open(ctx context.Context) error {
	if c.link != nil {
		return ErrAlreadyOpen
	}
	link, err := c.provider.Open(ctx)
	if err != nil {
		return c.fail(ctx, "open", err)
	}
	c.link = link
	c.log.Debug().Msg("Database connection opened")
	return nil
}

// Close releases the physical link. A transaction still open is rolled back
// first. Closing a closed connection is a no-op.
func (c *Connection) Close(ctx context.Context) error {
	if c.link == nil {
		return nil
	}

	var errs []error
	if c.tx != nil {
		c.log.Warn().
			Int("nesting_level", c.NestingLevel()).
			Msg("Closing database connection with an open transaction, rolling it back")
		if !c.engineTxGone {
			if err := c.tx.Rollback(ctx); err != nil {
				if cls := c.classify(err); !cls.TransactionAborted {
					errs = append(errs, c.translate("rollback", err, cls))
				}
			}
		}
		c.recorder.Transaction(ctx, tracking.OpRollback, 1, errors.Join(errs...))
		c.resetTransaction()
	}
	c.commitFailed = false

	if err := c.link.Close(ctx); err != nil {
		errs = append(errs, c.translate("close", err, c.classify(err)))
	}
	c.link = nil
	c.log.Debug().Msg("Database connection closed")
	return errors.Join(errs...)
}

// ExecuteWithConnectionOpen runs fn with the connection open, opening it for
// the duration of fn when it was closed.
func (c *Connection) ExecuteWithConnectionOpen(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if c.link != nil {
		return fn(ctx)
	}
	if err := c.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if closeErr := c.Close(ctx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()
	return fn(ctx)
}

// AssertUsable fails with a *types.UsabilityError while the transaction is
// dead, that is until it has been rolled back through its outermost level.
func (c *Connection) AssertUsable() error {
	if c.dead == nil {
		return nil
	}
	return &types.UsabilityError{
		Database: c.identity.String(),
		Reason:   c.dead.reason,
		Level:    c.dead.level,
	}
}

// BeginTransaction opens a transaction, or a nested level when one is already
// open. A nested level gets a savepoint when createSavepointIfNested is set and
// the engine supports savepoints; otherwise it cannot be rolled back on its own.
func (c *Connection) BeginTransaction(ctx context.Context, createSavepointIfNested bool) error {
	if c.link == nil {
		return ErrNotOpen
	}

	if c.tx == nil {
		tx, err := c.link.Begin(ctx)
		c.recorder.Transaction(ctx, tracking.OpBegin, 1, err)
		if err != nil {
			return c.fail(ctx, "begin", err)
		}
		c.tx = tx
		c.validators = nil
		c.commitFailed = false
		return nil
	}

	if err := c.AssertUsable(); err != nil {
		return err
	}

	level := c.NestingLevel() + 1
	if !createSavepointIfNested {
		c.savepoints = append(c.savepoints, savepoint{})
		return nil
	}
	if c.dialect.Savepoints == types.SavepointsUnsupported {
		c.log.Debug().
			Int("nesting_level", level).
			Msg("Engine has no savepoints, nested transaction begins without one")
		c.savepoints = append(c.savepoints, savepoint{})
		return nil
	}

	name := fmt.Sprintf("%s%d", savepointPrefix, level)
	err := c.createSavepoint(ctx, name)
	c.recorder.Transaction(ctx, tracking.OpSavepoint, level, err)
	if err != nil {
		return c.fail(ctx, "begin", err)
	}
	c.savepoints = append(c.savepoints, savepoint{name: name, named: true})
	return nil
}

// CommitTransaction commits the innermost level. At the outermost level the
// commit-time validators run first, in registration order; any message fails
// the commit with a *types.ValidationError and leaves the transaction open for
// the caller to roll back. A failed engine commit ends the transaction, and the
// next RollbackTransaction is a no-op.
func (c *Connection) CommitTransaction(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	if err := c.AssertUsable(); err != nil {
		return err
	}

	if level := c.NestingLevel(); level > 1 {
		return c.commitNested(ctx, level)
	}

	if err := c.runValidators(ctx); err != nil {
		return err
	}

	err := c.tx.Commit(ctx)
	c.recorder.Transaction(ctx, tracking.OpCommit, 1, err)
	c.resetTransaction()
	if err != nil {
		c.commitFailed = true
		c.log.Error().Err(err).Msg("Database commit failed")
		return c.translate("commit", err, c.classify(err))
	}
	return nil
}

func (c *Connection) commitNested(ctx context.Context, level int) error {
	top := c.savepoints[len(c.savepoints)-1]
	if top.named && c.dialect.ReleasesSavepoints {
		err := c.releaseSavepoint(ctx, top.name)
		c.recorder.Transaction(ctx, tracking.OpReleaseSavepoint, level, err)
		if err != nil {
			return c.fail(ctx, "commit", err)
		}
	}
	c.savepoints = c.savepoints[:len(c.savepoints)-1]
	return nil
}

// RollbackTransaction rolls back the innermost level. A nested level with a
// savepoint rolls back to it. A nested level without one leaves the engine
// untouched and marks the transaction dead, since its work can only be undone
// together with the outer levels. While dead, nested rollbacks only unwind
// the stack; the connection becomes usable again once the outermost level is
// rolled back.
func (c *Connection) RollbackTransaction(ctx context.Context) error {
	if c.commitFailed {
		c.commitFailed = false
		return nil
	}
	if c.tx == nil {
		return ErrNoTransaction
	}

	level := c.NestingLevel()
	if level == 1 {
		return c.rollbackOutermost(ctx)
	}

	top := c.savepoints[len(c.savepoints)-1]
	c.savepoints = c.savepoints[:len(c.savepoints)-1]

	switch {
	case c.dead != nil:
		return nil
	case !top.named:
		c.markDead(ctx, types.ReasonNoSavepoint, level)
		return nil
	}

	err := c.rollbackToSavepoint(ctx, top.name)
	c.recorder.Transaction(ctx, tracking.OpRollbackToSavepoint, level, err)
	if err == nil {
		return nil
	}

	cls := c.classify(err)
	if cls.TransactionAborted {
		c.markDead(ctx, types.ReasonForcedRollback, level)
		c.engineTxGone = true
		return nil
	}
	// the level's work is still in the transaction
	c.markDead(ctx, types.ReasonNoSavepoint, level)
	return c.translate("rollback", err, cls)
}

func (c *Connection) rollbackOutermost(ctx context.Context) error {
	var err error
	if !c.engineTxGone {
		err = c.tx.Rollback(ctx)
	}
	c.recorder.Transaction(ctx, tracking.OpRollback, 1, err)
	c.resetTransaction()
	if err == nil {
		return nil
	}
	cls := c.classify(err)
	if cls.TransactionAborted {
		return nil
	}
	return c.translate("rollback", err, cls)
}

// AddCommitTimeValidationMethod registers fn to run before the outermost commit.
func (c *Connection) AddCommitTimeValidationMethod(fn CommitTimeValidator) error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	c.validators = append(c.validators, fn)
	return nil
}

// PreExecuteCommitTimeValidationMethods runs the registered validators now and
// drops them, leaving the transaction open.
func (c *Connection) PreExecuteCommitTimeValidationMethods(ctx context.Context) error {
	if err := c.runValidators(ctx); err != nil {
		return err
	}
	c.validators = nil
	return nil
}

func (c *Connection) runValidators(ctx context.Context) error {
	var messages []string
	for _, validate := range c.validators {
		if msg := validate(ctx); msg != "" {
			messages = append(messages, msg)
		}
	}
	if len(messages) == 0 {
		return nil
	}
	return &types.ValidationError{Database: c.identity.String(), Messages: messages}
}

func (c *Connection) createSavepoint(ctx context.Context, name string) error {
	switch c.dialect.Savepoints {
	case types.SavepointsNative:
		sp, ok := c.tx.(types.NativeSavepointer)
		if !ok {
			return ErrNativeSavepoints
		}
		return sp.CreateSavepoint(ctx, name)
	default:
		_, err := c.tx.Exec(ctx, types.NewCommand(c.dialect.SavepointSQL(name)))
		return err
	}
}

func (c *Connection) rollbackToSavepoint(ctx context.Context, name string) error {
	switch c.dialect.Savepoints {
	case types.SavepointsNative:
		sp, ok := c.tx.(types.NativeSavepointer)
		if !ok {
			return ErrNativeSavepoints
		}
		return sp.RollbackToSavepoint(ctx, name)
	default:
		_, err := c.tx.Exec(ctx, types.NewCommand(c.dialect.RollbackToSavepointSQL(name)))
		return err
	}
}

func (c *Connection) releaseSavepoint(ctx context.Context, name string) error {
	switch c.dialect.Savepoints {
	case types.SavepointsNative:
		sp, ok := c.tx.(types.NativeSavepointer)
		if !ok {
			return ErrNativeSavepoints
		}
		return sp.ReleaseSavepoint(ctx, name)
	default:
		_, err := c.tx.Exec(ctx, types.NewCommand(c.dialect.ReleaseSavepointSQL(name)))
		return err
	}
}

func (c *Connection) markDead(ctx context.Context, reason types.UsabilityReason, level int) {
	if c.dead != nil && (c.dead.reason == reason || reason != types.ReasonForcedRollback) {
		return
	}
	c.dead = &deathInfo{reason: reason, level: level}
	c.recorder.Unusable(ctx, reason.String())
	c.log.Warn().
		Int("nesting_level", level).
		Str("reason", reason.String()).
		Msg("Database transaction is unusable until fully rolled back")
}

func (c *Connection) resetTransaction() {
	c.tx = nil
	c.savepoints = nil
	c.dead = nil
	c.engineTxGone = false
	c.validators = nil
	c.unitOfWorkID = nil
}

func (c *Connection) classify(err error) types.Classification {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Classification{Kind: types.KindCommandTimeout}
	}
	return c.provider.Classify(err)
}

func (c *Connection) translate(op string, err error, cls types.Classification) error {
	if errors.Is(err, ErrNativeSavepoints) {
		return err
	}
	return &types.DatabaseError{
		Kind:     cls.Kind,
		Database: c.identity.String(),
		Op:       op,
		Err:      err,
	}
}

// fail translates err and marks the open transaction dead when the engine
// reports that it rolled the whole transaction back.
func (c *Connection) fail(ctx context.Context, op string, err error) error {
	cls := c.classify(err)
	if cls.TransactionAborted && c.tx != nil {
		c.markDead(ctx, types.ReasonForcedRollback, c.NestingLevel())
		c.engineTxGone = true
	}
	return c.translate(op, err, cls)
}

func elapsedMillis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
