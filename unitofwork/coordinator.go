// Package unitofwork coordinates automatic transactions across the primary
// and secondary databases of one unit-of-work context, and runs deferred
// effects once every commit has succeeded.
//
// A Coordinator is confined to a single context (one request or one console
// invocation) and is not safe for concurrent use.
package unitofwork

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gaborage/go-bricks-txn/cache"
	"github.com/gaborage/go-bricks-txn/database"
	"github.com/gaborage/go-bricks-txn/logger"
)

const (
	tracerName = "go-bricks-txn/unitofwork"

	spanModifications = "uow.modifications"
	spanTeardown      = "uow.teardown"
	spanEffects       = "uow.deferred_effects"

	attrAttemptID    = "uow.attempt.id"
	attrDatabases    = "uow.databases"
	attrEffects      = "uow.effects.count"
	attrRollback     = "uow.rollback"
	attrPartial      = "uow.partial_commit"
	attrTeardownMode = "uow.teardown.mode"
)

// attempt is one EnableModifications..Commit/RollbackModifications bracket.
type attempt struct {
	id           string
	primary      *database.Connection
	secondaries  []*database.Connection
	effectsStart int
}

func (a *attempt) joined(conn *database.Connection) bool {
	return conn == a.primary || slices.Contains(a.secondaries, conn)
}

func (a *attempt) add(conn *database.Connection) {
	if conn.Identity().IsPrimary() {
		a.primary = conn
		return
	}
	a.secondaries = append(a.secondaries, conn)
}

// participants lists the joined connections, primary first, then
// secondaries in first-touch order.
func (a *attempt) participants() []*database.Connection {
	conns := make([]*database.Connection, 0, len(a.secondaries)+1)
	if a.primary != nil {
		conns = append(conns, a.primary)
	}
	return append(conns, a.secondaries...)
}

// Coordinator opens connections and automatic transactions on first touch,
// brackets modification attempts with nested levels, and tears everything
// down in a fixed order: primary first, then secondaries in first-touch
// order.
type Coordinator struct {
	registry *database.Registry
	cache    *cache.ReadCache
	log      logger.Logger
	tracer   trace.Tracer

	// automatic holds the keys of connections carrying an automatic outer
	// transaction.
	automatic map[string]bool
	attempt   *attempt
	effects   EffectQueue

	rollbackMarked bool
	draining       bool
}

// NewCoordinator creates a coordinator over registry. rc may be nil when
// the context has no read cache.
func NewCoordinator(registry *database.Registry, rc *cache.ReadCache, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		registry:  registry,
		cache:     rc,
		log:       log,
		tracer:    otel.Tracer(tracerName),
		automatic: make(map[string]bool),
	}
}

// Primary touches the primary database and returns its connection.
func (c *Coordinator) Primary(ctx context.Context) (*database.Connection, error) {
	conn, err := c.registry.Primary(ctx)
	if err != nil {
		return nil, err
	}
	return conn, c.touch(ctx, conn)
}

// Database touches the named secondary database and returns its connection.
func (c *Coordinator) Database(ctx context.Context, name string) (*database.Connection, error) {
	conn, err := c.registry.Secondary(ctx, name)
	if err != nil {
		return nil, err
	}
	return conn, c.touch(ctx, conn)
}

// touch opens conn, begins its automatic transaction when it is eligible
// and has none, and joins it to the active attempt.
func (c *Coordinator) touch(ctx context.Context, conn *database.Connection) error {
	if !conn.IsOpen() {
		if err := conn.Open(ctx); err != nil {
			return err
		}
	}

	key := conn.Identity().Key()
	if conn.Identity().AutomaticTransactions() && !c.automatic[key] {
		if err := conn.BeginTransaction(ctx, true); err != nil {
			return err
		}
		c.automatic[key] = true
		c.log.Debug().
			Str("database", conn.Identity().String()).
			Msg("Began automatic transaction")
	}

	if c.attempt != nil && !c.attempt.joined(conn) {
		return c.join(ctx, conn)
	}
	return nil
}

func (c *Coordinator) join(ctx context.Context, conn *database.Connection) error {
	if err := conn.BeginTransaction(ctx, true); err != nil {
		return err
	}
	c.attempt.add(conn)
	return nil
}

// ModificationsEnabled reports whether an attempt is active.
func (c *Coordinator) ModificationsEnabled() bool {
	return c.attempt != nil
}

// RollbackMarked reports whether the context's transactions will be rolled
// back at teardown.
func (c *Coordinator) RollbackMarked() bool {
	return c.rollbackMarked
}

// EnableModifications starts an attempt. Every connection already created
// that is eligible for automatic transactions is opened if needed and given
// a nested level; connections touched later join on first touch.
func (c *Coordinator) EnableModifications(ctx context.Context) error {
	if c.attempt != nil {
		return ErrModificationsAlreadyEnabled
	}
	c.attempt = &attempt{id: uuid.NewString(), effectsStart: c.effects.Len()}

	for _, conn := range c.registry.Connections() {
		if !conn.Identity().AutomaticTransactions() {
			continue
		}
		if err := c.touch(ctx, conn); err != nil {
			return errors.Join(err, c.RollbackModifications(ctx))
		}
	}

	c.log.Debug().
		Str("uow_attempt", c.attempt.id).
		Int("participants", len(c.attempt.participants())).
		Msg("Modifications enabled")
	return nil
}

// PreExecuteCommitTimeValidationMethods runs the commit-time validators of
// every participating connection now, primary first, and returns the first
// failure. Transaction state is left untouched.
func (c *Coordinator) PreExecuteCommitTimeValidationMethods(ctx context.Context) error {
	if c.attempt == nil {
		return ErrNoActiveModification
	}
	for _, conn := range c.attempt.participants() {
		if err := conn.PreExecuteCommitTimeValidationMethods(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CommitModifications commits the attempt's level on every participant,
// primary first, and ends the attempt. On failure the remaining
// participants are rolled back, the context is marked for rollback and the
// attempt's effects are discarded. A failure after a real commit already
// happened on another database is returned as a *PartialCommitError.
func (c *Coordinator) CommitModifications(ctx context.Context) error {
	a := c.attempt
	if a == nil {
		return ErrNoActiveModification
	}
	c.attempt = nil

	participants := a.participants()
	var committed []string
	for i, conn := range participants {
		outermost := conn.NestingLevel() == 1
		err := conn.CommitTransaction(ctx)
		if err == nil {
			if outermost {
				committed = append(committed, conn.Identity().String())
			}
			continue
		}

		c.markRollback(a)
		// Consumes the failed-commit flag, or rolls back the level a failed
		// validation or release left open.
		var errs []error
		if rbErr := conn.RollbackTransaction(ctx); rbErr != nil && !errors.Is(rbErr, database.ErrNoTransaction) {
			errs = append(errs, rbErr)
		}
		if closeErr := c.closeIfManual(ctx, conn); closeErr != nil {
			errs = append(errs, closeErr)
		}
		rolledBack, restErr := c.rollbackAll(ctx, participants[i+1:])
		rbErr := errors.Join(append(errs, restErr)...)
		if len(committed) > 0 {
			partial := &PartialCommitError{
				Committed:  committed,
				Failed:     conn.Identity().String(),
				RolledBack: rolledBack,
				Err:        err,
			}
			c.log.Error().
				Err(err).
				Str("uow_attempt", a.id).
				Str("database", partial.Failed).
				Msg("Partial commit: databases committed before the failure cannot be rolled back")
			return errors.Join(partial, rbErr)
		}
		return errors.Join(err, rbErr)
	}
	return nil
}

// RollbackModifications marks the context for rollback and rolls back the
// attempt's level on every participant, primary first. Participants without
// an automatic transaction hold no other work and are closed as well.
func (c *Coordinator) RollbackModifications(ctx context.Context) error {
	a := c.attempt
	if a == nil {
		return ErrNoActiveModification
	}
	c.attempt = nil
	c.markRollback(a)

	_, err := c.rollbackAll(ctx, a.participants())
	c.log.Debug().
		Str("uow_attempt", a.id).
		Msg("Modifications rolled back")
	return err
}

func (c *Coordinator) markRollback(a *attempt) {
	c.rollbackMarked = true
	c.effects.Truncate(a.effectsStart)
}

func (c *Coordinator) rollbackAll(ctx context.Context, conns []*database.Connection) ([]string, error) {
	var (
		names []string
		errs  []error
	)
	for _, conn := range conns {
		if conn.InTransaction() {
			if err := conn.RollbackTransaction(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.closeIfManual(ctx, conn); err != nil {
			errs = append(errs, err)
		}
		names = append(names, conn.Identity().String())
	}
	return names, errors.Join(errs...)
}

// closeIfManual closes conn unless it carries an automatic transaction.
func (c *Coordinator) closeIfManual(ctx context.Context, conn *database.Connection) error {
	if c.automatic[conn.Identity().Key()] {
		return nil
	}
	return conn.Close(ctx)
}

// ExecuteWithModificationsEnabled runs work inside a modification attempt.
// On success the validators run and the attempt commits; on any failure the
// attempt rolls back and the error is returned. The read cache is disabled
// while work runs and reset afterwards in every case. A call made while an
// attempt is already active joins that attempt.
func (c *Coordinator) ExecuteWithModificationsEnabled(ctx context.Context, work func(ctx context.Context) error) (err error) {
	if c.attempt != nil {
		return work(ctx)
	}

	if err := c.EnableModifications(ctx); err != nil {
		return err
	}
	a := c.attempt

	ctx, span := c.tracer.Start(ctx, spanModifications,
		trace.WithAttributes(attribute.String(attrAttemptID, a.id)))
	defer func() {
		span.SetAttributes(attribute.Int(attrDatabases, len(a.participants())))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.Bool(attrPartial, errors.Is(err, ErrPartialCommit)))
		}
		span.End()
	}()

	if c.cache != nil {
		c.cache.Disable()
		defer c.cache.Reset()
	}

	defer func() {
		if r := recover(); r != nil {
			if c.attempt == a {
				_ = c.RollbackModifications(ctx)
			}
			panic(r)
		}
	}()

	if err := work(ctx); err != nil {
		return c.abandon(ctx, err)
	}
	if err := c.PreExecuteCommitTimeValidationMethods(ctx); err != nil {
		return c.abandon(ctx, err)
	}
	return c.CommitModifications(ctx)
}

// abandon rolls back the active attempt after cause.
func (c *Coordinator) abandon(ctx context.Context, cause error) error {
	if c.attempt == nil {
		return cause
	}
	id := c.attempt.id
	rbErr := c.RollbackModifications(ctx)
	c.log.Warn().
		Err(cause).
		Str("uow_attempt", id).
		Msg("Modification attempt failed and was rolled back")
	if rbErr != nil {
		return errors.Join(cause, fmt.Errorf("rollback after failed attempt: %w", rbErr))
	}
	return cause
}

// AddNonTransactionalModificationMethod queues fn to run after every commit
// of the context succeeds. It is legal inside an attempt and from inside a
// running deferred effect.
func (c *Coordinator) AddNonTransactionalModificationMethod(fn Effect) error {
	if c.attempt == nil && !c.draining {
		return ErrNoActiveModification
	}
	c.effects.Add(fn)
	return nil
}

// PendingEffects returns the number of queued deferred effects.
func (c *Coordinator) PendingEffects() int {
	return c.effects.Len()
}

type teardownMode int

const (
	teardownCommit teardownMode = iota
	teardownRollback
	teardownCleanup
)

func (m teardownMode) String() string {
	switch m {
	case teardownRollback:
		return "rollback"
	case teardownCleanup:
		return "cleanup"
	default:
		return "commit"
	}
}

// CommitTransactions ends the unit of work: every connection is committed
// (or rolled back when the context is marked for rollback) and closed,
// primary first. When all commits succeed and no rollback was marked the
// deferred effects run in FIFO order. cacheEnabled selects whether the read
// cache is re-enabled after the reset or left disabled.
func (c *Coordinator) CommitTransactions(ctx context.Context, cacheEnabled bool) error {
	return c.teardown(ctx, teardownCommit, cacheEnabled)
}

// RollbackTransactions marks the context for rollback and tears it down.
// Deferred effects are discarded.
func (c *Coordinator) RollbackTransactions(ctx context.Context, cacheEnabled bool) error {
	return c.teardown(ctx, teardownRollback, cacheEnabled)
}

// CommitTransactionsForCleanup is CommitTransactions for teardown paths
// where running effects could re-open connections. Effects never run; if
// any were queued they are discarded and ErrDeferredEffectsForbidden is
// returned.
func (c *Coordinator) CommitTransactionsForCleanup(ctx context.Context, cacheEnabled bool) error {
	return c.teardown(ctx, teardownCleanup, cacheEnabled)
}

func (c *Coordinator) teardown(ctx context.Context, mode teardownMode, cacheEnabled bool) (err error) {
	ctx, span := c.tracer.Start(ctx, spanTeardown,
		trace.WithAttributes(attribute.String(attrTeardownMode, mode.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var errs []error
	if c.attempt != nil {
		c.log.Warn().
			Str("uow_attempt", c.attempt.id).
			Msg("Tearing down with an active modification attempt, rolling it back")
		if rbErr := c.RollbackModifications(ctx); rbErr != nil {
			errs = append(errs, rbErr)
		}
	}
	if mode == teardownRollback {
		c.rollbackMarked = true
	}

	if closeErr := c.closeConnections(ctx); closeErr != nil {
		errs = append(errs, closeErr)
	}

	if c.cache != nil {
		c.cache.Reset()
		if !cacheEnabled {
			c.cache.Disable()
		}
	}

	rollback := c.rollbackMarked
	c.rollbackMarked = false
	c.automatic = make(map[string]bool)
	span.SetAttributes(attribute.Bool(attrRollback, rollback))

	if len(errs) > 0 || rollback {
		c.effects.Truncate(0)
		return errors.Join(errs...)
	}
	if mode == teardownCleanup {
		if n := c.effects.Len(); n > 0 {
			c.effects.Truncate(0)
			return fmt.Errorf("%w: %d discarded", ErrDeferredEffectsForbidden, n)
		}
		return nil
	}
	drainErr := c.drainEffects(ctx)
	return errors.Join(drainErr, c.closeReopened(ctx, drainErr != nil))
}

// closeReopened ends the transactions deferred effects began by touching
// databases and closes their connections. The effects' writes commit
// unless the drain or one of its attempts failed.
func (c *Coordinator) closeReopened(ctx context.Context, drainFailed bool) error {
	if c.attempt == nil && !slices.ContainsFunc(c.registry.Connections(), (*database.Connection).IsOpen) {
		return nil
	}

	var errs []error
	if c.attempt != nil {
		errs = append(errs, c.RollbackModifications(ctx))
	}
	if drainFailed {
		c.rollbackMarked = true
	}
	c.log.Debug().
		Bool("rollback", c.rollbackMarked).
		Msg("Closing connections reopened by deferred effects")

	errs = append(errs, c.closeConnections(ctx))
	c.rollbackMarked = false
	c.automatic = make(map[string]bool)
	c.effects.Truncate(0)
	return errors.Join(errs...)
}

// closeConnections commits or rolls back the automatic transaction of every
// connection and closes it. A commit failure marks the rest of the chain for
// rollback.
func (c *Coordinator) closeConnections(ctx context.Context) error {
	var (
		committed  []string
		rolledBack []string
		failed     string
		failure    error
		errs       []error
	)

	for _, conn := range c.registry.Connections() {
		if !conn.IsOpen() {
			continue
		}
		name := conn.Identity().String()

		if conn.InTransaction() && c.automatic[conn.Identity().Key()] {
			switch {
			case c.rollbackMarked:
				errs = append(errs, unwind(ctx, conn)...)
				rolledBack = append(rolledBack, name)
			case conn.NestingLevel() > 1:
				c.rollbackMarked = true
				failed, failure = name, fmt.Errorf("%s database: %w (level %d)", name, errUnbalancedTransaction, conn.NestingLevel())
				errs = append(errs, unwind(ctx, conn)...)
				rolledBack = append(rolledBack, name)
			default:
				if err := conn.CommitTransaction(ctx); err != nil {
					c.rollbackMarked = true
					failed, failure = name, err
					if rbErr := conn.RollbackTransaction(ctx); rbErr != nil {
						errs = append(errs, rbErr)
					}
				} else {
					committed = append(committed, name)
				}
			}
		}

		// Close also rolls back a transaction the caller began and left open.
		if err := conn.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if failure != nil {
		if len(committed) > 0 {
			c.log.Error().
				Err(failure).
				Str("database", failed).
				Msg("Partial commit: databases committed before the failure cannot be rolled back")
			failure = &PartialCommitError{Committed: committed, Failed: failed, RolledBack: rolledBack, Err: failure}
		}
		errs = append([]error{failure}, errs...)
	}
	return errors.Join(errs...)
}

// unwind rolls conn back through every open level.
func unwind(ctx context.Context, conn *database.Connection) []error {
	var errs []error
	for conn.InTransaction() {
		if err := conn.RollbackTransaction(ctx); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return errs
}

func (c *Coordinator) drainEffects(ctx context.Context) error {
	if c.effects.Len() == 0 {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, spanEffects)
	defer span.End()

	c.draining = true
	defer func() { c.draining = false }()

	ran, err := c.effects.Drain(ctx)
	span.SetAttributes(attribute.Int(attrEffects, ran))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Error().
			Err(err).
			Int("completed", ran).
			Msg("Deferred effect failed")
		return fmt.Errorf("deferred effect failed: %w", err)
	}
	return nil
}
