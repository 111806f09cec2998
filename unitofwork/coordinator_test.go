package unitofwork

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-txn/cache"
	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/database"
	dbtest "github.com/gaborage/go-bricks-txn/database/testing"
	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

// harness wires a coordinator to fakes:
//   - primary: sqlite, statement savepoints, automatic
//   - orders:  postgresql, native savepoints, automatic
//   - audit:   sqlite, statement savepoints, automatic
//   - ledger, archive: sqlite, automatic transactions disabled
type harness struct {
	coord    *Coordinator
	cache    *cache.ReadCache
	catalog  *database.Catalog
	source   dbtest.Source
	primary  *dbtest.FakeProvider
	orders   *dbtest.FakeProvider
	audit    *dbtest.FakeProvider
	ledger   *dbtest.FakeProvider
	archive  *dbtest.FakeProvider
	registry *database.Registry
}

func testConfig() *config.Config {
	manual := config.AutomaticTransactionsConfig{Disabled: true}
	return &config.Config{
		Database: config.DatabaseConfig{Type: "sqlite"},
		Secondary: map[string]config.DatabaseConfig{
			"orders":  {Type: "postgresql"},
			"audit":   {Type: "sqlite"},
			"ledger":  {Type: "sqlite", AutomaticTransactions: manual},
			"archive": {Type: "sqlite", AutomaticTransactions: manual},
		},
	}
}

func newHarness(t *testing.T, opts ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	catalog, err := database.NewCatalog(cfg)
	require.NoError(t, err)

	h := &harness{
		catalog: catalog,
		primary: dbtest.NewFakeProvider(types.SQLite, types.SavepointsStatement),
		orders:  dbtest.NewFakeProvider(types.PostgreSQL, types.SavepointsNative),
		audit:   dbtest.NewFakeProvider(types.SQLite, types.SavepointsStatement),
		ledger:  dbtest.NewFakeProvider(types.SQLite, types.SavepointsStatement),
		archive: dbtest.NewFakeProvider(types.SQLite, types.SavepointsStatement),
	}
	h.source = dbtest.Source{"": h.primary, "orders": h.orders, "audit": h.audit, "ledger": h.ledger, "archive": h.archive}
	h.registry = database.NewRegistry(catalog, h.source, logger.Nop(), nil)
	h.cache = cache.New("test")
	h.coord = NewCoordinator(h.registry, h.cache, logger.Nop())
	return h
}

func (h *harness) resetOps() {
	for _, p := range h.source {
		p.ResetOps()
	}
}

func TestTouchBeginsAutomaticTransactionOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	conn, err := h.coord.Primary(ctx)
	require.NoError(t, err)
	assert.True(t, conn.IsOpen())
	assert.Equal(t, 1, conn.NestingLevel())

	again, err := h.coord.Primary(ctx)
	require.NoError(t, err)
	assert.Same(t, conn, again)

	dbtest.AssertOps(t, h.primary, "open", "begin")
}

func TestTouchWithoutAutomaticTransactions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	conn, err := h.coord.Database(ctx, "ledger")
	require.NoError(t, err)
	assert.True(t, conn.IsOpen())
	assert.False(t, conn.InTransaction())
	dbtest.AssertOps(t, h.ledger, "open")
}

func TestTouchUnknownDatabase(t *testing.T) {
	_, err := newHarness(t).coord.Database(context.Background(), "billing")
	var cfgErr *config.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestFirstTouchInsideAttemptOpensAndBeginsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		first, err := h.coord.Database(ctx, "orders")
		require.NoError(t, err)
		second, err := h.coord.Database(ctx, "orders")
		require.NoError(t, err)
		assert.Same(t, first, second)
		assert.Equal(t, 2, first.NestingLevel())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, dbtest.CountOps(h.orders, dbtest.OpOpen))
	assert.Equal(t, 1, dbtest.CountOps(h.orders, dbtest.OpBegin))
	dbtest.AssertOps(t, h.orders, "open", "begin", "savepoint uow_sp_2", "release uow_sp_2")

	require.NoError(t, h.coord.CommitTransactions(ctx, true))
	dbtest.AssertOps(t, h.orders, "open", "begin", "savepoint uow_sp_2", "release uow_sp_2", "commit", "close")
}

func TestEnableModificationsJoinsEligibleConnections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coord.Primary(ctx)
	require.NoError(t, err)
	ledger, err := h.coord.Database(ctx, "ledger")
	require.NoError(t, err)
	h.resetOps()

	require.NoError(t, h.coord.EnableModifications(ctx))
	assert.True(t, h.coord.ModificationsEnabled())
	dbtest.AssertOps(t, h.primary, "exec SAVEPOINT uow_sp_2")
	dbtest.AssertOps(t, h.ledger)

	// A manual connection joins on touch with a real transaction.
	_, err = h.coord.Database(ctx, "ledger")
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.NestingLevel())
	dbtest.AssertOps(t, h.ledger, "begin")

	assert.ErrorIs(t, h.coord.EnableModifications(ctx), ErrModificationsAlreadyEnabled)

	require.NoError(t, h.coord.PreExecuteCommitTimeValidationMethods(ctx))
	require.NoError(t, h.coord.CommitModifications(ctx))
	assert.False(t, h.coord.ModificationsEnabled())
	dbtest.AssertOps(t, h.primary, "exec SAVEPOINT uow_sp_2", "exec RELEASE SAVEPOINT uow_sp_2")
	dbtest.AssertOps(t, h.ledger, "begin", "commit")
}

func TestAttemptOperationsRequireActiveAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	assert.ErrorIs(t, h.coord.CommitModifications(ctx), ErrNoActiveModification)
	assert.ErrorIs(t, h.coord.RollbackModifications(ctx), ErrNoActiveModification)
	assert.ErrorIs(t, h.coord.PreExecuteCommitTimeValidationMethods(ctx), ErrNoActiveModification)
	assert.ErrorIs(t, h.coord.AddNonTransactionalModificationMethod(func(context.Context) error { return nil }), ErrNoActiveModification)
}

func TestRollbackModifications(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.coord.EnableModifications(ctx))
	_, err := h.coord.Primary(ctx)
	require.NoError(t, err)
	_, err = h.coord.Database(ctx, "orders")
	require.NoError(t, err)
	ledger, err := h.coord.Database(ctx, "ledger")
	require.NoError(t, err)

	require.NoError(t, h.coord.RollbackModifications(ctx))
	assert.True(t, h.coord.RollbackMarked())

	dbtest.AssertOps(t, h.primary, "open", "begin", "exec SAVEPOINT uow_sp_2", "exec ROLLBACK TO SAVEPOINT uow_sp_2")
	dbtest.AssertOps(t, h.orders, "open", "begin", "savepoint uow_sp_2", "rollback to uow_sp_2")
	dbtest.AssertOps(t, h.ledger, "open", "begin", "rollback", "close")
	assert.False(t, ledger.IsOpen())

	// The automatic transactions are rolled back at teardown.
	require.NoError(t, h.coord.CommitTransactions(ctx, true))
	assert.Equal(t, "rollback", h.primary.Ops()[len(h.primary.Ops())-2])
	assert.Equal(t, "rollback", h.orders.Ops()[len(h.orders.Ops())-2])
	dbtest.AssertOpNotRecorded(t, h.primary, dbtest.OpCommit)
	assert.False(t, h.coord.RollbackMarked(), "teardown starts the next unit of work clean")
}

func TestExecuteWithModificationsEnabledFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	boom := errors.New("boom")

	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		_, err := h.coord.Primary(ctx)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, h.coord.RollbackMarked())
	assert.False(t, h.coord.ModificationsEnabled())
	dbtest.AssertOps(t, h.primary, "open", "begin", "exec SAVEPOINT uow_sp_2", "exec ROLLBACK TO SAVEPOINT uow_sp_2")
}

func TestValidationFailureBlocksCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var calls []string

	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		conn, err := h.coord.Primary(ctx)
		require.NoError(t, err)
		require.NoError(t, conn.AddCommitTimeValidationMethod(func(context.Context) string {
			calls = append(calls, "first")
			return "quantity must be positive"
		}))
		require.NoError(t, conn.AddCommitTimeValidationMethod(func(context.Context) string {
			calls = append(calls, "second")
			return "customer is blocked"
		}))
		return nil
	})

	require.ErrorIs(t, err, types.ErrValidationFailure)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"quantity must be positive", "customer is blocked"}, verr.Messages)
	assert.Equal(t, []string{"first", "second"}, calls)
	dbtest.AssertOpNotRecorded(t, h.primary, "exec RELEASE")
	dbtest.AssertOpRecorded(t, h.primary, "exec ROLLBACK TO SAVEPOINT uow_sp_2")

	require.NoError(t, h.coord.CommitTransactions(ctx, true))
	dbtest.AssertOpNotRecorded(t, h.primary, dbtest.OpCommit)
}

func TestValidationRunsPrimaryFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var calls []string

	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		for _, touch := range []struct {
			name  string
			touch func() (*database.Connection, error)
		}{
			{"orders", func() (*database.Connection, error) { return h.coord.Database(ctx, "orders") }},
			{"primary", func() (*database.Connection, error) { return h.coord.Primary(ctx) }},
		} {
			conn, err := touch.touch()
			require.NoError(t, err)
			name := touch.name
			require.NoError(t, conn.AddCommitTimeValidationMethod(func(context.Context) string {
				calls = append(calls, name)
				return name + " rejected"
			}))
		}
		return nil
	})

	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "primary", verr.Database)
	assert.Equal(t, []string{"primary"}, calls)
}

func manualPrimary(cfg *config.Config) {
	cfg.Database.AutomaticTransactions = config.AutomaticTransactionsConfig{Disabled: true}
}

func TestCommitModificationsWithManualPrimary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualPrimary)

	require.NoError(t, h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		if _, err := h.coord.Database(ctx, "ledger"); err != nil {
			return err
		}
		_, err := h.coord.Primary(ctx)
		return err
	}))

	dbtest.AssertOps(t, h.primary, "open", "begin", "commit", "close")
	dbtest.AssertOps(t, h.ledger, "open", "begin", "commit", "close")
}

func TestPrimaryCommitFailureIsNotPartialWhenSecondaryTouchedFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualPrimary)
	h.primary.FailOn(dbtest.OpCommit, errors.New("connection reset"))

	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		if _, err := h.coord.Database(ctx, "ledger"); err != nil {
			return err
		}
		_, err := h.coord.Primary(ctx)
		return err
	})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialCommit)
	dbtest.AssertOpNotRecorded(t, h.ledger, dbtest.OpCommit)
	assert.Equal(t, []string{"rollback", "close"}, h.ledger.Ops()[len(h.ledger.Ops())-2:])
	assert.Zero(t, h.ledger.OpenLinks())
}

func TestNestedExecuteWithModificationsEnabledJoinsAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		_, err := h.coord.Primary(ctx)
		require.NoError(t, err)
		return h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
			conn, err := h.coord.Primary(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, conn.NestingLevel())
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dbtest.CountOps(h.primary, "exec SAVEPOINT"))
}

func TestExecuteWithModificationsEnabledPanicRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	assert.Panics(t, func() {
		_ = h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
			_, err := h.coord.Primary(ctx)
			require.NoError(t, err)
			panic("unexpected")
		})
	})
	assert.False(t, h.coord.ModificationsEnabled())
	assert.True(t, h.coord.RollbackMarked())
	assert.True(t, h.cache.Enabled())
	dbtest.AssertOpRecorded(t, h.primary, "exec ROLLBACK TO SAVEPOINT uow_sp_2")
}

func TestReadCacheDisabledDuringWritesAndResetAfter(t *testing.T) {
	ctx := context.Background()

	for _, fail := range []bool{false, true} {
		t.Run(fmt.Sprintf("fail=%v", fail), func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, cache.Set(ctx, h.cache, "customer:1", "Ada"))

			_ = h.coord.ExecuteWithModificationsEnabled(ctx, func(context.Context) error {
				assert.False(t, h.cache.Enabled())
				if fail {
					return errors.New("boom")
				}
				return nil
			})

			assert.True(t, h.cache.Enabled())
			assert.Zero(t, h.cache.Len())
		})
	}
}

func TestCommitModificationsPartialCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.archive.FailOn(dbtest.OpCommit, errors.New("disk full"))

	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		for _, name := range []string{"ledger", "archive", "audit"} {
			if _, err := h.coord.Database(ctx, name); err != nil {
				return err
			}
		}
		return h.coord.AddNonTransactionalModificationMethod(func(context.Context) error {
			t.Fatal("effect of a failed attempt must not run")
			return nil
		})
	})

	require.ErrorIs(t, err, ErrPartialCommit)
	var partial *PartialCommitError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"ledger"}, partial.Committed)
	assert.Equal(t, "archive", partial.Failed)
	assert.Equal(t, []string{"audit"}, partial.RolledBack)
	assert.True(t, h.coord.RollbackMarked())
	assert.Zero(t, h.coord.PendingEffects())

	dbtest.AssertOps(t, h.ledger, "open", "begin", "commit")
	dbtest.AssertOps(t, h.archive, "open", "begin", "commit", "close")
	dbtest.AssertOps(t, h.audit, "open", "begin", "exec SAVEPOINT uow_sp_2", "exec ROLLBACK TO SAVEPOINT uow_sp_2")

	require.NoError(t, h.coord.CommitTransactions(ctx, true))
	dbtest.AssertOps(t, h.audit, "open", "begin", "exec SAVEPOINT uow_sp_2", "exec ROLLBACK TO SAVEPOINT uow_sp_2", "rollback", "close")
}

func TestCommitTransactionsPartialCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.orders.FailOn(dbtest.OpCommit, errors.New("could not serialize access"))
	var ran bool

	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		for _, touch := range []func() error{
			func() error { _, err := h.coord.Primary(ctx); return err },
			func() error { _, err := h.coord.Database(ctx, "orders"); return err },
			func() error { _, err := h.coord.Database(ctx, "audit"); return err },
		} {
			if err := touch(); err != nil {
				return err
			}
		}
		return h.coord.AddNonTransactionalModificationMethod(func(context.Context) error {
			ran = true
			return nil
		})
	})
	require.NoError(t, err)

	err = h.coord.CommitTransactions(ctx, true)
	require.ErrorIs(t, err, ErrPartialCommit)
	var partial *PartialCommitError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"primary"}, partial.Committed)
	assert.Equal(t, "orders", partial.Failed)
	assert.Equal(t, []string{"audit"}, partial.RolledBack)
	assert.False(t, ran, "effects never run after a failed commit")
	assert.Zero(t, h.coord.PendingEffects())

	assert.Equal(t, []string{"commit", "close"}, h.primary.Ops()[len(h.primary.Ops())-2:])
	assert.Equal(t, []string{"commit", "close"}, h.orders.Ops()[len(h.orders.Ops())-2:])
	assert.Equal(t, []string{"rollback", "close"}, h.audit.Ops()[len(h.audit.Ops())-2:])
}

func TestCommitFailureOnFirstDatabaseIsNotPartial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.primary.FailOn(dbtest.OpCommit, errors.New("connection reset"))

	_, err := h.coord.Primary(ctx)
	require.NoError(t, err)
	_, err = h.coord.Database(ctx, "orders")
	require.NoError(t, err)

	err = h.coord.CommitTransactions(ctx, true)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialCommit)
	assert.Equal(t, []string{"rollback", "close"}, h.orders.Ops()[len(h.orders.Ops())-2:])
}

func TestDeferredEffectsRunAfterCommitsInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var order []string

	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		_, err := h.coord.Primary(ctx)
		require.NoError(t, err)
		_, err = h.coord.Database(ctx, "orders")
		require.NoError(t, err)

		require.NoError(t, h.coord.AddNonTransactionalModificationMethod(func(context.Context) error {
			assert.Equal(t, 1, dbtest.CountOps(h.primary, dbtest.OpCommit), "primary committed before effects")
			assert.Equal(t, 1, dbtest.CountOps(h.orders, dbtest.OpCommit), "orders committed before effects")
			order = append(order, "first")
			return h.coord.AddNonTransactionalModificationMethod(func(context.Context) error {
				order = append(order, "enqueued by first")
				return nil
			})
		}))
		return h.coord.AddNonTransactionalModificationMethod(func(context.Context) error {
			order = append(order, "second")
			return nil
		})
	})
	require.NoError(t, err)
	assert.Empty(t, order, "effects wait for the commit of the unit of work")

	require.NoError(t, h.coord.CommitTransactions(ctx, true))
	assert.Equal(t, []string{"first", "second", "enqueued by first"}, order)
	assert.Zero(t, h.coord.PendingEffects())

	require.NoError(t, h.coord.CommitTransactions(ctx, true))
	assert.Len(t, order, 3, "effects run exactly once")
}

func TestDeferredEffectsOfRolledBackAttemptNeverRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var ran []string

	require.NoError(t, h.coord.ExecuteWithModificationsEnabled(ctx, func(context.Context) error {
		return h.coord.AddNonTransactionalModificationMethod(func(context.Context) error {
			ran = append(ran, "committed attempt")
			return nil
		})
	}))
	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(context.Context) error {
		require.NoError(t, h.coord.AddNonTransactionalModificationMethod(func(context.Context) error {
			ran = append(ran, "failed attempt")
			return nil
		}))
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, h.coord.PendingEffects(), "only the failed attempt's effects are dropped")

	// The context is marked for rollback, so nothing runs at teardown.
	require.NoError(t, h.coord.CommitTransactions(ctx, true))
	assert.Empty(t, ran)
	assert.Zero(t, h.coord.PendingEffects())
}

func TestDeferredEffectFailureClearsQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	boom := errors.New("broker unavailable")
	var ran int

	require.NoError(t, h.coord.ExecuteWithModificationsEnabled(ctx, func(context.Context) error {
		require.NoError(t, h.coord.AddNonTransactionalModificationMethod(func(context.Context) error { return boom }))
		return h.coord.AddNonTransactionalModificationMethod(func(context.Context) error {
			ran++
			return nil
		})
	}))

	err := h.coord.CommitTransactions(ctx, true)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, ran)
	assert.Zero(t, h.coord.PendingEffects())
}

func TestDeferredEffectWritesCommitAndClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.coord.ExecuteWithModificationsEnabled(ctx, func(context.Context) error {
		return h.coord.AddNonTransactionalModificationMethod(func(ctx context.Context) error {
			return h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
				conn, err := h.coord.Database(ctx, "audit")
				if err != nil {
					return err
				}
				_, err = conn.ExecuteNonQuery(ctx, types.NewCommand("INSERT INTO audit VALUES (1)"), false)
				return err
			})
		})
	}))

	require.NoError(t, h.coord.CommitTransactions(ctx, true))
	dbtest.AssertOps(t, h.audit,
		"open", "begin", "exec SAVEPOINT uow_sp_2", "exec INSERT INTO audit VALUES (1)",
		"exec RELEASE SAVEPOINT uow_sp_2", "commit", "close")
	assert.Zero(t, h.audit.OpenLinks())
	assert.False(t, h.coord.RollbackMarked())
}

func TestDeferredEffectFailureRollsBackReopenedConnections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	boom := errors.New("broker unavailable")

	require.NoError(t, h.coord.ExecuteWithModificationsEnabled(ctx, func(context.Context) error {
		require.NoError(t, h.coord.AddNonTransactionalModificationMethod(func(ctx context.Context) error {
			_, err := h.coord.Database(ctx, "audit")
			return err
		}))
		return h.coord.AddNonTransactionalModificationMethod(func(context.Context) error { return boom })
	}))

	err := h.coord.CommitTransactions(ctx, true)
	require.ErrorIs(t, err, boom)
	dbtest.AssertOps(t, h.audit, "open", "begin", "rollback", "close")
	assert.Zero(t, h.audit.OpenLinks())
	assert.False(t, h.coord.RollbackMarked())
}

func TestCommitTransactionsForCleanupNeverRunsEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var ran bool

	require.NoError(t, h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		_, err := h.coord.Primary(ctx)
		require.NoError(t, err)
		return h.coord.AddNonTransactionalModificationMethod(func(context.Context) error {
			ran = true
			return nil
		})
	}))

	err := h.coord.CommitTransactionsForCleanup(ctx, true)
	assert.ErrorIs(t, err, ErrDeferredEffectsForbidden)
	assert.False(t, ran)
	assert.Zero(t, h.coord.PendingEffects())
	dbtest.AssertOpRecorded(t, h.primary, dbtest.OpCommit)
}

func TestCommitTransactionsForCleanupWithoutEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.coord.Primary(ctx)
	require.NoError(t, err)

	require.NoError(t, h.coord.CommitTransactionsForCleanup(ctx, true))
	assert.Equal(t, []string{"commit", "close"}, h.primary.Ops()[len(h.primary.Ops())-2:])
}

func TestRollbackTransactions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.coord.Primary(ctx)
	require.NoError(t, err)
	_, err = h.coord.Database(ctx, "ledger")
	require.NoError(t, err)

	require.NoError(t, h.coord.RollbackTransactions(ctx, false))
	dbtest.AssertOps(t, h.primary, "open", "begin", "rollback", "close")
	dbtest.AssertOps(t, h.ledger, "open", "close")
	assert.False(t, h.cache.Enabled(), "cache stays disabled when asked")
}

func TestTeardownRollsBackActiveAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.coord.EnableModifications(ctx))
	_, err := h.coord.Primary(ctx)
	require.NoError(t, err)

	require.NoError(t, h.coord.CommitTransactions(ctx, true))
	assert.False(t, h.coord.ModificationsEnabled())
	dbtest.AssertOps(t, h.primary, "open", "begin", "exec SAVEPOINT uow_sp_2", "exec ROLLBACK TO SAVEPOINT uow_sp_2", "rollback", "close")
}

func TestTeardownRejectsUnbalancedLevels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn, err := h.coord.Primary(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.BeginTransaction(ctx, true))

	err = h.coord.CommitTransactions(ctx, true)
	assert.ErrorIs(t, err, errUnbalancedTransaction)
	dbtest.AssertOps(t, h.primary, "open", "begin", "exec SAVEPOINT uow_sp_2", "exec ROLLBACK TO SAVEPOINT uow_sp_2", "rollback", "close")
}

func TestForcedRollbackDuringAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.primary.FailOn("exec UPDATE", dbtest.ErrForcedRollback)

	err := h.coord.ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
		conn, err := h.coord.Primary(ctx)
		require.NoError(t, err)
		_, err = conn.ExecuteNonQuery(ctx, types.NewCommand("UPDATE stock SET qty = qty - 1"), false)
		return err
	})
	require.ErrorIs(t, err, types.ErrConcurrencyConflict)

	require.NoError(t, h.coord.CommitTransactions(ctx, true))
	// The engine already dropped the transaction: no savepoint rollback and
	// no outer rollback reach it.
	dbtest.AssertOpNotRecorded(t, h.primary, "exec ROLLBACK TO")
	dbtest.AssertOpNotRecorded(t, h.primary, dbtest.OpRollback)
	dbtest.AssertOpNotRecorded(t, h.primary, dbtest.OpCommit)
	assert.Equal(t, "close", h.primary.Ops()[len(h.primary.Ops())-1])
}

func TestConnectionsReopenAfterTeardown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.coord.Primary(ctx)
	require.NoError(t, err)
	require.NoError(t, h.coord.CommitTransactions(ctx, true))

	conn, err := h.coord.Primary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.NestingLevel())
	assert.Equal(t, 2, dbtest.CountOps(h.primary, dbtest.OpOpen))
	assert.Equal(t, 2, dbtest.CountOps(h.primary, dbtest.OpBegin))
}
