// Package testing provides an in-memory fake provider for exercising
// connections, nested transactions and the unit-of-work coordinator without a
// real database.
//
// FakeProvider records every engine call in one ordered log shared by all the
// links it opens, so tests can assert the exact sequence of begins, savepoints,
// commits and rollbacks a scenario produced:
//
//	p := NewFakeProvider(types.SQLite, types.SavepointsStatement)
//	p.ExpectScalar("SELECT qty", int64(3))
//	p.FailOn("exec SAVEPOINT uow_sp_3", errors.New("disk full"))
//
//	// run code under test
//
//	AssertOps(t, p, "open", "begin", "exec SAVEPOINT uow_sp_2", "commit", "close")
//
// For engine behaviour (real savepoints, real locking) use the sqlite provider
// with an in-memory database or the containers helpers.
package testing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/squirrel"

	"github.com/gaborage/go-bricks-txn/database/types"
)

// ErrForcedRollback is recognized by the default classifier as an error after
// which the engine has rolled back the whole transaction.
var ErrForcedRollback = errors.New("fake: transaction rolled back by the server")

// Recorded operation names.
const (
	OpOpen     = "open"
	OpBegin    = "begin"
	OpCommit   = "commit"
	OpRollback = "rollback"
	OpClose    = "close"
)

type failure struct {
	op  string
	err error
}

// FakeProvider is a types.Provider whose links and transactions record their
// calls instead of talking to an engine. It is safe for concurrent use.
type FakeProvider struct {
	dialect    types.Dialect
	classifier func(error) types.Classification

	mu        sync.Mutex
	ops       []string
	failures  []failure
	scalars   []scalarExpectation
	rowSets   []rowsExpectation
	affected  []affectedExpectation
	openLinks int
	closed    bool
}

type scalarExpectation struct {
	pattern string
	value   any
}

type rowsExpectation struct {
	pattern string
	rows    *RowSet
}

type affectedExpectation struct {
	pattern string
	n       int64
}

// NewFakeProvider creates a fake provider for the given engine and savepoint
// capability. Releases are enabled for every mode except SavepointsUnsupported.
func NewFakeProvider(kind types.EngineKind, mode types.SavepointMode) *FakeProvider {
	placeholder := squirrel.PlaceholderFormat(squirrel.Question)
	switch kind {
	case types.PostgreSQL:
		placeholder = squirrel.Dollar
	case types.Oracle:
		placeholder = squirrel.Colon
	}
	return &FakeProvider{
		dialect: types.Dialect{
			Kind:               kind,
			Savepoints:         mode,
			ReleasesSavepoints: mode != types.SavepointsUnsupported,
			Isolation:          sql.LevelDefault,
			Placeholder:        placeholder,
		},
		classifier: defaultClassify,
	}
}

// WithoutReleases makes the dialect report that savepoints cannot be released.
func (p *FakeProvider) WithoutReleases() *FakeProvider {
	p.dialect.ReleasesSavepoints = false
	return p
}

// WithClassifier replaces the error classifier.
func (p *FakeProvider) WithClassifier(fn func(error) types.Classification) *FakeProvider {
	p.classifier = fn
	return p
}

// FailOn makes the next operation whose recorded name starts with op fail
// with err. Each call arms one failure.
func (p *FakeProvider) FailOn(op string, err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, failure{op: op, err: err})
	return p
}

// ExpectScalar makes scalar queries containing pattern return value.
func (p *FakeProvider) ExpectScalar(pattern string, value any) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scalars = append(p.scalars, scalarExpectation{pattern: pattern, value: value})
	return p
}

// ExpectRows makes reader queries containing pattern return rows.
func (p *FakeProvider) ExpectRows(pattern string, rows *RowSet) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rowSets = append(p.rowSets, rowsExpectation{pattern: pattern, rows: rows})
	return p
}

// ExpectRowsAffected makes non-queries containing pattern report n rows.
func (p *FakeProvider) ExpectRowsAffected(pattern string, n int64) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.affected = append(p.affected, affectedExpectation{pattern: pattern, n: n})
	return p
}

// Dialect implements types.Provider.
func (p *FakeProvider) Dialect() types.Dialect {
	return p.dialect
}

// Classify implements types.Provider.
func (p *FakeProvider) Classify(err error) types.Classification {
	return p.classifier(err)
}

// Open implements types.Provider.
func (p *FakeProvider) Open(_ context.Context) (types.Link, error) {
	if err := p.record(OpOpen); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.openLinks++
	p.mu.Unlock()
	return &FakeLink{provider: p}, nil
}

// Close implements types.Provider.
func (p *FakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Ops returns a copy of the recorded operation log.
func (p *FakeProvider) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

// ResetOps clears the operation log, keeping expectations and failures.
func (p *FakeProvider) ResetOps() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = nil
}

// OpenLinks returns the number of links opened and not yet closed.
func (p *FakeProvider) OpenLinks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openLinks
}

// Closed reports whether Close was called on the provider.
func (p *FakeProvider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// record appends op to the log and returns an armed failure for it, if any.
func (p *FakeProvider) record(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
	for i, f := range p.failures {
		if strings.HasPrefix(op, f.op) {
			p.failures = append(p.failures[:i], p.failures[i+1:]...)
			return f.err
		}
	}
	return nil
}

func (p *FakeProvider) scalarFor(text string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.scalars {
		if strings.Contains(text, e.pattern) {
			return e.value
		}
	}
	return nil
}

func (p *FakeProvider) rowsFor(text string) *RowSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.rowSets {
		if strings.Contains(text, e.pattern) {
			return e.rows
		}
	}
	return NewRowSet()
}

func (p *FakeProvider) affectedFor(text string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.affected {
		if strings.Contains(text, e.pattern) {
			return e.n
		}
	}
	return 0
}

func defaultClassify(err error) types.Classification {
	switch {
	case errors.Is(err, ErrForcedRollback):
		return types.Classification{Kind: types.KindConcurrencyConflict, TransactionAborted: true}
	case errors.Is(err, context.DeadlineExceeded):
		return types.Classification{Kind: types.KindCommandTimeout}
	default:
		return types.Classification{Kind: types.KindOther}
	}
}

// executor records commands for links and transactions alike.
type executor struct {
	provider *FakeProvider
}

func (e executor) Exec(_ context.Context, cmd types.Command) (int64, error) {
	if err := e.provider.record("exec " + cmd.Text); err != nil {
		return 0, err
	}
	return e.provider.affectedFor(cmd.Text), nil
}

func (e executor) QueryScalar(_ context.Context, cmd types.Command) (any, error) {
	if err := e.provider.record("scalar " + cmd.Text); err != nil {
		return nil, err
	}
	return e.provider.scalarFor(cmd.Text), nil
}

func (e executor) Query(_ context.Context, cmd types.Command, fn func(types.Rows) error) error {
	if err := e.provider.record("query " + cmd.Text); err != nil {
		return err
	}
	return fn(e.provider.rowsFor(cmd.Text).cursor())
}

// FakeLink is the link handed out by FakeProvider.Open.
type FakeLink struct {
	provider *FakeProvider
	closed   bool
}

func (l *FakeLink) Exec(ctx context.Context, cmd types.Command) (int64, error) {
	return executor{l.provider}.Exec(ctx, cmd)
}

func (l *FakeLink) QueryScalar(ctx context.Context, cmd types.Command) (any, error) {
	return executor{l.provider}.QueryScalar(ctx, cmd)
}

func (l *FakeLink) Query(ctx context.Context, cmd types.Command, fn func(types.Rows) error) error {
	return executor{l.provider}.Query(ctx, cmd, fn)
}

// Begin records "begin" and returns a transaction. The transaction implements
// types.NativeSavepointer only for SavepointsNative dialects.
func (l *FakeLink) Begin(_ context.Context) (types.Tx, error) {
	if err := l.provider.record(OpBegin); err != nil {
		return nil, err
	}
	tx := &FakeTx{provider: l.provider}
	if l.provider.dialect.Savepoints == types.SavepointsNative {
		return &NativeFakeTx{FakeTx: tx}, nil
	}
	return tx, nil
}

// Close records "close". Closing twice is an error.
func (l *FakeLink) Close(_ context.Context) error {
	if l.closed {
		return fmt.Errorf("fake: link already closed")
	}
	l.closed = true
	l.provider.mu.Lock()
	l.provider.openLinks--
	l.provider.mu.Unlock()
	return l.provider.record(OpClose)
}

// FakeTx is a recorded engine transaction.
type FakeTx struct {
	provider *FakeProvider
	done     bool
}

func (tx *FakeTx) Exec(ctx context.Context, cmd types.Command) (int64, error) {
	return executor{tx.provider}.Exec(ctx, cmd)
}

func (tx *FakeTx) QueryScalar(ctx context.Context, cmd types.Command) (any, error) {
	return executor{tx.provider}.QueryScalar(ctx, cmd)
}

func (tx *FakeTx) Query(ctx context.Context, cmd types.Command, fn func(types.Rows) error) error {
	return executor{tx.provider}.Query(ctx, cmd, fn)
}

// Commit records "commit".
func (tx *FakeTx) Commit(_ context.Context) error {
	if tx.done {
		return sql.ErrTxDone
	}
	tx.done = true
	return tx.provider.record(OpCommit)
}

// Rollback records "rollback".
func (tx *FakeTx) Rollback(_ context.Context) error {
	if tx.done {
		return sql.ErrTxDone
	}
	tx.done = true
	return tx.provider.record(OpRollback)
}

// Done reports whether the transaction was committed or rolled back.
func (tx *FakeTx) Done() bool {
	return tx.done
}

// NativeFakeTx adds the native savepoint API to FakeTx.
type NativeFakeTx struct {
	*FakeTx
}

func (tx *NativeFakeTx) CreateSavepoint(_ context.Context, name string) error {
	return tx.provider.record("savepoint " + name)
}

func (tx *NativeFakeTx) RollbackToSavepoint(_ context.Context, name string) error {
	return tx.provider.record("rollback to " + name)
}

func (tx *NativeFakeTx) ReleaseSavepoint(_ context.Context, name string) error {
	return tx.provider.record("release " + name)
}

// Source hands out one fake provider per database key ("" is the primary).
type Source map[string]*FakeProvider

// Provider returns the fake registered for identity.
func (s Source) Provider(_ context.Context, identity types.Identity) (types.Provider, error) {
	p, ok := s[identity.Key()]
	if !ok {
		return nil, fmt.Errorf("no fake provider for %s", identity)
	}
	return p, nil
}
