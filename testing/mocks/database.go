package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/gaborage/go-bricks-txn/database/types"
)

// MockProvider is a testify mock of types.Provider.
//
//	provider := &mocks.MockProvider{}
//	provider.On("Dialect").Return(sqliteDialect)
//	provider.On("Open", mock.Anything).Return(nil, errors.New("refused"))
type MockProvider struct {
	mock.Mock
}

// Dialect implements types.Provider
func (m *MockProvider) Dialect() types.Dialect {
	return m.Called().Get(0).(types.Dialect)
}

// Open implements types.Provider
func (m *MockProvider) Open(ctx context.Context) (types.Link, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(types.Link), args.Error(1)
}

// Classify implements types.Provider
func (m *MockProvider) Classify(err error) types.Classification {
	return m.Called(err).Get(0).(types.Classification)
}

// Close implements types.Provider
func (m *MockProvider) Close() error {
	return m.Called().Error(0)
}

// ExpectOpen sets up an Open expectation returning link.
func (m *MockProvider) ExpectOpen(link types.Link, err error) *mock.Call {
	return m.On("Open", mock.Anything).Return(link, err)
}

// ExpectClassify classifies every error as kind.
func (m *MockProvider) ExpectClassify(kind types.ErrorKind, aborted bool) *mock.Call {
	return m.On("Classify", mock.Anything).Return(types.Classification{Kind: kind, TransactionAborted: aborted})
}

// MockExecutor is a testify mock of types.Executor, embedded by MockLink
// and MockTx.
type MockExecutor struct {
	mock.Mock
}

// Exec implements types.Executor
func (m *MockExecutor) Exec(ctx context.Context, cmd types.Command) (int64, error) {
	args := m.Called(ctx, cmd.Text)
	return args.Get(0).(int64), args.Error(1)
}

// QueryScalar implements types.Executor
func (m *MockExecutor) QueryScalar(ctx context.Context, cmd types.Command) (any, error) {
	args := m.Called(ctx, cmd.Text)
	return args.Get(0), args.Error(1)
}

// Query implements types.Executor. fn is not invoked.
func (m *MockExecutor) Query(ctx context.Context, cmd types.Command, _ func(types.Rows) error) error {
	return m.Called(ctx, cmd.Text).Error(0)
}

// ExpectExec sets up an Exec expectation on the command text.
func (m *MockExecutor) ExpectExec(text string, affected int64, err error) *mock.Call {
	return m.On("Exec", mock.Anything, text).Return(affected, err)
}

// MockLink is a testify mock of types.Link.
type MockLink struct {
	MockExecutor
}

// Begin implements types.Link
func (m *MockLink) Begin(ctx context.Context) (types.Tx, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(types.Tx), args.Error(1)
}

// Close implements types.Link
func (m *MockLink) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockTx is a testify mock of types.Tx.
type MockTx struct {
	MockExecutor
}

// Commit implements types.Tx
func (m *MockTx) Commit(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// Rollback implements types.Tx
func (m *MockTx) Rollback(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
