package rest

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/txsession/internal/infrastructure/database"
	"github.com/davidleathers/txsession/internal/service/session"
)

// MockSessionService implements SessionService
type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Connect(ctx context.Context, params session.ConnectParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockSessionService) Connected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockSessionService) OpenTransaction(ctx context.Context) (uuid.UUID, error) {
	args := m.Called(ctx)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockSessionService) OpenTransactions() []uuid.UUID {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]uuid.UUID)
}

func (m *MockSessionService) Execute(ctx context.Context, query string, params [][]byte) (uint64, error) {
	args := m.Called(ctx, query, params)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockSessionService) ExecuteInTransaction(ctx context.Context, id uuid.UUID, query string, params [][]byte) (uint64, error) {
	args := m.Called(ctx, id, query, params)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockSessionService) Query(ctx context.Context, query string, params [][]byte, columns []string) ([]database.ProjectedRow, error) {
	args := m.Called(ctx, query, params, columns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.ProjectedRow), args.Error(1)
}

func (m *MockSessionService) QueryOpt(ctx context.Context, query string, params [][]byte, columns []string) (database.ProjectedRow, bool, error) {
	args := m.Called(ctx, query, params, columns)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(database.ProjectedRow), args.Bool(1), args.Error(2)
}

func (m *MockSessionService) QueryInTransaction(ctx context.Context, id uuid.UUID, query string, params [][]byte, columns []string) ([]database.ProjectedRow, error) {
	args := m.Called(ctx, id, query, params, columns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.ProjectedRow), args.Error(1)
}

func (m *MockSessionService) QueryOptInTransaction(ctx context.Context, id uuid.UUID, query string, params [][]byte, columns []string) (database.ProjectedRow, bool, error) {
	args := m.Called(ctx, id, query, params, columns)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(database.ProjectedRow), args.Bool(1), args.Error(2)
}

func (m *MockSessionService) Commit(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionService) Rollback(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionService) CommitAll(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSessionService) RollbackAll(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSessionService) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSessionService) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
