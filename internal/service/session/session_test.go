package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domainErrors "github.com/davidleathers/txsession/internal/domain/errors"
	"github.com/davidleathers/txsession/internal/infrastructure/config"
	"github.com/davidleathers/txsession/internal/infrastructure/database"
	"github.com/davidleathers/txsession/internal/metrics"
	"github.com/davidleathers/txsession/internal/testutil/fakedb"
)

var testParams = ConnectParams{Host: "localhost", Port: 5432, User: "postgres", Password: "postgres", Database: "app"}

func newTestSession(t *testing.T, backend *fakedb.Backend, configure func(*config.DatabaseConfig), opts ...Option) *Session {
	t.Helper()

	cfg := config.Defaults().Database
	if configure != nil {
		configure(&cfg)
	}

	opts = append([]Option{WithDialerFactory(func(ConnectParams) (database.Dialer, error) {
		return backend.Dialer(), nil
	})}, opts...)
	return New(cfg, zaptest.NewLogger(t), opts...)
}

func connected(t *testing.T, backend *fakedb.Backend, configure func(*config.DatabaseConfig), opts ...Option) *Session {
	t.Helper()

	s := newTestSession(t, backend, configure, opts...)
	require.NoError(t, s.Connect(context.Background(), testParams))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func kv(key, value string) [][]byte {
	return [][]byte{[]byte(key), []byte(value)}
}

func sharedMode(cfg *config.DatabaseConfig) {
	cfg.TransactionMode = config.TransactionModeShared
}

func TestSession_NotConnected(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, fakedb.New(), nil)
	id := uuid.New()

	operations := map[string]func() error{
		"open_transaction": func() error { _, err := s.OpenTransaction(ctx); return err },
		"execute":          func() error { _, err := s.Execute(ctx, "insert", kv("a", "1")); return err },
		"execute_in_tx":    func() error { _, err := s.ExecuteInTransaction(ctx, id, "insert", kv("a", "1")); return err },
		"query":            func() error { _, err := s.Query(ctx, "select", nil, []string{"key"}); return err },
		"query_opt":        func() error { _, _, err := s.QueryOpt(ctx, "select", nil, []string{"key"}); return err },
		"query_in_tx":      func() error { _, err := s.QueryInTransaction(ctx, id, "select", nil, []string{"key"}); return err },
		"query_opt_in_tx":  func() error { _, _, err := s.QueryOptInTransaction(ctx, id, "select", nil, []string{"key"}); return err },
		"commit":           func() error { return s.Commit(ctx, id) },
		"rollback":         func() error { return s.Rollback(ctx, id) },
		"commit_all":       func() error { return s.CommitAll(ctx) },
		"rollback_all":     func() error { return s.RollbackAll(ctx) },
		"ping":             func() error { return s.Ping(ctx) },
	}

	for name, op := range operations {
		t.Run(name, func(t *testing.T) {
			err := op()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domainErrors.ErrNotConnected))
		})
	}
	assert.False(t, s.Connected())
}

func TestSession_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("failure leaves session unconnected", func(t *testing.T) {
		backend := fakedb.New()
		backend.FailDial(errors.New("connection refused"))
		s := newTestSession(t, backend, nil)

		err := s.Connect(ctx, testParams)
		require.Error(t, err)
		assert.True(t, domainErrors.IsType(err, domainErrors.ErrorTypeConnection))
		assert.False(t, s.Connected())

		backend.FailDial(nil)
		require.NoError(t, s.Connect(ctx, testParams))
		assert.True(t, s.Connected())
	})

	t.Run("second connect is rejected", func(t *testing.T) {
		s := connected(t, fakedb.New(), nil)

		err := s.Connect(ctx, testParams)
		assert.True(t, errors.Is(err, domainErrors.ErrAlreadyConnected))
		assert.True(t, s.Connected())
	})

	t.Run("dialer factory failure", func(t *testing.T) {
		s := New(config.Defaults().Database, zaptest.NewLogger(t),
			WithDialerFactory(func(ConnectParams) (database.Dialer, error) {
				return nil, errors.New("cannot parse config")
			}))

		err := s.Connect(ctx, testParams)
		assert.True(t, domainErrors.IsType(err, domainErrors.ErrorTypeConnection))
	})
}

func TestSession_Autocommit(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := connected(t, backend, nil)

	n, err := s.Execute(ctx, "insert", kv("a", "1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	n, err = s.Execute(ctx, "insert", kv("b", "2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	rows, err := s.Query(ctx, "select", nil, []string{"value", "key"})
	require.NoError(t, err)
	assert.Equal(t, []database.ProjectedRow{
		{[]byte("1"), []byte("a")},
		{[]byte("2"), []byte("b")},
	}, rows)

	row, found, err := s.QueryOpt(ctx, "select $1", [][]byte{[]byte("b")}, []string{"value"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, database.ProjectedRow{[]byte("2")}, row)

	_, found, err = s.QueryOpt(ctx, "select $1", [][]byte{[]byte("zz")}, []string{"value"})
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = s.QueryOpt(ctx, "select", nil, []string{"value"})
	assert.True(t, errors.Is(err, domainErrors.ErrMultipleRows))

	_, err = s.Query(ctx, "select $1", [][]byte{[]byte("zz")}, []string{"missing"})
	assert.True(t, errors.Is(err, domainErrors.ErrColumnNotFound))

	_, err = s.Execute(ctx, "insert", [][]byte{[]byte("only-key")})
	assert.True(t, domainErrors.IsType(err, domainErrors.ErrorTypeDriver))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.QueriesExecuted)
}

func TestSession_TransactionVisibility(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := connected(t, backend, nil)

	id, err := s.OpenTransaction(ctx)
	require.NoError(t, err)

	n, err := s.ExecuteInTransaction(ctx, id, "insert", kv("a", "1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	inside, err := s.QueryInTransaction(ctx, id, "select", nil, []string{"key"})
	require.NoError(t, err)
	assert.Len(t, inside, 1)

	row, found, err := s.QueryOptInTransaction(ctx, id, "select $1", [][]byte{[]byte("a")}, []string{"value"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, database.ProjectedRow{[]byte("1")}, row)

	outside, err := s.Query(ctx, "select", nil, []string{"key"})
	require.NoError(t, err)
	assert.Empty(t, outside)

	require.NoError(t, s.Rollback(ctx, id))

	outside, err = s.Query(ctx, "select", nil, []string{"key"})
	require.NoError(t, err)
	assert.Empty(t, outside)
	assert.Empty(t, backend.Rows())
}

func TestSession_CommitMakesWritesVisible(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := connected(t, backend, nil)

	id, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	_, err = s.ExecuteInTransaction(ctx, id, "insert", kv("a", "1"))
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, id))
	assert.Equal(t, map[string]string{"a": "1"}, backend.Rows())
	assert.Empty(t, s.OpenTransactions())

	// one session connection remains; the transaction's own was closed
	assert.Equal(t, 1, backend.OpenConns())
}

func TestSession_FinalizedTransactionIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := connected(t, fakedb.New(), nil)

	id, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, id))

	unknown := uuid.New()
	for _, target := range []uuid.UUID{id, unknown} {
		_, err = s.ExecuteInTransaction(ctx, target, "insert", kv("a", "1"))
		assert.True(t, errors.Is(err, domainErrors.ErrTransactionNotFound))

		_, err = s.QueryInTransaction(ctx, target, "select", nil, []string{"key"})
		assert.True(t, errors.Is(err, domainErrors.ErrTransactionNotFound))

		_, _, err = s.QueryOptInTransaction(ctx, target, "select", nil, []string{"key"})
		assert.True(t, errors.Is(err, domainErrors.ErrTransactionNotFound))

		assert.True(t, errors.Is(s.Commit(ctx, target), domainErrors.ErrTransactionNotFound))
		assert.True(t, errors.Is(s.Rollback(ctx, target), domainErrors.ErrTransactionNotFound))
	}
}

func TestSession_CommitFailureStillRemoves(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	backend.FailCommit("bad")
	s := connected(t, backend, nil)

	id, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	_, err = s.ExecuteInTransaction(ctx, id, "insert", kv("bad", "1"))
	require.NoError(t, err)

	err = s.Commit(ctx, id)
	require.Error(t, err)
	assert.True(t, domainErrors.IsType(err, domainErrors.ErrorTypeDriver))
	assert.True(t, errors.Is(s.Commit(ctx, id), domainErrors.ErrTransactionNotFound))
	assert.Equal(t, 1, backend.OpenConns())
}

func TestSession_CommitAll(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := connected(t, backend, nil)

	first, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	second, err := s.OpenTransaction(ctx)
	require.NoError(t, err)

	_, err = s.ExecuteInTransaction(ctx, first, "insert", kv("a", "1"))
	require.NoError(t, err)
	_, err = s.ExecuteInTransaction(ctx, second, "insert", kv("b", "2"))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first, second}, s.OpenTransactions())

	require.NoError(t, s.CommitAll(ctx))
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, backend.Rows())
	assert.Empty(t, s.OpenTransactions())

	// nothing open is not an error
	require.NoError(t, s.CommitAll(ctx))
}

func TestSession_CommitAllStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	backend.FailCommit("bad")
	s := connected(t, backend, nil)

	ids := make([]uuid.UUID, 3)
	for i, key := range []string{"a", "bad", "c"} {
		id, err := s.OpenTransaction(ctx)
		require.NoError(t, err)
		_, err = s.ExecuteInTransaction(ctx, id, "insert", kv(key, "v"))
		require.NoError(t, err)
		ids[i] = id
	}

	err := s.CommitAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ids[1].String())
	assert.True(t, domainErrors.IsType(err, domainErrors.ErrorTypeDriver))

	assert.Equal(t, map[string]string{"a": "v"}, backend.Rows())
	assert.Equal(t, []uuid.UUID{ids[2]}, s.OpenTransactions())

	require.NoError(t, s.Commit(ctx, ids[2]))
	assert.Equal(t, map[string]string{"a": "v", "c": "v"}, backend.Rows())
}

func TestSession_RollbackAll(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := connected(t, backend, nil)

	for _, key := range []string{"a", "b"} {
		id, err := s.OpenTransaction(ctx)
		require.NoError(t, err)
		_, err = s.ExecuteInTransaction(ctx, id, "insert", kv(key, "v"))
		require.NoError(t, err)
	}

	require.NoError(t, s.RollbackAll(ctx))
	assert.Empty(t, backend.Rows())
	assert.Empty(t, s.OpenTransactions())
	assert.Equal(t, 1, backend.OpenConns())
}

func TestSession_SharedMode(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := connected(t, backend, sharedMode)

	id, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Dials())

	_, err = s.OpenTransaction(ctx)
	assert.True(t, errors.Is(err, domainErrors.ErrConnectionBusy))

	_, err = s.Execute(ctx, "insert", kv("x", "1"))
	assert.True(t, errors.Is(err, domainErrors.ErrConnectionBusy))

	_, err = s.ExecuteInTransaction(ctx, id, "insert", kv("a", "1"))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, id))

	_, err = s.Execute(ctx, "insert", kv("b", "2"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, backend.Rows())

	// a failed open does not leave a reserved slot behind
	assert.Empty(t, s.OpenTransactions())
	_, err = s.OpenTransaction(ctx)
	require.NoError(t, err)
}

func TestSession_MaxOpenTransactions(t *testing.T) {
	ctx := context.Background()
	s := connected(t, fakedb.New(), func(cfg *config.DatabaseConfig) {
		cfg.MaxOpenTransactions = 2
	})

	first, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	_, err = s.OpenTransaction(ctx)
	require.NoError(t, err)

	_, err = s.OpenTransaction(ctx)
	assert.True(t, errors.Is(err, domainErrors.ErrTooManyTransactions))

	require.NoError(t, s.Rollback(ctx, first))
	_, err = s.OpenTransaction(ctx)
	assert.NoError(t, err)
}

func TestSession_OpenFailureReleasesConnection(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := connected(t, backend, nil)

	backend.FailDial(errors.New("too many clients"))
	_, err := s.OpenTransaction(ctx)
	require.Error(t, err)
	assert.True(t, domainErrors.IsType(err, domainErrors.ErrorTypeConnection))
	assert.Empty(t, s.OpenTransactions())
	assert.Equal(t, 1, backend.OpenConns())
}

func TestSession_IDsAreNeverReissued(t *testing.T) {
	ctx := context.Background()
	a := uuid.MustParse("6f1c2f4e-8a3b-4d5c-9e7f-0a1b2c3d4e5f")
	b := uuid.MustParse("0d9e8f7a-6b5c-4d3e-8f1a-2b3c4d5e6f70")

	sequence := []uuid.UUID{a, a, uuid.Nil, b}
	var mu sync.Mutex
	gen := func() (uuid.UUID, error) {
		mu.Lock()
		defer mu.Unlock()
		id := sequence[0]
		sequence = sequence[1:]
		return id, nil
	}

	s := connected(t, fakedb.New(), nil, WithIDGenerator(gen))

	first, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, first)
	require.NoError(t, s.Commit(ctx, first))

	second, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	assert.Equal(t, b, second)
}

func TestSession_ConcurrentOpensAreUnique(t *testing.T) {
	ctx := context.Background()
	s := connected(t, fakedb.New(), nil)

	const workers = 20
	ids := make(chan uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.OpenTransaction(ctx)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uuid.UUID]bool)
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, s.OpenTransactions(), workers)
	require.NoError(t, s.RollbackAll(ctx))
}

func TestSession_FinalizeWaitsForInFlightStatement(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := connected(t, backend, nil)

	id, err := s.OpenTransaction(ctx)
	require.NoError(t, err)

	blocked, release := backend.Block()
	execDone := make(chan error, 1)
	go func() {
		_, err := s.ExecuteInTransaction(ctx, id, "block", nil)
		execDone <- err
	}()
	<-blocked

	commitDone := make(chan error, 1)
	go func() { commitDone <- s.Commit(ctx, id) }()

	assert.Never(t, func() bool { return len(commitDone) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	// removed from the registry before the statement finished
	assert.Eventually(t, func() bool { return len(s.OpenTransactions()) == 0 }, time.Second, 5*time.Millisecond)
	_, err = s.ExecuteInTransaction(ctx, id, "insert", kv("a", "1"))
	assert.True(t, errors.Is(err, domainErrors.ErrTransactionNotFound))

	release()
	require.NoError(t, <-execDone)
	require.NoError(t, <-commitDone)
}

func TestSession_Close(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := newTestSession(t, backend, nil)

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Connect(ctx, testParams))

	id, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	_, err = s.ExecuteInTransaction(ctx, id, "insert", kv("a", "1"))
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	assert.False(t, s.Connected())
	assert.Empty(t, s.OpenTransactions())
	assert.Empty(t, backend.Rows())
	assert.Zero(t, backend.OpenConns())

	require.NoError(t, s.Connect(ctx, testParams))
	assert.True(t, s.Connected())
	require.NoError(t, s.Close(ctx))
}

func TestSession_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	s := connected(t, fakedb.New(), nil, WithMetrics(reg))

	first, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	second, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(reg.OpenTransactions))

	_, err = s.Execute(ctx, "insert", kv("a", "1"))
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, first))
	require.NoError(t, s.Rollback(ctx, second))

	assert.Equal(t, float64(2), testutil.ToFloat64(reg.TransactionsTotal.WithLabelValues(metrics.TxOpened)))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.TransactionsTotal.WithLabelValues(metrics.TxCommitted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.TransactionsTotal.WithLabelValues(metrics.TxRolledBack)))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.StatementsTotal.WithLabelValues("execute", metrics.ScopeAutocommit, "ok")))
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.OpenTransactions))
}

func TestSession_Ping(t *testing.T) {
	s := connected(t, fakedb.New(), nil)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestSession_PingWhileSharedTransactionOpen(t *testing.T) {
	ctx := context.Background()
	s := connected(t, fakedb.New(), sharedMode)

	id, err := s.OpenTransaction(ctx)
	require.NoError(t, err)

	assert.True(t, errors.Is(s.Ping(ctx), domainErrors.ErrConnectionBusy))

	require.NoError(t, s.Rollback(ctx, id))
	assert.NoError(t, s.Ping(ctx))
}

func TestSession_ReconnectAfterLostConnection(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := connected(t, backend, nil)

	id, err := s.OpenTransaction(ctx)
	require.NoError(t, err)
	_, err = s.ExecuteInTransaction(ctx, id, "insert", kv("a", "1"))
	require.NoError(t, err)

	stmtCtx, cancel := context.WithCancel(ctx)
	blocked, _ := backend.Block()
	execDone := make(chan error, 1)
	go func() {
		_, err := s.Execute(stmtCtx, "block", nil)
		execDone <- err
	}()
	<-blocked
	cancel()

	err = <-execDone
	assert.True(t, errors.Is(err, domainErrors.ErrConnectionLost))
	assert.False(t, s.Connected())

	_, err = s.Execute(ctx, "insert", kv("x", "1"))
	assert.True(t, errors.Is(err, domainErrors.ErrConnectionLost))

	// the transaction runs on its own connection and is unaffected
	_, err = s.ExecuteInTransaction(ctx, id, "insert", kv("b", "2"))
	require.NoError(t, err)

	require.NoError(t, s.Connect(ctx, testParams))
	assert.True(t, s.Connected())

	_, err = s.Execute(ctx, "insert", kv("c", "3"))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, s.OpenTransactions())

	require.NoError(t, s.Commit(ctx, id))
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, backend.Rows())
	assert.Equal(t, 1, backend.OpenConns())

	err = s.Connect(ctx, testParams)
	assert.True(t, errors.Is(err, domainErrors.ErrAlreadyConnected))
}

func TestSession_SharedTransactionLostWithConnection(t *testing.T) {
	ctx := context.Background()
	backend := fakedb.New()
	s := connected(t, backend, sharedMode)

	id, err := s.OpenTransaction(ctx)
	require.NoError(t, err)

	stmtCtx, cancel := context.WithCancel(ctx)
	blocked, _ := backend.Block()
	queryDone := make(chan error, 1)
	go func() {
		_, err := s.QueryInTransaction(stmtCtx, id, "block", nil, []string{"key"})
		queryDone <- err
	}()
	<-blocked
	cancel()

	assert.True(t, errors.Is(<-queryDone, domainErrors.ErrConnectionLost))
	assert.False(t, s.Connected())
	assert.True(t, errors.Is(s.Ping(ctx), domainErrors.ErrConnectionLost))

	require.NoError(t, s.Connect(ctx, testParams))
	assert.Empty(t, s.OpenTransactions())

	_, err = s.ExecuteInTransaction(ctx, id, "insert", kv("a", "1"))
	assert.True(t, errors.Is(err, domainErrors.ErrTransactionNotFound))

	id, err = s.OpenTransaction(ctx)
	require.NoError(t, err)
	_, err = s.ExecuteInTransaction(ctx, id, "insert", kv("a", "1"))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, id))
	assert.Equal(t, map[string]string{"a": "1"}, backend.Rows())
	assert.Equal(t, 1, backend.OpenConns())
}
