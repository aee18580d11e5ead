package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domainErrors "github.com/davidleathers/txsession/internal/domain/errors"
	"github.com/davidleathers/txsession/internal/infrastructure/config"
	"github.com/davidleathers/txsession/internal/infrastructure/database"
	"github.com/davidleathers/txsession/internal/infrastructure/telemetry"
	"github.com/davidleathers/txsession/internal/metrics"
)

// ConnectParams identifies the database server and credentials for Connect.
type ConnectParams struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DialerFactory builds the dialer used for the session connection and, in
// dedicated mode, for every transaction connection.
type DialerFactory func(params ConnectParams) (database.Dialer, error)

// Option configures a Session
type Option func(*Session)

// WithMetrics records statement and transaction metrics on reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Session) { s.metrics = reg }
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) { s.tracer = tracer }
}

// WithDialerFactory replaces the pgx dialer.
func WithDialerFactory(factory DialerFactory) Option {
	return func(s *Session) { s.newDialer = factory }
}

// WithIDGenerator replaces the random transaction id source.
func WithIDGenerator(gen func() (uuid.UUID, error)) Option {
	return func(s *Session) { s.txs = newRegistry(gen) }
}

// Session is one client's database session: a single connection plus the set
// of transactions it has opened. It is safe for concurrent use.
type Session struct {
	// mu guards the connect state. Operations hold it shared; Connect and
	// Close hold it exclusively.
	mu     sync.RWMutex
	conn   *database.Connection
	dialer database.Dialer

	cfg       config.DatabaseConfig
	txs       *registry
	newDialer DialerFactory
	logger    *zap.Logger
	metrics   *metrics.Registry
	tracer    trace.Tracer
}

// New creates an unconnected session.
func New(cfg config.DatabaseConfig, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{
		cfg:    cfg,
		txs:    newRegistry(nil),
		logger: logger,
		tracer: telemetry.Tracer("github.com/davidleathers/txsession/session"),
	}
	s.newDialer = func(p ConnectParams) (database.Dialer, error) {
		return database.NewPgxDialer(cfg.ConnString(p.Host, p.Port, p.User, p.Password, p.Database), cfg, logger)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect establishes the session connection. It fails with ALREADY_CONNECTED
// while the session is connected; Close, or losing the connection to a
// cancelled statement, returns the session to the unconnected state.
func (s *Session) Connect(ctx context.Context, params ConnectParams) (err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, s.tracer, "connect",
		attribute.String("server.address", params.Host),
		attribute.Int("server.port", params.Port),
		attribute.String("db.name", params.Database),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.Lost() {
		return domainErrors.NewConflictError("ALREADY_CONNECTED", "session is already connected")
	}

	dialer, err := s.newDialer(params)
	if err != nil {
		return domainErrors.NewConnectionError("invalid connection parameters").WithCause(err)
	}

	conn, err := database.Connect(ctx, dialer, s.logger)
	if err != nil {
		s.logger.Warn("failed to connect session",
			zap.String("host", params.Host),
			zap.Int("port", params.Port),
			zap.String("database", params.Database),
			zap.Error(err),
		)
		return err
	}

	if s.conn != nil {
		s.discardLost(ctx)
	}

	s.conn = conn
	s.dialer = dialer
	s.logger.Info("session connected",
		zap.String("host", params.Host),
		zap.Int("port", params.Port),
		zap.String("database", params.Database),
		zap.String("transaction_mode", s.cfg.TransactionMode),
	)
	return nil
}

// discardLost drops a session connection that was closed underneath the
// session. Transactions running on it are gone with it; transactions on
// their own connections stay open. Must be called with s.mu held exclusively.
func (s *Session) discardLost(ctx context.Context) {
	for _, e := range s.txs.snapshot() {
		if e.conn != nil {
			continue
		}
		detached, open, ok := s.txs.remove(e.id)
		if !ok {
			continue
		}
		s.metrics.SetOpenTransactions(open)
		if err := s.finalize(ctx, detached, finalizeRollback); err != nil {
			s.logger.Debug("transaction lost with session connection",
				zap.String("transaction_id", e.id.String()),
				zap.Error(err),
			)
		}
	}

	if err := s.conn.Close(ctx); err != nil {
		s.logger.Warn("failed to close lost session connection", zap.Error(err))
	}
	s.conn = nil
	s.dialer = nil
}

// Connected reports whether Connect has succeeded, Close has not since run
// and the session connection has not been lost.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && !s.conn.Lost()
}

// OpenTransaction begins a transaction and returns its id.
func (s *Session) OpenTransaction(ctx context.Context) (id uuid.UUID, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, s.tracer, "open_transaction")
	defer func() { telemetry.EndSpan(span, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return uuid.Nil, domainErrors.NewNotConnectedError()
	}

	id, err = s.txs.reserve(s.cfg.MaxOpenTransactions)
	if err != nil {
		return uuid.Nil, err
	}

	e, err := s.begin(ctx, id)
	if err != nil {
		s.txs.cancel()
		s.metrics.TransactionEvent(metrics.TxFailed)
		s.logger.Warn("failed to open transaction", zap.Error(err))
		return uuid.Nil, err
	}

	open := s.txs.insert(e)
	s.metrics.TransactionEvent(metrics.TxOpened)
	s.metrics.SetOpenTransactions(open)
	span.SetAttributes(attribute.String("txsession.transaction_id", id.String()))
	s.logger.Debug("transaction opened",
		zap.String("transaction_id", id.String()),
		zap.Int("open_transactions", open),
	)
	return id, nil
}

func (s *Session) begin(ctx context.Context, id uuid.UUID) (*entry, error) {
	if s.cfg.TransactionMode == config.TransactionModeShared {
		tx, err := s.conn.BeginHeld(ctx)
		if err != nil {
			return nil, err
		}
		return &entry{id: id, tx: tx}, nil
	}

	conn, err := database.Dial(ctx, s.dialer)
	if err != nil {
		return nil, err
	}
	tx, err := database.Begin(ctx, conn)
	if err != nil {
		s.closeConn(conn)
		return nil, err
	}
	return &entry{id: id, tx: tx, conn: conn}, nil
}

// Execute runs a non-returning statement in autocommit mode.
func (s *Session) Execute(ctx context.Context, query string, params [][]byte) (n uint64, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, s.tracer, "execute", attribute.String("db.statement", query))
	defer func() { telemetry.EndSpan(span, err) }()

	conn, release, err := s.connection()
	if err != nil {
		return 0, err
	}
	defer release()

	start := time.Now()
	affected, err := conn.Exec(ctx, query, database.Args(params)...)
	s.observe("execute", metrics.ScopeAutocommit, query, start, err)
	if err != nil {
		return 0, err
	}
	return uint64(affected), nil
}

// ExecuteInTransaction runs a non-returning statement inside transaction id.
func (s *Session) ExecuteInTransaction(ctx context.Context, id uuid.UUID, query string, params [][]byte) (n uint64, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, s.tracer, "execute",
		attribute.String("db.statement", query),
		attribute.String("txsession.transaction_id", id.String()),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	e, release, err := s.transaction(id)
	if err != nil {
		return 0, err
	}
	defer release()

	start := time.Now()
	affected, err := database.Exec(ctx, e.tx, query, database.Args(params)...)
	s.observe("execute", metrics.ScopeTransaction, query, start, err)
	if err != nil {
		return 0, err
	}
	return uint64(affected), nil
}

// Query runs a returning statement in autocommit mode and projects every row
// onto columns.
func (s *Session) Query(ctx context.Context, query string, params [][]byte, columns []string) (rows []database.ProjectedRow, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, s.tracer, "query", attribute.String("db.statement", query))
	defer func() { telemetry.EndSpan(span, err) }()

	conn, release, err := s.connection()
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	rows, err = conn.Query(ctx, query, columns, database.Args(params)...)
	s.observe("query", metrics.ScopeAutocommit, query, start, err)
	return rows, err
}

// QueryOpt runs a returning statement expecting zero or one row. found is
// false when the statement returned no rows.
func (s *Session) QueryOpt(ctx context.Context, query string, params [][]byte, columns []string) (row database.ProjectedRow, found bool, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, s.tracer, "query_opt", attribute.String("db.statement", query))
	defer func() { telemetry.EndSpan(span, err) }()

	conn, release, err := s.connection()
	if err != nil {
		return nil, false, err
	}
	defer release()

	start := time.Now()
	row, found, err = conn.QueryOne(ctx, query, columns, database.Args(params)...)
	s.observe("query_opt", metrics.ScopeAutocommit, query, start, err)
	return row, found, err
}

// QueryInTransaction is Query inside transaction id.
func (s *Session) QueryInTransaction(ctx context.Context, id uuid.UUID, query string, params [][]byte, columns []string) (rows []database.ProjectedRow, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, s.tracer, "query",
		attribute.String("db.statement", query),
		attribute.String("txsession.transaction_id", id.String()),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	e, release, err := s.transaction(id)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	rows, err = database.QueryRows(ctx, e.tx, query, columns, database.Args(params)...)
	s.observe("query", metrics.ScopeTransaction, query, start, err)
	return rows, err
}

// QueryOptInTransaction is QueryOpt inside transaction id.
func (s *Session) QueryOptInTransaction(ctx context.Context, id uuid.UUID, query string, params [][]byte, columns []string) (row database.ProjectedRow, found bool, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, s.tracer, "query_opt",
		attribute.String("db.statement", query),
		attribute.String("txsession.transaction_id", id.String()),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	e, release, err := s.transaction(id)
	if err != nil {
		return nil, false, err
	}
	defer release()

	start := time.Now()
	row, found, err = database.QueryRow(ctx, e.tx, query, columns, database.Args(params)...)
	s.observe("query_opt", metrics.ScopeTransaction, query, start, err)
	return row, found, err
}

// Commit commits transaction id and forgets it. The id is unknown afterwards
// even if the commit fails.
func (s *Session) Commit(ctx context.Context, id uuid.UUID) error {
	return s.finish(ctx, id, finalizeCommit)
}

// Rollback rolls transaction id back and forgets it.
func (s *Session) Rollback(ctx context.Context, id uuid.UUID) error {
	return s.finish(ctx, id, finalizeRollback)
}

// CommitAll commits every open transaction in the order they were opened and
// stops at the first failure. Transactions after the failing one stay open.
func (s *Session) CommitAll(ctx context.Context) error {
	return s.finishAll(ctx, finalizeCommit)
}

// RollbackAll rolls back every open transaction in the order they were opened
// and stops at the first failure.
func (s *Session) RollbackAll(ctx context.Context) error {
	return s.finishAll(ctx, finalizeRollback)
}

// OpenTransactions returns the ids of all open transactions in open order.
func (s *Session) OpenTransactions() []uuid.UUID {
	entries := s.txs.snapshot()
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// Ping checks the session connection.
func (s *Session) Ping(ctx context.Context) error {
	conn, release, err := s.connection()
	if err != nil {
		return err
	}
	defer release()
	return conn.Ping(ctx)
}

// Stats returns statement statistics for the session connection.
func (s *Session) Stats() (database.MetricsSnapshot, error) {
	conn, release, err := s.connection()
	if err != nil {
		return database.MetricsSnapshot{}, err
	}
	defer release()
	return conn.Stats(), nil
}

// Close rolls back every open transaction, closes the session connection and
// returns the session to the unconnected state. Rollback failures are logged
// and do not stop the close. Closing an unconnected session is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	for _, e := range s.txs.drain() {
		if err := s.finalize(ctx, e, finalizeRollback); err != nil {
			s.logger.Warn("rollback on close failed",
				zap.String("transaction_id", e.id.String()),
				zap.Error(err),
			)
		}
	}
	s.metrics.SetOpenTransactions(0)

	err := s.conn.Close(ctx)
	s.conn = nil
	s.dialer = nil
	return err
}

type finalizeOp int

const (
	finalizeCommit finalizeOp = iota
	finalizeRollback
)

func (op finalizeOp) String() string {
	if op == finalizeCommit {
		return "commit"
	}
	return "rollback"
}

func (s *Session) finish(ctx context.Context, id uuid.UUID, op finalizeOp) (err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, s.tracer, op.String(),
		attribute.String("txsession.transaction_id", id.String()),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return domainErrors.NewNotConnectedError()
	}

	e, open, ok := s.txs.remove(id)
	if !ok {
		return notFound(id)
	}
	s.metrics.SetOpenTransactions(open)
	return s.finalize(ctx, e, op)
}

func (s *Session) finishAll(ctx context.Context, op finalizeOp) (err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, s.tracer, op.String()+"_all")
	defer func() { telemetry.EndSpan(span, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return domainErrors.NewNotConnectedError()
	}

	for _, e := range s.txs.snapshot() {
		detached, open, ok := s.txs.remove(e.id)
		if !ok {
			// finalized concurrently
			continue
		}
		s.metrics.SetOpenTransactions(open)
		if err := s.finalize(ctx, detached, op); err != nil {
			return fmt.Errorf("%s of transaction %s failed: %w", op, e.id, err)
		}
	}
	return nil
}

// finalize commits or rolls back a detached entry. It waits for any statement
// still running on the entry, and marks it done so that callers who looked it
// up before removal see NotFound.
func (s *Session) finalize(ctx context.Context, e *entry, op finalizeOp) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.done = true

	start := time.Now()
	var err error
	if op == finalizeCommit {
		err = database.Commit(ctx, e.tx)
	} else {
		err = database.Rollback(ctx, e.tx)
	}
	s.metrics.ObserveStatement(op.String(), metrics.ScopeTransaction, time.Since(start), err)

	if e.conn != nil {
		s.closeConn(e.conn)
	}

	if err != nil {
		s.metrics.TransactionEvent(metrics.TxFailed)
		s.logger.Warn("transaction finalization failed",
			zap.String("transaction_id", e.id.String()),
			zap.Stringer("operation", op),
			zap.Error(err),
		)
		return err
	}

	if op == finalizeCommit {
		s.metrics.TransactionEvent(metrics.TxCommitted)
	} else {
		s.metrics.TransactionEvent(metrics.TxRolledBack)
	}
	s.logger.Debug("transaction finalized",
		zap.String("transaction_id", e.id.String()),
		zap.Stringer("operation", op),
	)
	return nil
}

// connection returns the session connection with the connect state held
// shared until release is called.
func (s *Session) connection() (*database.Connection, func(), error) {
	s.mu.RLock()
	if s.conn == nil {
		s.mu.RUnlock()
		return nil, nil, domainErrors.NewNotConnectedError()
	}
	return s.conn, s.mu.RUnlock, nil
}

// transaction returns the entry for id locked for exclusive use.
func (s *Session) transaction(id uuid.UUID) (*entry, func(), error) {
	s.mu.RLock()
	if s.conn == nil {
		s.mu.RUnlock()
		return nil, nil, domainErrors.NewNotConnectedError()
	}

	e, err := s.txs.acquire(id)
	if err != nil {
		s.mu.RUnlock()
		return nil, nil, err
	}
	return e, func() {
		e.mu.Unlock()
		s.mu.RUnlock()
	}, nil
}

func (s *Session) closeConn(conn database.Conn) {
	if err := conn.Close(context.Background()); err != nil {
		s.logger.Warn("failed to close transaction connection", zap.Error(err))
	}
}

func (s *Session) observe(operation, scope, query string, start time.Time, err error) {
	elapsed := time.Since(start)
	s.metrics.ObserveStatement(operation, scope, elapsed, err)
	if err != nil {
		s.logger.Debug("statement failed",
			zap.String("operation", operation),
			zap.String("scope", scope),
			zap.String("query", query),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("statement executed",
		zap.String("operation", operation),
		zap.String("scope", scope),
		zap.Duration("elapsed", elapsed),
	)
}
