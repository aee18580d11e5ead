package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	domainErrors "github.com/davidleathers/txsession/internal/domain/errors"
)

// Connection owns the single session connection. Every statement runs under
// one mutex, so callers observe a single global order on the connection.
type Connection struct {
	mu      sync.Mutex
	conn    Conn
	held    atomic.Bool
	lost    atomic.Bool
	logger  *zap.Logger
	metrics *ConnectionMetrics
}

// ConnectionMetrics tracks statement statistics for the session connection
type ConnectionMetrics struct {
	mu sync.RWMutex

	QueriesExecuted int64
	QueriesFailed   int64
	TotalQueryTime  time.Duration
	SlowestQuery    time.Duration
	SlowestQuerySQL string
}

// MetricsSnapshot is a copy of ConnectionMetrics without the lock
type MetricsSnapshot struct {
	QueriesExecuted int64         `json:"queries_executed"`
	QueriesFailed   int64         `json:"queries_failed"`
	TotalQueryTime  time.Duration `json:"total_query_time"`
	SlowestQuery    time.Duration `json:"slowest_query"`
	SlowestQuerySQL string        `json:"slowest_query_sql,omitempty"`
}

// Connect dials the session connection.
func Connect(ctx context.Context, dialer Dialer, logger *zap.Logger) (*Connection, error) {
	conn, err := Dial(ctx, dialer)
	if err != nil {
		return nil, err
	}

	return NewConnection(conn, logger), nil
}

// NewConnection wraps an already established connection.
func NewConnection(conn Conn, logger *zap.Logger) *Connection {
	return &Connection{
		conn:    conn,
		logger:  logger,
		metrics: &ConnectionMetrics{},
	}
}

// Exec runs a non-returning statement in autocommit mode.
func (c *Connection) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return 0, err
	}

	start := time.Now()
	n, err := Exec(ctx, c.conn, query, args...)
	c.record(query, time.Since(start), err)
	return n, c.checkLost(err)
}

// Query runs a returning statement in autocommit mode and projects every row.
func (c *Connection) Query(ctx context.Context, query string, columns []string, args ...interface{}) ([]ProjectedRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := QueryRows(ctx, c.conn, query, columns, args...)
	c.record(query, time.Since(start), err)
	return result, c.checkLost(err)
}

// QueryOne runs a returning statement expecting at most one row.
func (c *Connection) QueryOne(ctx context.Context, query string, columns []string, args ...interface{}) (ProjectedRow, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, false, err
	}

	start := time.Now()
	row, found, err := QueryRow(ctx, c.conn, query, columns, args...)
	c.record(query, time.Since(start), err)
	if err = c.checkLost(err); err != nil {
		return nil, false, err
	}
	return row, found, nil
}

// BeginHeld starts a transaction on the session connection itself. Until the
// returned transaction is committed or rolled back the connection refuses
// autocommit statements and further transactions with CONNECTION_BUSY.
func (c *Connection) BeginHeld(ctx context.Context) (Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, err
	}

	tx, err := Begin(ctx, c.conn)
	if err != nil {
		return nil, c.checkLost(err)
	}
	c.held.Store(true)
	return &heldTx{conn: c, tx: tx}, nil
}

// Held reports whether a transaction currently occupies the connection.
func (c *Connection) Held() bool {
	return c.held.Load()
}

// Lost reports whether the physical connection was closed underneath the
// session. A lost connection refuses every statement with CONNECTION_LOST.
func (c *Connection) Lost() bool {
	return c.lost.Load()
}

// Ping checks the session connection is alive. While a transaction holds the
// connection it fails with CONNECTION_BUSY without touching the connection.
func (c *Connection) Ping(ctx context.Context) error {
	if c.lost.Load() {
		return domainErrors.NewConnectionLostError()
	}
	if c.held.Load() {
		return errConnectionBusy()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if err := c.conn.Ping(ctx); err != nil {
		if c.conn.IsClosed() {
			return c.checkLost(err)
		}
		return connectionError(err)
	}
	return nil
}

// Close closes the physical connection.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.Close(ctx); err != nil {
		return connectionError(err)
	}
	c.logger.Info("database connection closed")
	return nil
}

// Stats returns a snapshot of the connection metrics
func (c *Connection) Stats() MetricsSnapshot {
	c.metrics.mu.RLock()
	defer c.metrics.mu.RUnlock()

	return MetricsSnapshot{
		QueriesExecuted: c.metrics.QueriesExecuted,
		QueriesFailed:   c.metrics.QueriesFailed,
		TotalQueryTime:  c.metrics.TotalQueryTime,
		SlowestQuery:    c.metrics.SlowestQuery,
		SlowestQuerySQL: c.metrics.SlowestQuerySQL,
	}
}

// usable must be called with c.mu held.
func (c *Connection) usable() error {
	if c.lost.Load() {
		return domainErrors.NewConnectionLostError()
	}
	if c.held.Load() {
		return errConnectionBusy()
	}
	return nil
}

// checkLost must be called with c.mu held. When err closed the physical
// connection the connection is marked lost and err becomes CONNECTION_LOST.
func (c *Connection) checkLost(err error) error {
	if err == nil || !c.conn.IsClosed() {
		return err
	}
	if !c.lost.Swap(true) {
		c.logger.Warn("session connection lost", zap.Error(err))
	}
	return domainErrors.NewConnectionLostError().WithCause(err)
}

func (c *Connection) record(query string, elapsed time.Duration, err error) {
	c.metrics.mu.Lock()
	defer c.metrics.mu.Unlock()

	c.metrics.QueriesExecuted++
	if err != nil {
		c.metrics.QueriesFailed++
	}
	c.metrics.TotalQueryTime += elapsed
	if elapsed > c.metrics.SlowestQuery {
		c.metrics.SlowestQuery = elapsed
		c.metrics.SlowestQuerySQL = query
	}
}

// heldTx is a transaction running on the session connection. Each statement
// takes the connection lock, and Query keeps it until its rows are closed;
// finalization releases the hold.
type heldTx struct {
	conn *Connection
	tx   Tx
}

func (t *heldTx) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()

	if t.conn.lost.Load() {
		return nil, domainErrors.NewConnectionLostError()
	}

	start := time.Now()
	result, err := t.tx.Exec(ctx, query, args...)
	t.conn.record(query, time.Since(start), err)
	return result, t.conn.checkLost(err)
}

func (t *heldTx) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	t.conn.mu.Lock()

	if t.conn.lost.Load() {
		t.conn.mu.Unlock()
		return nil, domainErrors.NewConnectionLostError()
	}

	start := time.Now()
	rows, err := t.tx.Query(ctx, query, args...)
	t.conn.record(query, time.Since(start), err)
	if err != nil {
		err = t.conn.checkLost(err)
		t.conn.mu.Unlock()
		return nil, err
	}
	return &heldRows{Rows: rows, conn: t.conn}, nil
}

func (t *heldTx) Commit(ctx context.Context) error {
	return t.finish(func() error { return t.tx.Commit(ctx) })
}

func (t *heldTx) Rollback(ctx context.Context) error {
	return t.finish(func() error { return t.tx.Rollback(ctx) })
}

func (t *heldTx) finish(fn func() error) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()

	err := fn()
	t.conn.held.Store(false)
	return t.conn.checkLost(err)
}

// heldRows keeps the connection lock while a held transaction's result is
// read, since the rows stream from the same physical connection.
type heldRows struct {
	Rows
	conn     *Connection
	released bool
}

func (r *heldRows) Close() {
	if r.released {
		return
	}
	r.released = true
	r.Rows.Close()
	if err := r.Rows.Err(); err != nil {
		r.conn.checkLost(err)
	}
	r.conn.mu.Unlock()
}

func errConnectionBusy() error {
	return domainErrors.NewConflictError("CONNECTION_BUSY", "session connection is held by an open transaction")
}
