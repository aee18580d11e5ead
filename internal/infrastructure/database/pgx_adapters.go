package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/davidleathers/txsession/internal/infrastructure/config"
)

// Compile-time interface checks
var (
	_ Rows   = (*pgxRowsAdapter)(nil)
	_ Result = (*pgxResultAdapter)(nil)
	_ Tx     = (*pgxTxAdapter)(nil)
	_ Conn   = (*pgxConnAdapter)(nil)
	_ Dialer = (*PgxDialer)(nil)
)

type pgxRowsAdapter struct {
	rows pgx.Rows
}

func (r *pgxRowsAdapter) Next() bool {
	return r.rows.Next()
}

func (r *pgxRowsAdapter) Columns() []string {
	fields := r.rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func (r *pgxRowsAdapter) RawValues() [][]byte {
	return r.rows.RawValues()
}

func (r *pgxRowsAdapter) Close() {
	r.rows.Close()
}

func (r *pgxRowsAdapter) Err() error {
	return r.rows.Err()
}

type pgxResultAdapter struct {
	tag pgconn.CommandTag
}

func (r *pgxResultAdapter) RowsAffected() int64 {
	return r.tag.RowsAffected()
}

func (r *pgxResultAdapter) String() string {
	return r.tag.String()
}

type pgxTxAdapter struct {
	tx pgx.Tx
}

func (t *pgxTxAdapter) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgxTxAdapter) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func (t *pgxTxAdapter) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRowsAdapter{rows: rows}, nil
}

func (t *pgxTxAdapter) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &pgxResultAdapter{tag: tag}, nil
}

// pgxConnAdapter adapts a single *pgx.Conn to Conn
type pgxConnAdapter struct {
	conn *pgx.Conn
}

func (c *pgxConnAdapter) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRowsAdapter{rows: rows}, nil
}

func (c *pgxConnAdapter) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	tag, err := c.conn.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &pgxResultAdapter{tag: tag}, nil
}

func (c *pgxConnAdapter) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTxAdapter{tx: tx}, nil
}

func (c *pgxConnAdapter) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConnAdapter) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *pgxConnAdapter) IsClosed() bool {
	return c.conn.IsClosed()
}

// PgxDialer opens pgx connections from one parsed connection config.
type PgxDialer struct {
	connConfig *pgx.ConnConfig
	logger     *zap.Logger
}

// NewPgxDialer parses connString and applies the driver settings of cfg.
func NewPgxDialer(connString string, cfg config.DatabaseConfig, logger *zap.Logger) (*PgxDialer, error) {
	connConfig, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	configurePgxConn(connConfig, cfg)

	return &PgxDialer{
		connConfig: connConfig,
		logger:     logger,
	}, nil
}

// Dial opens a new physical connection and verifies it with a ping.
func (d *PgxDialer) Dial(ctx context.Context) (Conn, error) {
	d.logger.Debug("establishing database connection",
		zap.String("host", d.connConfig.Host),
		zap.Uint16("port", d.connConfig.Port),
		zap.String("database", d.connConfig.Database))

	// ConnectConfig copies the config, so the shared one is never mutated.
	conn, err := pgx.ConnectConfig(ctx, d.connConfig)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	return &pgxConnAdapter{conn: conn}, nil
}

// configurePgxConn applies runtime parameters to every connection the dialer opens
func configurePgxConn(connConfig *pgx.ConnConfig, cfg config.DatabaseConfig) {
	if cfg.ConnectTimeout > 0 {
		connConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = map[string]string{}
	}
	connConfig.RuntimeParams["timezone"] = "UTC"
	if cfg.ApplicationName != "" {
		connConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	if cfg.StatementTimeout > 0 {
		connConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout/time.Millisecond)
	}
	for k, v := range cfg.RuntimeParams {
		connConfig.RuntimeParams[k] = v
	}
}
