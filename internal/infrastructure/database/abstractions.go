package database

import (
	"context"
)

// Rows abstracts database rows iteration
type Rows interface {
	// Next prepares the next row for reading
	Next() bool

	// Columns returns the result column names in result order
	Columns() []string

	// RawValues returns the wire bytes of the current row. The slices are only
	// valid until the next call to Next or Close.
	RawValues() [][]byte

	// Close closes the rows
	Close()

	// Err returns any error that occurred during iteration
	Err() error
}

// Result abstracts command execution result
type Result interface {
	// RowsAffected returns number of rows affected
	RowsAffected() int64

	// String returns string representation
	String() string
}

// Querier runs statements
type Querier interface {
	// Exec executes a command
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Query executes a query
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
}

// Tx abstracts database transaction
type Tx interface {
	Querier

	// Commit commits the transaction
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction
	Rollback(ctx context.Context) error
}

// Conn abstracts a single physical database connection. Implementations are
// not required to be safe for concurrent use.
type Conn interface {
	Querier

	// Begin starts a transaction
	Begin(ctx context.Context) (Tx, error)

	// Ping checks the connection is alive
	Ping(ctx context.Context) error

	// Close closes the connection
	Close(ctx context.Context) error

	// IsClosed reports whether the connection is closed or broken. A
	// statement whose context is cancelled mid-flight closes it.
	IsClosed() bool
}

// Dialer opens new physical connections
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
