// Package fakedb is an in-memory stand-in for a PostgreSQL server, used by
// unit tests of the database and session layers.
//
// A Backend holds one key/value table. Statements are recognized by their
// first word:
//
//	insert $1 $2     add key $1 with value $2 (unique violation if present)
//	delete $1        remove key $1
//	select [$1]      columns key, value, note (note is always NULL), ordered by key
//	duplicate        one row with two columns both named "id"
//	block            waits until the backend is released
//	anything else    syntax error
//
// Transactions stage their writes and apply them on commit. Like pgx, a
// connection whose statement is abandoned through its context is closed, and a
// wrong parameter count is rejected client side with a plain error.
package fakedb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidleathers/txsession/internal/infrastructure/database"
)

// ErrConnClosed is returned by statements on a closed connection.
var ErrConnClosed = errors.New("fakedb: connection closed")

// Backend is the shared server state behind every connection it dials.
type Backend struct {
	mu         sync.Mutex
	table      map[string][]byte
	dials      int
	open       int
	dialErr    error
	failCommit map[string]bool
	blocked    chan struct{}
	release    chan struct{}
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		table:      make(map[string][]byte),
		failCommit: make(map[string]bool),
	}
}

// Dialer returns a dialer that opens connections to b.
func (b *Backend) Dialer() database.Dialer {
	return database.DialerFunc(func(ctx context.Context) (database.Conn, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.dialErr != nil {
			return nil, b.dialErr
		}
		b.dials++
		b.open++
		return &Conn{backend: b}, nil
	})
}

// FailDial makes every later dial fail with err.
func (b *Backend) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailCommit makes commits of transactions that wrote key fail.
func (b *Backend) FailCommit(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCommit[key] = true
}

// Block arms the block statement. blocked is closed once a statement is
// waiting; release lets it finish.
func (b *Backend) Block() (blocked <-chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.blocked = make(chan struct{})
	b.release = make(chan struct{})
	r := b.release
	return b.blocked, func() { close(r) }
}

// Rows returns the committed table contents.
func (b *Backend) Rows() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := make(map[string]string, len(b.table))
	for k, v := range b.table {
		rows[k] = string(v)
	}
	return rows
}

// Dials returns the number of successful dials.
func (b *Backend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConns returns the number of dialed connections not yet closed.
func (b *Backend) OpenConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Conn is one connection to a Backend.
type Conn struct {
	backend *Backend
	closed  bool
}

func (c *Conn) Exec(ctx context.Context, query string, args ...interface{}) (database.Result, error) {
	if c.closed {
		return nil, ErrConnClosed
	}
	result, err := c.backend.exec(ctx, nil, query, args)
	return result, c.closeIfAbandoned(ctx, err)
}

func (c *Conn) Query(ctx context.Context, query string, args ...interface{}) (database.Rows, error) {
	if c.closed {
		return nil, ErrConnClosed
	}
	rows, err := c.backend.query(ctx, nil, query, args)
	return rows, c.closeIfAbandoned(ctx, err)
}

func (c *Conn) Begin(ctx context.Context) (database.Tx, error) {
	if c.closed {
		return nil, ErrConnClosed
	}
	return &Tx{conn: c, writes: make(map[string][]byte), deletes: make(map[string]bool)}, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	if c.closed {
		return ErrConnClosed
	}
	return c.closeIfAbandoned(ctx, ctx.Err())
}

func (c *Conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.open--
	return nil
}

// IsClosed reports whether the connection was closed or abandoned.
func (c *Conn) IsClosed() bool {
	return c.closed
}

func (c *Conn) closeIfAbandoned(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		c.Close(ctx)
	}
	return err
}

// Tx is a transaction on a Conn.
type Tx struct {
	conn    *Conn
	writes  map[string][]byte
	deletes map[string]bool
	done    bool
}

func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (database.Result, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	result, err := t.conn.backend.exec(ctx, t, query, args)
	return result, t.conn.closeIfAbandoned(ctx, err)
}

func (t *Tx) Query(ctx context.Context, query string, args ...interface{}) (database.Rows, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	rows, err := t.conn.backend.query(ctx, t, query, args)
	return rows, t.conn.closeIfAbandoned(ctx, err)
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	t.done = true

	b := t.conn.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	for k := range t.writes {
		if b.failCommit[k] {
			return &pgconn.PgError{Severity: "ERROR", Code: "40001", Message: "could not serialize access"}
		}
	}
	for k := range t.deletes {
		delete(b.table, k)
	}
	for k, v := range t.writes {
		b.table[k] = v
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	t.done = true
	return nil
}

func (t *Tx) usable() error {
	if t.conn.closed {
		return ErrConnClosed
	}
	if t.done {
		return errors.New("fakedb: transaction already closed")
	}
	return nil
}

func (b *Backend) exec(ctx context.Context, tx *Tx, query string, args []interface{}) (database.Result, error) {
	verb := strings.ToLower(strings.Fields(query + " ")[0])

	switch verb {
	case "insert":
		if err := arity(args, 2); err != nil {
			return nil, err
		}
		key, value := str(args[0]), bytesOf(args[1])

		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.lookup(tx, key); ok {
			return nil, &pgconn.PgError{Severity: "ERROR", Code: "23505",
				Message: "duplicate key value violates unique constraint", ConstraintName: "kv_pkey", TableName: "kv"}
		}
		if tx != nil {
			tx.writes[key] = value
			delete(tx.deletes, key)
		} else {
			b.table[key] = value
		}
		return Result("INSERT 0 1"), nil

	case "delete":
		if err := arity(args, 1); err != nil {
			return nil, err
		}
		key := str(args[0])

		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.lookup(tx, key); !ok {
			return Result("DELETE 0"), nil
		}
		if tx != nil {
			delete(tx.writes, key)
			tx.deletes[key] = true
		} else {
			delete(b.table, key)
		}
		return Result("DELETE 1"), nil

	case "block":
		if err := b.wait(ctx); err != nil {
			return nil, err
		}
		return Result("SELECT 0"), nil
	}

	rows, err := b.query(ctx, tx, query, args)
	if err != nil {
		return nil, err
	}
	rows.Close()
	return Result(fmt.Sprintf("SELECT %d", len(rows.(*Rows).data))), nil
}

func (b *Backend) query(ctx context.Context, tx *Tx, query string, args []interface{}) (database.Rows, error) {
	verb := strings.ToLower(strings.Fields(query + " ")[0])

	switch verb {
	case "select":
		if len(args) > 1 {
			return nil, arity(args, 1)
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		view := b.view(tx)
		keys := make([]string, 0, len(view))
		for k := range view {
			if len(args) == 1 && k != str(args[0]) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		data := make([][][]byte, len(keys))
		for i, k := range keys {
			data[i] = [][]byte{[]byte(k), view[k], nil}
		}
		return NewRows([]string{"key", "value", "note"}, data...), nil

	case "duplicate":
		return NewRows([]string{"id", "id"}, [][]byte{[]byte("1"), []byte("2")}), nil

	case "block":
		if err := b.wait(ctx); err != nil {
			return nil, err
		}
		return NewRows([]string{"key"}), nil
	}

	return nil, &pgconn.PgError{Severity: "ERROR", Code: "42601",
		Message: fmt.Sprintf("syntax error at or near %q", verb)}
}

func (b *Backend) wait(ctx context.Context) error {
	b.mu.Lock()
	blocked, release := b.blocked, b.release
	b.blocked = nil
	b.mu.Unlock()

	if blocked == nil {
		return nil
	}
	close(blocked)
	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookup and view must be called with b.mu held.
func (b *Backend) lookup(tx *Tx, key string) ([]byte, bool) {
	v, ok := b.view(tx)[key]
	return v, ok
}

func (b *Backend) view(tx *Tx) map[string][]byte {
	if tx == nil {
		return b.table
	}
	merged := make(map[string][]byte, len(b.table)+len(tx.writes))
	for k, v := range b.table {
		if !tx.deletes[k] {
			merged[k] = v
		}
	}
	for k, v := range tx.writes {
		merged[k] = v
	}
	return merged
}

func arity(args []interface{}, want int) error {
	if len(args) != want {
		return fmt.Errorf("expected %d arguments, got %d", want, len(args))
	}
	return nil
}

func bytesOf(arg interface{}) []byte {
	switch v := arg.(type) {
	case []byte:
		if v == nil {
			return nil
		}
		return append([]byte(nil), v...)
	case string:
		return []byte(v)
	default:
		return []byte(fmt.Sprint(v))
	}
}

func str(arg interface{}) string {
	return string(bytesOf(arg))
}

// Result is a command tag.
type Result string

// RowsAffected parses the trailing count of the tag.
func (r Result) RowsAffected() int64 {
	fields := strings.Fields(string(r))
	if len(fields) == 0 {
		return 0
	}
	var n int64
	fmt.Sscan(fields[len(fields)-1], &n)
	return n
}

func (r Result) String() string { return string(r) }

// Rows is an in-memory result set. RawValues returns a buffer that is reused
// from row to row, like the real driver.
type Rows struct {
	columns []string
	data    [][][]byte
	pos     int
	buf     [][]byte
	err     error
	closed  bool
}

// NewRows builds a result set with the given column names and rows.
func NewRows(columns []string, data ...[][]byte) *Rows {
	return &Rows{columns: columns, data: data, buf: make([][]byte, len(columns))}
}

// WithErr makes iteration end with err after the last row.
func (r *Rows) WithErr(err error) *Rows {
	r.err = err
	return r
}

// Closed reports whether Close was called.
func (r *Rows) Closed() bool { return r.closed }

func (r *Rows) Next() bool {
	if r.closed || r.pos >= len(r.data) {
		return false
	}
	for i, v := range r.data[r.pos] {
		if v == nil {
			r.buf[i] = nil
			continue
		}
		r.buf[i] = append(r.buf[i][:0], v...)
	}
	r.pos++
	return true
}

func (r *Rows) Columns() []string { return r.columns }

func (r *Rows) RawValues() [][]byte { return r.buf }

func (r *Rows) Close() { r.closed = true }

func (r *Rows) Err() error { return r.err }
