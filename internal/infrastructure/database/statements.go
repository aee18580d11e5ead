package database

import (
	"context"
)

// Args binds raw parameter bytes positionally. pgx sends []byte as bytea, or
// as text when the placeholder is text-typed; nil binds SQL NULL.
func Args(params [][]byte) []interface{} {
	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = p
	}
	return args
}

// Exec runs a non-returning statement on q and reports the affected row count.
func Exec(ctx context.Context, q Querier, query string, args ...interface{}) (int64, error) {
	result, err := q.Exec(ctx, query, args...)
	if err != nil {
		return 0, driverError(err, "execute failed")
	}
	return result.RowsAffected(), nil
}

// QueryRows runs a returning statement on q and projects every row.
func QueryRows(ctx context.Context, q Querier, query string, columns []string, args ...interface{}) ([]ProjectedRow, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, driverError(err, "query failed")
	}
	return ProjectAll(rows, columns)
}

// QueryRow runs a returning statement on q expecting zero or one row.
func QueryRow(ctx context.Context, q Querier, query string, columns []string, args ...interface{}) (ProjectedRow, bool, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, false, driverError(err, "query failed")
	}
	return ProjectOne(rows, columns)
}

// Begin starts a transaction on conn.
func Begin(ctx context.Context, conn Conn) (Tx, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, driverError(err, "begin failed")
	}
	return tx, nil
}

// Commit commits tx.
func Commit(ctx context.Context, tx Tx) error {
	return driverError(tx.Commit(ctx), "commit failed")
}

// Rollback rolls tx back.
func Rollback(ctx context.Context, tx Tx) error {
	return driverError(tx.Rollback(ctx), "rollback failed")
}

// Dial opens a physical connection, classifying failures as connection errors.
func Dial(ctx context.Context, dialer Dialer) (Conn, error) {
	conn, err := dialer.Dial(ctx)
	if err != nil {
		return nil, connectionError(err)
	}
	return conn, nil
}
