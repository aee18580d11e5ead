package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/davidleathers/txsession/internal/service/session"
	"github.com/davidleathers/txsession/internal/testutil/containers"
)

// TestDatabaseURLEnv points the integration tests at an existing server
// instead of a container.
const TestDatabaseURLEnv = "TXS_TEST_DATABASE_URL"

// TestDB is a PostgreSQL database shared by the session under test and an
// independent database/sql handle used to create tables and observe commits.
type TestDB struct {
	t      *testing.T
	db     *sql.DB
	params session.ConnectParams
}

// NewTestDB connects to TXS_TEST_DATABASE_URL if set and otherwise starts a
// container. It skips the test in -short mode.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := os.Getenv(TestDatabaseURLEnv)
	if connStr == "" {
		container, err := containers.NewPostgresContainer(ctx)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(container.PostgresContainer); err != nil {
				t.Logf("failed to terminate postgres container: %v", err)
			}
		})
		connStr = container.ConnectionString
	}

	pgCfg, err := pgconn.ParseConfig(connStr)
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(4)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	return &TestDB{
		t:  t,
		db: db,
		params: session.ConnectParams{
			Host:     pgCfg.Host,
			Port:     int(pgCfg.Port),
			User:     pgCfg.User,
			Password: pgCfg.Password,
			Database: pgCfg.Database,
		},
	}
}

// DB returns the side-channel connection pool
func (tdb *TestDB) DB() *sql.DB {
	return tdb.db
}

// ConnectParams returns the parameters a session uses to reach this database
func (tdb *TestDB) ConnectParams() session.ConnectParams {
	return tdb.params
}

// CreateTable creates a uniquely named table with the given column
// definitions, drops it on cleanup and returns its quoted name.
func (tdb *TestDB) CreateTable(prefix string, columns ...string) string {
	tdb.t.Helper()

	name := pq.QuoteIdentifier(prefix + "_" + uuid.NewString()[:8])
	_, err := tdb.db.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(columns, ", ")))
	require.NoError(tdb.t, err)

	tdb.t.Cleanup(func() {
		tdb.db.Exec("DROP TABLE IF EXISTS " + name)
	})
	return name
}

// Count returns the number of committed rows in table
func (tdb *TestDB) Count(table string) int {
	tdb.t.Helper()

	var n int
	require.NoError(tdb.t, tdb.db.QueryRow("SELECT count(*) FROM "+table).Scan(&n))
	return n
}
