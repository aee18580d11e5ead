package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, TransactionModeDedicated, cfg.Database.TransactionMode)
	assert.Equal(t, 5*time.Second, cfg.Database.ConnectTimeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
database:
  host: db.internal
  user: forge
  name: fixtures
  transaction_mode: shared
  statement_timeout: 15s
`), 0o600))

	t.Setenv("TXS_DATABASE__PORT", "6543")
	t.Setenv("TXS_DATABASE__MAX_OPEN_TRANSACTIONS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "forge", cfg.Database.User)
	assert.Equal(t, "fixtures", cfg.Database.Name)
	assert.Equal(t, TransactionModeShared, cfg.Database.TransactionMode)
	assert.Equal(t, 15*time.Second, cfg.Database.StatementTimeout)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 4, cfg.Database.MaxOpenTransactions)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config file")
}

func TestLoad_InvalidTransactionMode(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TXS_DATABASE__TRANSACTION_MODE", "nested")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestDatabaseConfig_ConnString(t *testing.T) {
	tests := []struct {
		name     string
		cfg      DatabaseConfig
		host     string
		port     int
		user     string
		password string
		dbname   string
		expected string
	}{
		{
			name:     "plain values",
			cfg:      DatabaseConfig{SSLMode: "disable"},
			host:     "localhost",
			port:     5432,
			user:     "postgres",
			password: "secret",
			dbname:   "app",
			expected: "dbname=app host=localhost password=secret port=5432 sslmode=disable user=postgres",
		},
		{
			name:     "quoted password",
			cfg:      DatabaseConfig{},
			host:     "db",
			port:     5433,
			user:     "u",
			password: `it's a \secret`,
			dbname:   "d",
			expected: `dbname=d host=db password='it\'s a \\secret' port=5433 user=u`,
		},
		{
			name:     "empty password omitted",
			cfg:      DatabaseConfig{ApplicationName: "txsession", ConnectTimeout: 500 * time.Millisecond},
			host:     "db",
			port:     5432,
			user:     "u",
			dbname:   "d",
			expected: "application_name=txsession connect_timeout=1 dbname=d host=db port=5432 user=u",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.ConnString(tt.host, tt.port, tt.user, tt.password, tt.dbname)
			assert.Equal(t, tt.expected, got)
		})
	}
}
