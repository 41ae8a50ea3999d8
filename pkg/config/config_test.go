package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/stories.db")
	t.Setenv("SERVER_HOST", "")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg := Load()

	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "/tmp/stories.db", cfg.GetDatabaseConnectionString())
	assert.Equal(t, ":9090", cfg.GetServerAddr())
	assert.NoError(t, cfg.Validate())
}

func TestPostgresConnectionString(t *testing.T) {
	cfg := &Config{
		DBDriver: DriverPostgres, DBHost: "db", DBPort: "5433", DBUser: "editor",
		DBPassword: "p@ss", DBName: "stories", DBSSLMode: "require",
	}
	assert.Equal(t, "postgres://editor:p%40ss@db:5433/stories?sslmode=require", cfg.GetDatabaseConnectionString())

	cfg.DatabaseURL = "postgres://override"
	assert.Equal(t, "postgres://override", cfg.GetDatabaseConnectionString())
}

func TestValidate(t *testing.T) {
	cfg := &Config{DBDriver: "mysql", JWTSecret: "x"}
	assert.Error(t, cfg.Validate())

	cfg = &Config{DBDriver: DriverPostgres}
	assert.Error(t, cfg.Validate())
}

func TestLoadClientMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadClient(filepath.Join(t.TempDir(), "nope.jsonc"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.NotEmpty(t, cfg.DraftDir)
}

func TestLoadClientJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	content := `{
  // where the story server runs
  "server_url": "https://stories.example.com",
  "token": "abc", /* editor token */
  "log_level": "debug",
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, "https://stories.example.com", cfg.ServerURL)
	assert.Equal(t, "abc", cfg.Token)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.NotEmpty(t, cfg.DraftDir)
}

func TestLoadClientInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"server_url": `), 0o600))

	_, err := LoadClient(path)
	assert.Error(t, err)
}
