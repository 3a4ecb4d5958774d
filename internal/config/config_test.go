package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverMemory, cfg.DBDriver)
	assert.Equal(t, 5*time.Second, cfg.FallbackWindow())
	assert.Equal(t, 30*time.Second, cfg.DedupWindow())
	assert.False(t, cfg.NATSEmbedded)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/q.db")
	t.Setenv("NATS_EMBEDDED", "true")
	t.Setenv("DEDUP_WINDOW_SECONDS", "45")

	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "/tmp/q.db", cfg.SQLitePath)
	assert.True(t, cfg.NATSEmbedded)
	assert.Equal(t, 45*time.Second, cfg.DedupWindow())
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9090\nLOG_LEVEL=debug\n"), 0o600))

	cfg, err := load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{DBDriver: DriverMemory}, false},
		{"postgres without dsn", Config{DBDriver: DriverPostgres}, true},
		{"postgres", Config{DBDriver: DriverPostgres, DatabaseURL: "postgres://x"}, false},
		{"unknown driver", Config{DBDriver: "mysql"}, true},
		{"both nats modes", Config{DBDriver: DriverMemory, NATSURL: "nats://x", NATSEmbedded: true}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
