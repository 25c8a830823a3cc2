package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var choraVars = []string{
	"CHORA_DB",
	"CHORA_SITE_ID",
	"CHORA_KERNEL",
	"CHORA_RESOLVER",
	"CHORA_LOG_LEVEL",
	"CHORA_LOG_FORMAT",
	"CHORA_BUSY_TIMEOUT_MS",
}

// clearEnv unsets every chora variable until the test ends and moves into
// an empty directory so a developer's .env is not picked up. Values that
// godotenv sets during the test are undone by the t.Setenv cleanup.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range choraVars {
		t.Setenv(key, "")
		// godotenv skips variables that are set, even to "".
		require.NoError(t, os.Unsetenv(key))
	}
	t.Chdir(t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "chora.db", filepath.Base(cfg.Store.Path))
	assert.Equal(t, ".chora", filepath.Base(filepath.Dir(cfg.Store.Path)))
	assert.Equal(t, DefaultBusyTimeout, cfg.Store.BusyTimeout)
	assert.Empty(t, cfg.Sync.SiteID)
	assert.Equal(t, DefaultResolver, cfg.Sync.Resolver)
	assert.Empty(t, cfg.Kernel.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHORA_DB", "/tmp/x.db")
	t.Setenv("CHORA_SITE_ID", "laptop")
	t.Setenv("CHORA_KERNEL", "kernel.yaml")
	t.Setenv("CHORA_RESOLVER", "field-merge")
	t.Setenv("CHORA_LOG_LEVEL", "DEBUG")
	t.Setenv("CHORA_LOG_FORMAT", "json")
	t.Setenv("CHORA_BUSY_TIMEOUT_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.db", cfg.Store.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.BusyTimeout)
	assert.Equal(t, "laptop", cfg.Sync.SiteID)
	assert.Equal(t, "field-merge", cfg.Sync.Resolver)
	assert.Equal(t, "kernel.yaml", cfg.Kernel.Path)
	assert.Equal(t, "json", cfg.Logging.Format)

	level, err := cfg.Logging.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "site.env")
	require.NoError(t, os.WriteFile(path, []byte("CHORA_SITE_ID=desktop\nCHORA_RESOLVER=defer\n"), 0o644))
	t.Setenv("CHORA_RESOLVER", "higher-version-wins")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "desktop", cfg.Sync.SiteID)
	assert.Equal(t, "higher-version-wins", cfg.Sync.Resolver, "environment wins over the file")
}

func TestLoad_DotEnvInWorkingDir(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile(".env", []byte("CHORA_DB=from-dotenv.db\n"), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.db", cfg.Store.Path)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CHORA_BUSY_TIMEOUT_MS", "soon"},
		{"CHORA_BUSY_TIMEOUT_MS", "0"},
		{"CHORA_LOG_LEVEL", "chatty"},
		{"CHORA_LOG_FORMAT", "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}
