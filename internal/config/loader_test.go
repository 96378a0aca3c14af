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
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 100, cfg.Import.ChunkSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  host: db.internal
  dbname: gapminder
server:
  port: 9090
  allowed_origins: ["https://tools.example.org"]
query:
  default_dataset: open-numbers/systema_globalis
import:
  chunk_size: 500
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("DB_PASSWORD", "from-env")
	t.Setenv("DDF_LOG_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "gapminder", cfg.Database.DBName)
	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://tools.example.org"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "open-numbers/systema_globalis", cfg.Query.DefaultDataset)
	assert.Equal(t, 500, cfg.Import.ChunkSize)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 70000\n"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}
