package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFillsDefaultsAndParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brainsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listenAddr: ":9090"
store: redis
redis:
  addr: "localhost:6379"
defaultMaxIterations: 25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, LogMemory, cfg.Log) // default untouched by the override
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 25, cfg.DefaultMaxIterations)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brainsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: filesystem\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMongoStoreWithoutURI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brainsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: mongo\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
