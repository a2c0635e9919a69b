package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, 64, cfg.Embedding.BatchSize)
	assert.Equal(t, 1000, cfg.Chunking.Window)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.Equal(t, 80, cfg.Chunking.MinChars)
	assert.Equal(t, 20, cfg.Schema.HeaderScanRows)
	assert.Equal(t, []string{"Pending", "Open", "Closed"}, cfg.Schema.StatusValues)
	assert.True(t, cfg.Schema.RequireDescription)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "./outliers", cfg.Outliers.Dir)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SPECDEX_EMBEDDING_MODEL", "bge-m3")
	t.Setenv("SPECDEX_CHUNKING_WINDOW", "1500")
	t.Setenv("SPECDEX_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "bge-m3", cfg.Embedding.Model)
	assert.Equal(t, 1500, cfg.Chunking.Window)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	assert.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nonsense"}))
}
