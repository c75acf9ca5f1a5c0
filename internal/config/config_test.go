package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 256, cfg.TileSize)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 20000, cfg.Cache.MaxEntries)
	assert.Equal(t, 1, cfg.Warmup.Levels)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestParseFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CACHE_TYPE", "disabled")
	t.Setenv("CACHE_MAX_ENTRIES", "10")
	t.Setenv("VIPS_CONCURRENCY", "4")
	t.Setenv("TELEMETRY_ENABLED", "true")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "disabled", cfg.Cache.Type)
	assert.Equal(t, 10, cfg.Cache.MaxEntries)
	assert.Equal(t, 4, cfg.Vips.Concurrency)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestParseRejectsInvalid(t *testing.T) {
	for name, kv := range map[string][2]string{
		"unknown cache": {"CACHE_TYPE", "file"},
		"bad level":     {"LOG_LEVEL", "verbose"},
		"bad port":      {"PORT", "0"},
		"not a number":  {"TILE_SIZE", "big"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Parse()
			assert.Error(t, err)
		})
	}
}
