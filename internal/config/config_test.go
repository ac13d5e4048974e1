package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CACHE_SIMILARITY_THRESHOLD", "")
	t.Setenv("CACHE_TTL", "")
	t.Setenv("ROUTER_MAX_HOPS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 60, cfg.Server.StreamRatePerMin)
	assert.InDelta(t, 0.92, cfg.Cache.Threshold, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 3, cfg.Router.MaxHops)
	assert.Equal(t, "Document", cfg.Storage.WeaviateClass)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("CACHE_SIMILARITY_THRESHOLD", "0.8")
	t.Setenv("CACHE_TTL", "90m")
	t.Setenv("ROUTER_MAX_HOPS", "5")
	t.Setenv("CORS_ORIGINS", "http://localhost:5173, ,http://127.0.0.1:5173")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"http://localhost:5173", "http://127.0.0.1:5173"}, cfg.Server.AllowedOrigins)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.InDelta(t, 0.8, cfg.Cache.Threshold, 1e-9)
	assert.Equal(t, 90*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 5, cfg.Router.MaxHops)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"CACHE_SIMILARITY_THRESHOLD": "1.5",
		"CACHE_TTL":                  "-1s",
		"ROUTER_MAX_HOPS":            "0",
		"PORT":                       "80 80",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestAIConfigEnabled(t *testing.T) {
	assert.False(t, AIConfig{}.Enabled())
	assert.True(t, AIConfig{Model: "m", APIKey: "k"}.Enabled())
	assert.True(t, AIConfig{Model: "m", AccessKey: "a", SecretKey: "s"}.Enabled())
	assert.False(t, AIConfig{Model: "m", AccessKey: "a"}.Enabled())
}
