package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.EmbeddingDimensions)
	assert.Equal(t, 16, cfg.HNSWM)
	assert.Equal(t, 64, cfg.HNSWEfConstruct)
	assert.Equal(t, 1000, cfg.QueryCacheSize)
	assert.Equal(t, 500*time.Millisecond, cfg.DiscoverTimeout)
	assert.Equal(t, "meibo_agents", cfg.QdrantCollection)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MEIBO_EMBEDDING_DIMENSIONS", "768")
	t.Setenv("MEIBO_HNSW_M", "32")
	t.Setenv("MEIBO_DISCOVER_TIMEOUT", "250ms")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 768, cfg.EmbeddingDimensions)
	assert.Equal(t, 32, cfg.HNSWM)
	assert.Equal(t, 250*time.Millisecond, cfg.DiscoverTimeout)
	assert.True(t, cfg.OTELInsecure)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.EmbeddingDimensions = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.DatabaseURL = ""
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.QueryCacheSize = -1
	assert.Error(t, cfg.Validate())
}
