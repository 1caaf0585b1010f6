package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.ChunkMinCalls)
	assert.Equal(t, 16, cfg.ChunkMaxCalls)
	assert.Equal(t, 30*time.Second, cfg.ChunkTargetDur)
	assert.Equal(t, 500, cfg.StagingBatchSize)
	assert.Equal(t, 168*time.Hour, cfg.StagingRetention)
	assert.Equal(t, 0.01, cfg.QualitySumEpsilon)
	assert.Equal(t, 2, cfg.PartitionWorkers)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LEDGERLIFT_CHUNK_MAX_CALLS", "32")
	t.Setenv("LEDGERLIFT_QUALITY_SUM_EPSILON", "0.5")
	t.Setenv("LEDGERLIFT_WAREHOUSE_DSN", "postgres://wh:5432/ledger")
	t.Setenv("LEDGERLIFT_ARCHIVE_ENDPOINT", "http://minio:9000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.ChunkMaxCalls)
	assert.Equal(t, 0.5, cfg.QualitySumEpsilon)
	assert.Equal(t, "postgres://wh:5432/ledger", cfg.WarehouseDSN)
	assert.True(t, cfg.ArchiveEnabled())
}

func TestLoad_RejectsInvalidChunkBounds(t *testing.T) {
	t.Setenv("LEDGERLIFT_CHUNK_MIN_CALLS", "8")
	t.Setenv("LEDGERLIFT_CHUNK_MAX_CALLS", "4")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_RejectsNegativeEpsilon(t *testing.T) {
	t.Setenv("LEDGERLIFT_QUALITY_SUM_EPSILON", "-1")

	_, err := Load("")
	assert.Error(t, err)
}
