package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kvpartition/vbstore/internal/compression"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFillsOmittedFieldsFromDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_shards: 8\ndb_dir: /var/lib/vbstore\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint16(8), cfg.MaxShards)
	require.Equal(t, "/var/lib/vbstore", cfg.DBDir)
	require.Equal(t, Default().MaxVBuckets, cfg.MaxVBuckets)
	require.Equal(t, Default().CompactionWriteQueueCap, cfg.CompactionWriteQueueCap)
}

func TestValidateRejectsZeroVBuckets(t *testing.T) {
	cfg := Default()
	cfg.MaxVBuckets = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend = "rocksdb"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnsupportedCompression(t *testing.T) {
	cfg := Default()
	cfg.BodyCompression = compression.XpressCompression
	require.Error(t, cfg.Validate())
}

func TestWithBodyCompressionReturnsCopy(t *testing.T) {
	base := Default()
	require.Equal(t, compression.SnappyCompression, base.BodyCompression)

	lz4 := base.WithBodyCompression(compression.LZ4Compression)
	require.Equal(t, compression.SnappyCompression, base.BodyCompression)
	require.Equal(t, compression.LZ4Compression, lz4.BodyCompression)
}

func TestWithHelpersReturnCopies(t *testing.T) {
	base := Default()
	buffered := base.WithBuffered(false)
	require.True(t, base.Buffered)
	require.False(t, buffered.Buffered)

	synced := base.WithPeriodicSyncBytes(4096)
	require.Equal(t, uint64(0), base.PeriodicSyncBytes)
	require.Equal(t, uint64(4096), synced.PeriodicSyncBytes)
}
