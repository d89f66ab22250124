package walbconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_RequiresDevicePathsAndRingSize(t *testing.T) {
	c := Config{}
	assert.Error(t, c.Validate())

	c = Config{LogDevicePath: "/dev/l0"}
	assert.Error(t, c.Validate())

	c = Config{LogDevicePath: "/dev/l0", DataDevicePath: "/dev/d0"}
	assert.Error(t, c.Validate())

	c = Config{LogDevicePath: "/dev/l0", DataDevicePath: "/dev/d0", RingBufferSize: 1024}
	assert.NoError(t, c.Validate())
}

func TestValidate_FillsDefaults(t *testing.T) {
	c := Config{LogDevicePath: "/dev/l0", DataDevicePath: "/dev/d0", RingBufferSize: 1024}
	require.NoError(t, c.Validate())

	assert.Equal(t, 4096, c.SectorSize)
	assert.Equal(t, 512, c.LogicalBlockSize)
	assert.Equal(t, uint64(16), c.SnapshotMetadataSize)
	assert.Equal(t, uint32(256), c.MaxLogpackPB)
	assert.Equal(t, uint64(65536), c.MaxPendingSectors)
	assert.Equal(t, uint64(32768), c.MinPendingSectors)
	assert.Equal(t, uint32(30000), c.CheckpointIntervalMs)
}

func TestValidate_RejectsInvertedPendingBounds(t *testing.T) {
	c := Config{
		LogDevicePath: "/dev/l0", DataDevicePath: "/dev/d0", RingBufferSize: 1024,
		MinPendingSectors: 100, MaxPendingSectors: 50,
	}
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsOverMaxCheckpointInterval(t *testing.T) {
	c := Config{
		LogDevicePath: "/dev/l0", DataDevicePath: "/dev/d0", RingBufferSize: 1024,
		CheckpointIntervalMs: WALBMaxCheckpointIntervalMs + 1,
	}
	assert.Error(t, c.Validate())
}

func TestValidate_SectorSizeMustDivideByLBS(t *testing.T) {
	c := Config{
		LogDevicePath: "/dev/l0", DataDevicePath: "/dev/d0", RingBufferSize: 1024,
		SectorSize: 500, LogicalBlockSize: 512,
	}
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsOutOfRangeWarnLogUsagePercent(t *testing.T) {
	c := Config{
		LogDevicePath: "/dev/l0", DataDevicePath: "/dev/d0", RingBufferSize: 1024,
		WarnLogUsagePercent: 101,
	}
	assert.Error(t, c.Validate())
}

func TestDefault_SetsWarnLogUsagePercent(t *testing.T) {
	c := Default("/dev/l0", "/dev/d0")
	assert.Equal(t, 90, c.WarnLogUsagePercent)
}

func TestArchiveConfig_Validate(t *testing.T) {
	t.Run("RequiresBucket", func(t *testing.T) {
		a := &ArchiveConfig{}
		assert.Error(t, a.Validate())
	})

	t.Run("FillsDefaults", func(t *testing.T) {
		a := &ArchiveConfig{Bucket: "my-bucket"}
		require.NoError(t, a.Validate())
		assert.Equal(t, 32*1024*1024, a.ChunkSize)
		assert.Equal(t, 32, a.MaxChunksPerCompose)
		assert.Equal(t, 3, a.MaxRetries)
		assert.Equal(t, 64, a.GRPCPoolSize)
	})

	t.Run("WiredThroughConfig", func(t *testing.T) {
		c := Config{
			LogDevicePath: "/dev/l0", DataDevicePath: "/dev/d0", RingBufferSize: 1024,
			Archive: &ArchiveConfig{Bucket: "my-bucket"},
		}
		require.NoError(t, c.Validate())
		assert.Equal(t, 100, c.Archive.ChannelBufferSize)
	})
}
