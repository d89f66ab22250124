// Package walbconfig holds the tunables for one attached WALB device,
// with the teacher's Validate-and-default-fill pattern (see
// asyncloguploader/config.go).
package walbconfig

import (
	"fmt"
	"time"
)

// WALB_MAX_CHECKPOINT_INTERVAL bounds the checkpoint loop's tick interval,
// per spec.md §4.4.
const WALBMaxCheckpointIntervalMs = 10 * 60 * 1000

// Config holds the configuration for one attached device.
type Config struct {
	// Device geometry
	LogDevicePath  string // required
	DataDevicePath string // required
	SectorSize     int    // physical block size shared by L and D (default: 4096)
	LogicalBlockSize int  // host-visible LBS (default: 512)

	RingBufferSize       uint64 // sectors (required, > 0)
	SnapshotMetadataSize uint64 // sectors reserved for the snapshot region (default: 16)

	// Write pipeline
	MaxLogpackPB       uint32        // max physical blocks per admitted pack (default: 256)
	MaxPendingSectors  uint64        // backpressure ceiling (default: 65536)
	MinPendingSectors  uint64        // backpressure floor to resume admission (default: 32768)
	QueueStopTimeout   time.Duration // max time admission stays paused (default: 30s)
	IsSortDataIO       bool          // sort each pack's D-submissions by offset
	NIOBulk            int           // default: 32; not read by the pipeline, which sorts whole packs

	// Flush interval
	LogFlushIntervalMs time.Duration // 0 disables the timer (default: 100ms)
	LogFlushIntervalPB uint32        // flush every N unflushed physical blocks (default: 2048)

	// Checkpoint loop
	CheckpointIntervalMs uint32 // default: 30000, capped by WALBMaxCheckpointIntervalMs

	// Fast mode (Open Question in spec.md §9). Nothing reads this field:
	// the pipeline always tracks `completed` and `written` as distinct
	// cursors, whatever its value.
	FastAlgorithm bool

	// WarnLogUsagePercent is the log-usage percentage at which a gauge
	// reports the log device as nearly full (supplemental, §5 of the
	// expanded design, grounded on walb.c's driver-level usage warning).
	// 0 disables the warning gauge. Default: 90.
	WarnLogUsagePercent int

	// Archival (supplemental, §5 of the expanded design)
	Archive *ArchiveConfig
}

// ArchiveConfig configures optional GCS archival of log packs retired by
// set_oldest sweeps, grounded on asyncloguploader's GCSUploadConfig.
type ArchiveConfig struct {
	Bucket              string        // GCS bucket name (required if Archive != nil)
	ObjectPrefix        string        // object prefix, e.g. "walb/<device>/"
	ChunkSize           int           // bytes per uploaded chunk (default: 32MB)
	MaxChunksPerCompose int           // GCS compose limit (default: 32)
	MaxRetries          int           // default: 3
	RetryDelay          time.Duration // default: 5s
	GRPCPoolSize        int           // default: 64
	ChannelBufferSize   int           // default: 100
}

// Default returns a Config with baseline defaults for the required device
// paths; callers still must set RingBufferSize.
func Default(logDevicePath, dataDevicePath string) Config {
	return Config{
		LogDevicePath:        logDevicePath,
		DataDevicePath:       dataDevicePath,
		SectorSize:           4096,
		LogicalBlockSize:     512,
		SnapshotMetadataSize: 16,
		MaxLogpackPB:         256,
		MaxPendingSectors:    65536,
		MinPendingSectors:    32768,
		QueueStopTimeout:     30 * time.Second,
		NIOBulk:              32,
		LogFlushIntervalMs:   100 * time.Millisecond,
		LogFlushIntervalPB:   2048,
		CheckpointIntervalMs: 30000,
		WarnLogUsagePercent:  90,
	}
}

// Validate checks the configuration and fills in defaults for zero-valued
// optional fields, mirroring Config.Validate in the teacher.
func (c *Config) Validate() error {
	if c.LogDevicePath == "" {
		return fmt.Errorf("walbconfig: LogDevicePath is required")
	}
	if c.DataDevicePath == "" {
		return fmt.Errorf("walbconfig: DataDevicePath is required")
	}
	if c.RingBufferSize == 0 {
		return fmt.Errorf("walbconfig: RingBufferSize must be > 0")
	}

	if c.SectorSize <= 0 {
		c.SectorSize = 4096
	}
	if c.LogicalBlockSize <= 0 {
		c.LogicalBlockSize = 512
	}
	if c.SectorSize%c.LogicalBlockSize != 0 {
		return fmt.Errorf("walbconfig: SectorSize %d not a multiple of LogicalBlockSize %d", c.SectorSize, c.LogicalBlockSize)
	}
	if c.SnapshotMetadataSize == 0 {
		c.SnapshotMetadataSize = 16
	}
	if c.MaxLogpackPB == 0 {
		c.MaxLogpackPB = 256
	}
	if c.MaxPendingSectors == 0 {
		c.MaxPendingSectors = 65536
	}
	if c.MinPendingSectors == 0 {
		c.MinPendingSectors = 32768
	}
	if c.MinPendingSectors >= c.MaxPendingSectors {
		return fmt.Errorf("walbconfig: MinPendingSectors (%d) must be < MaxPendingSectors (%d)", c.MinPendingSectors, c.MaxPendingSectors)
	}
	if c.QueueStopTimeout <= 0 {
		c.QueueStopTimeout = 30 * time.Second
	}
	if c.NIOBulk <= 0 {
		c.NIOBulk = 32
	}
	if c.LogFlushIntervalPB == 0 {
		c.LogFlushIntervalPB = 2048
	}
	if c.CheckpointIntervalMs == 0 {
		c.CheckpointIntervalMs = 30000
	}
	if c.CheckpointIntervalMs > WALBMaxCheckpointIntervalMs {
		return fmt.Errorf("walbconfig: CheckpointIntervalMs %d exceeds max %d", c.CheckpointIntervalMs, WALBMaxCheckpointIntervalMs)
	}
	if c.WarnLogUsagePercent < 0 || c.WarnLogUsagePercent > 100 {
		return fmt.Errorf("walbconfig: WarnLogUsagePercent %d must be in [0, 100]", c.WarnLogUsagePercent)
	}

	if c.Archive != nil {
		if err := c.Archive.Validate(); err != nil {
			return fmt.Errorf("walbconfig: archive config: %w", err)
		}
	}
	return nil
}

// Validate checks the archive configuration, defaulting zero fields.
func (a *ArchiveConfig) Validate() error {
	if a.Bucket == "" {
		return fmt.Errorf("walbconfig: archive Bucket is required")
	}
	if a.ChunkSize <= 0 {
		a.ChunkSize = 32 * 1024 * 1024
	}
	if a.MaxChunksPerCompose <= 0 {
		a.MaxChunksPerCompose = 32
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = 3
	}
	if a.RetryDelay <= 0 {
		a.RetryDelay = 5 * time.Second
	}
	if a.GRPCPoolSize <= 0 {
		a.GRPCPoolSize = 64
	}
	if a.ChannelBufferSize <= 0 {
		a.ChannelBufferSize = 100
	}
	return nil
}
