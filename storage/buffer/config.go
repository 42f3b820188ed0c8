package buffer

import (
	"time"

	"github.com/pkg/errors"
)

// Config is the configuration of shared buffer pool
type Config struct {
	// PoolSize is the number of shared buffers (shared_buffers)
	PoolSize int `mapstructure:"pool_size"`
	// Partitions is the number of buffer table partitions. must be power of two
	Partitions int `mapstructure:"partitions"`
	// WritebackMaxPending is the writeback batch size of each worker (backend_flush_after). 0 disables writeback
	WritebackMaxPending int `mapstructure:"writeback_max_pending"`
	// MaxUsageCount is the max usage count of buffer (BM_MAX_USAGE_COUNT)
	MaxUsageCount int `mapstructure:"max_usage_count"`
	// LocalBuffers is the number of local buffers of each session (temp_buffers)
	LocalBuffers int `mapstructure:"local_buffers"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		PoolSize:            128,
		Partitions:          DefaultPartitions,
		WritebackMaxPending: 32,
		MaxUsageCount:       DefaultMaxUsageCount,
		LocalBuffers:        64,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return errors.Errorf("pool size must be positive: %d", c.PoolSize)
	}
	if c.Partitions <= 0 || c.Partitions&(c.Partitions-1) != 0 {
		return errors.Errorf("partitions must be power of two: %d", c.Partitions)
	}
	if c.WritebackMaxPending < 0 || c.WritebackMaxPending > WritebackMaxPendingFlushes {
		return errors.Errorf("writeback max pending must be in [0, %d]: %d", WritebackMaxPendingFlushes, c.WritebackMaxPending)
	}
	if c.MaxUsageCount < 1 || c.MaxUsageCount > MaxUsageCountLimit {
		return errors.Errorf("max usage count must be in [1, %d]: %d", MaxUsageCountLimit, c.MaxUsageCount)
	}
	if c.LocalBuffers <= 0 {
		return errors.Errorf("local buffers must be positive: %d", c.LocalBuffers)
	}
	return nil
}

// BgWriterConfig is the configuration of background writer
// see https://www.postgresql.org/docs/current/runtime-config-resource.html#RUNTIME-CONFIG-RESOURCE-BACKGROUND-WRITER
type BgWriterConfig struct {
	// Delay is the delay between activity rounds (bgwriter_delay)
	Delay time.Duration `mapstructure:"delay"`
	// MaxPages is the max number of buffers written in one round (bgwriter_lru_maxpages)
	MaxPages int `mapstructure:"max_pages"`
	// LRUMultiplier is the multiplier of the estimated allocations (bgwriter_lru_multiplier)
	LRUMultiplier float64 `mapstructure:"lru_multiplier"`
	// FlushAfter is the writeback batch size of background writer (bgwriter_flush_after)
	FlushAfter int `mapstructure:"flush_after"`
}

// DefaultBgWriterConfig returns the default configuration of background writer
func DefaultBgWriterConfig() BgWriterConfig {
	return BgWriterConfig{
		Delay:         200 * time.Millisecond,
		MaxPages:      100,
		LRUMultiplier: 2.0,
		FlushAfter:    64,
	}
}

// Validate checks the configuration
func (c BgWriterConfig) Validate() error {
	if c.Delay < 10*time.Millisecond {
		return errors.Errorf("bgwriter delay must be at least 10ms: %s", c.Delay)
	}
	if c.MaxPages < 0 {
		return errors.Errorf("bgwriter max pages must not be negative: %d", c.MaxPages)
	}
	if c.LRUMultiplier < 0 || c.LRUMultiplier > 10 {
		return errors.Errorf("bgwriter lru multiplier must be in [0, 10]: %g", c.LRUMultiplier)
	}
	if c.FlushAfter < 0 || c.FlushAfter > WritebackMaxPendingFlushes {
		return errors.Errorf("bgwriter flush after must be in [0, %d]: %d", WritebackMaxPendingFlushes, c.FlushAfter)
	}
	return nil
}
