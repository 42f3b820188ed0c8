package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "zero pool size", modify: func(c *Config) { c.PoolSize = 0 }, wantErr: true},
		{name: "partitions not power of two", modify: func(c *Config) { c.Partitions = 6 }, wantErr: true},
		{name: "writeback disabled", modify: func(c *Config) { c.WritebackMaxPending = 0 }},
		{name: "writeback too large", modify: func(c *Config) { c.WritebackMaxPending = WritebackMaxPendingFlushes + 1 }, wantErr: true},
		{name: "max usage count zero", modify: func(c *Config) { c.MaxUsageCount = 0 }, wantErr: true},
		{name: "max usage count at limit", modify: func(c *Config) { c.MaxUsageCount = MaxUsageCountLimit }},
		{name: "max usage count over limit", modify: func(c *Config) { c.MaxUsageCount = MaxUsageCountLimit + 1 }, wantErr: true},
		{name: "no local buffers", modify: func(c *Config) { c.LocalBuffers = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.NotNil(t, err)
				return
			}
			assert.Nil(t, err)
		})
	}
}

func TestBgWriterConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*BgWriterConfig)
		wantErr bool
	}{
		{name: "default", modify: func(*BgWriterConfig) {}},
		{name: "delay too short", modify: func(c *BgWriterConfig) { c.Delay = time.Millisecond }, wantErr: true},
		{name: "negative max pages", modify: func(c *BgWriterConfig) { c.MaxPages = -1 }, wantErr: true},
		{name: "disabled", modify: func(c *BgWriterConfig) { c.MaxPages = 0 }},
		{name: "multiplier too large", modify: func(c *BgWriterConfig) { c.LRUMultiplier = 10.5 }, wantErr: true},
		{name: "flush after too large", modify: func(c *BgWriterConfig) { c.FlushAfter = 512 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultBgWriterConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.NotNil(t, err)
				return
			}
			assert.Nil(t, err)
		})
	}
}
