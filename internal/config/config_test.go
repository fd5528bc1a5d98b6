package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "lotledger", cfg.ServiceName)
	assert.Equal(t, "nats", cfg.Source.Kind)
	assert.Equal(t, 5000, cfg.Engine.MaxLotScan)
	assert.Equal(t, 10*time.Millisecond, cfg.Persist.FlushTimeout)
	assert.Equal(t, 30*time.Second, cfg.Redis.TTL)

	engine := cfg.Core()
	assert.True(t, engine.SettlementCostRatio.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 1_000_000, engine.IdempotencyCapacity)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lotledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  kind: kafka
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: inbound
engine:
  max_lot_scan: 100
  settlement_cost_ratio: "0"
`), 0o600))

	t.Setenv("LOTLEDGER_KAFKA_GROUP_ID", "from-env")
	t.Setenv("LOTLEDGER_PERSIST_BATCH_SIZE", "42")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.Source.Kind)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "from-env", cfg.Kafka.GroupID)
	assert.Equal(t, 42, cfg.Persist.BatchSize)
	assert.Equal(t, 100, cfg.Core().MaxLotScan)
	assert.True(t, cfg.Core().SettlementCostRatio.IsZero())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero scan cap", func(c *Config) { c.Engine.MaxLotScan = 0 }},
		{"ratio above one", func(c *Config) { c.Engine.SettlementCostRatio = "1.5" }},
		{"negative ratio", func(c *Config) { c.Engine.SettlementCostRatio = "-0.1" }},
		{"ratio not a number", func(c *Config) { c.Engine.SettlementCostRatio = "half" }},
		{"unknown source", func(c *Config) { c.Source.Kind = "sqs" }},
		{"kafka without brokers", func(c *Config) {
			c.Source.Kind = "kafka"
			c.Kafka.Brokers = nil
		}},
		{"zero batch", func(c *Config) { c.Persist.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("ratio bounds inclusive", func(t *testing.T) {
		cfg := valid()
		cfg.Engine.SettlementCostRatio = "1"
		assert.NoError(t, cfg.Validate())
	})
}
