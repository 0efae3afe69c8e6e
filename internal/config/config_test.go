package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
chain:
  rpc_endpoint: http://localhost:8545
  factory: "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"
  quote_asset: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
  quote_fiat_price: 2000
  confirmations: 2
storage:
  use_memory: true
candles:
  timeframes: [1m, 1h]
  grace: 45s
kafka:
  brokers: [localhost:9092]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8545", cfg.Chain.RPCEndpoint)
	assert.Equal(t, 2000.0, cfg.Chain.QuoteFiatPrice)
	assert.Equal(t, uint64(2), cfg.Chain.Confirmations)
	assert.Equal(t, uint64(2000), cfg.Chain.ChunkSize, "unset fields keep defaults")
	assert.Equal(t, []string{"1m", "1h"}, cfg.Candles.Timeframes)
	assert.Equal(t, 45*time.Second, cfg.Candles.Grace)
	assert.Equal(t, time.Minute, cfg.Candles.ReconcileInterval)
	assert.Equal(t, "amm.trades", cfg.Kafka.TradeTopic)
	assert.True(t, cfg.Storage.UseMemory)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RPC_ENDPOINT", "http://node:8545")
	t.Setenv("QUOTE_FIAT_PRICE", "1850.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("USE_MEMORY", "false")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "http://node:8545", cfg.Chain.RPCEndpoint)
	assert.Equal(t, 1850.5, cfg.Chain.QuoteFiatPrice)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Storage.UseMemory)
	assert.Error(t, cfg.Validate(), "postgres dsn required without memory storage")
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("POSTGRES_DSN=postgres://localhost/amm\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("POSTGRES_DSN") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/amm", cfg.Storage.PostgresDSN)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("START_BLOCK", "latest")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc_endpoint")
	assert.Contains(t, err.Error(), "quote_asset")
	assert.Contains(t, err.Error(), "postgres_dsn")

	cfg.Chain.RPCEndpoint = "http://localhost:8545"
	cfg.Chain.QuoteAsset = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	cfg.Chain.Factory = "not-an-address"
	cfg.Storage.UseMemory = true
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain.factory")
}
