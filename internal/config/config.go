// Package config loads service configuration from a YAML file, a .env file
// and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"amm-analytics/internal/logger"
)

// ChainConfig configures the node connection and the tracked factory.
type ChainConfig struct {
	RPCEndpoint    string        `yaml:"rpc_endpoint"`
	WSEndpoint     string        `yaml:"ws_endpoint"` // empty disables live following
	Factory        string        `yaml:"factory"`
	QuoteAsset     string        `yaml:"quote_asset"`
	QuoteFiatPrice float64       `yaml:"quote_fiat_price"`
	StartBlock     uint64        `yaml:"start_block"`
	Confirmations  uint64        `yaml:"confirmations"`
	ChunkSize      uint64        `yaml:"chunk_size"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// StorageConfig selects and configures the stores.
type StorageConfig struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"` // empty keeps token metrics in memory
	UseMemory     bool   `yaml:"use_memory"`
}

// RedisConfig enables the shared fanout upstream.
type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty uses the in-process broker
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig enables the trade and candle streams.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"` // empty disables Kafka
	TradeTopic  string   `yaml:"trade_topic"`
	CandleTopic string   `yaml:"candle_topic"`
}

// PipelineConfig configures event dispatch and maintenance.
type PipelineConfig struct {
	Shards               int           `yaml:"shards"`
	QueueSize            int           `yaml:"queue_size"`
	MaintenanceInterval  time.Duration `yaml:"maintenance_interval"`
	RepriceBatch         int           `yaml:"reprice_batch"`
	TokenRefreshInterval time.Duration `yaml:"token_refresh_interval"`
	StoreTimeout         time.Duration `yaml:"store_timeout"` // per storage write attempt
}

// CandlesConfig configures the candle aggregator.
type CandlesConfig struct {
	Timeframes        []string      `yaml:"timeframes"`
	Grace             time.Duration `yaml:"grace"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	Lookback          time.Duration `yaml:"lookback"`
}

// MetricsConfig configures the token metrics job.
type MetricsConfig struct {
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
	PriceTTL time.Duration `yaml:"price_ttl"`
}

// FanoutConfig configures the websocket server.
type FanoutConfig struct {
	Addr       string `yaml:"addr"`
	SendBuffer int    `yaml:"send_buffer"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // console or json
	File       string `yaml:"file"`   // empty logs to stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// Options converts the section into logger options.
func (c LogConfig) Options() logger.Options {
	return logger.Options{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	}
}

// Config is the full service configuration.
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Candles  CandlesConfig  `yaml:"candles"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Fanout   FanoutConfig   `yaml:"fanout"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			QuoteFiatPrice: 1,
			ChunkSize:      2000,
			CallTimeout:    10 * time.Second,
		},
		Kafka: KafkaConfig{
			TradeTopic:  "amm.trades",
			CandleTopic: "amm.candles",
		},
		Pipeline: PipelineConfig{
			Shards:               16,
			QueueSize:            1024,
			MaintenanceInterval:  time.Minute,
			RepriceBatch:         500,
			TokenRefreshInterval: time.Hour,
			StoreTimeout:         5 * time.Second,
		},
		Candles: CandlesConfig{
			Grace:             30 * time.Second,
			ReconcileInterval: time.Minute,
			Lookback:          24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Interval: time.Minute,
			Workers:  8,
			PriceTTL: 30 * time.Second,
		},
		Fanout: FanoutConfig{
			Addr:       ":8080",
			SendBuffer: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any), a .env file in the working directory and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Existing environment variables win over .env entries.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Chain.RPCEndpoint, "RPC_ENDPOINT")
	setString(&c.Chain.WSEndpoint, "WS_ENDPOINT")
	setString(&c.Chain.Factory, "FACTORY_ADDRESS")
	setString(&c.Chain.QuoteAsset, "QUOTE_ASSET")
	setString(&c.Storage.PostgresDSN, "POSTGRES_DSN")
	setString(&c.Storage.ClickHouseDSN, "CLICKHOUSE_DSN")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Fanout.Addr, "FANOUT_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Log.File, "LOG_FILE")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}

	if v := os.Getenv("QUOTE_FIAT_PRICE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("QUOTE_FIAT_PRICE: %w", err)
		}
		c.Chain.QuoteFiatPrice = f
	}
	if v := os.Getenv("START_BLOCK"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("START_BLOCK: %w", err)
		}
		c.Chain.StartBlock = n
	}
	if v := os.Getenv("CONFIRMATIONS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CONFIRMATIONS: %w", err)
		}
		c.Chain.Confirmations = n
	}
	if v := os.Getenv("USE_MEMORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("USE_MEMORY: %w", err)
		}
		c.Storage.UseMemory = b
	}
	return nil
}

// Validate checks the fields required to start the service.
func (c *Config) Validate() error {
	var errs []error
	if c.Chain.RPCEndpoint == "" {
		errs = append(errs, errors.New("chain.rpc_endpoint is required"))
	}
	if !common.IsHexAddress(c.Chain.QuoteAsset) {
		errs = append(errs, fmt.Errorf("chain.quote_asset %q is not an address", c.Chain.QuoteAsset))
	}
	if c.Chain.Factory != "" && !common.IsHexAddress(c.Chain.Factory) {
		errs = append(errs, fmt.Errorf("chain.factory %q is not an address", c.Chain.Factory))
	}
	if c.Chain.QuoteFiatPrice <= 0 {
		errs = append(errs, errors.New("chain.quote_fiat_price must be positive"))
	}
	if !c.Storage.UseMemory && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required unless storage.use_memory is set"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.TradeTopic == "" && c.Kafka.CandleTopic == "" {
		errs = append(errs, errors.New("kafka brokers set without any topic"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
