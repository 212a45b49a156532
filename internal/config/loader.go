package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, loads .env if present and
// applies SEARCHER_* overrides. An empty path skips the file. The result is
// not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "SEARCHER_MODE")
	setStr(&cfg.LogLevel, "SEARCHER_LOG_LEVEL")

	setStr(&cfg.Eth.RPCURL, "ALCHEMY_URL")
	setStr(&cfg.Eth.RPCURL, "SEARCHER_ETH_RPC_URL")
	setStr(&cfg.Eth.WSURL, "SEARCHER_ETH_WS_URL")
	setInt64(&cfg.Eth.ChainID, "SEARCHER_ETH_CHAIN_ID")

	setStr(&cfg.Relay.URL, "SEARCHER_RELAY_URL")
	setStr(&cfg.Relay.SigningKey, "SEARCHER_RELAY_SIGNING_KEY")
	setStr(&cfg.Relay.SearcherKey, "SEARCHER_RELAY_SEARCHER_KEY")
	setBool(&cfg.Relay.DryRun, "SEARCHER_RELAY_DRY_RUN")

	setStr(&cfg.Redis.Addr, "SEARCHER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SEARCHER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SEARCHER_REDIS_DB")

	setStr(&cfg.Storage.SQLitePath, "SEARCHER_SQLITE_PATH")
	setStr(&cfg.Metrics.Addr, "SEARCHER_METRICS_ADDR")
	setStr(&cfg.Replay.ParquetFile, "SEARCHER_REPLAY_PARQUET_FILE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
