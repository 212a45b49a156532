// Package config defines the searcher configuration: a TOML file layered over
// built-in defaults, with SEARCHER_* environment overrides for secrets.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Eth      EthConfig      `toml:"eth"`
	Graph    GraphConfig    `toml:"graph"`
	Ingest   IngestConfig   `toml:"ingest"`
	Search   SearchConfig   `toml:"search"`
	Validate ValidateConfig `toml:"validate"`
	Decide   DecideConfig   `toml:"decide"`
	Engine   EngineConfig   `toml:"engine"`
	Relay    RelayConfig    `toml:"relay"`
	Redis    RedisConfig    `toml:"redis"`
	Storage  StorageConfig  `toml:"storage"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Replay   ReplayConfig   `toml:"replay"`
}

// EthConfig holds node endpoints. WSURL is required for live subscriptions.
type EthConfig struct {
	RPCURL  string `toml:"rpc_url"`
	WSURL   string `toml:"ws_url"`
	ChainID int64  `toml:"chain_id"`
	// Pairs lists SYMBOL/SYMBOL pairs whose pools are bootstrapped across all known DEXes.
	Pairs []string `toml:"pairs"`
}

type GraphConfig struct {
	Shards     int    `toml:"shards"`
	ReorgDepth uint64 `toml:"reorg_depth"`
}

type IngestConfig struct {
	ReorderWindow    uint64   `toml:"reorder_window"`
	PendingCacheSize int      `toml:"pending_cache_size"`
	RegistryCache    int      `toml:"registry_cache_size"`
	ReconnectBackoff Duration `toml:"reconnect_backoff"`
	MaxBackoff       Duration `toml:"max_backoff"`
	ResyncTimeout    Duration `toml:"resync_timeout"`
}

type SearchConfig struct {
	MaxHops int      `toml:"max_hops"`
	Budget  Duration `toml:"budget"`
	Epsilon float64  `toml:"epsilon"`
	// MinInput/MaxInput bound the sizing search, in wei-equivalent base units of the start token.
	MinInput string `toml:"min_input"`
	MaxInput string `toml:"max_input"`
	// SizingSteps is the number of ternary-search iterations.
	SizingSteps int `toml:"sizing_steps"`
	// Candidates is how many of the lowest weight cycles per start token get sized.
	Candidates int `toml:"candidates"`
}

type ValidateConfig struct {
	Backend         string `toml:"backend"`
	FreshnessBlocks uint64 `toml:"freshness_blocks"`
	MaxSlippageBps  int64  `toml:"max_slippage_bps"`
	GasPerHop       uint64 `toml:"gas_per_hop"`
	GasBase         uint64 `toml:"gas_base"`
	GasPriceGwei    int64  `toml:"gas_price_gwei"`
}

type DecideConfig struct {
	MinProfit     string   `toml:"min_profit"`
	MinProfitBps  int64    `toml:"min_profit_bps"`
	SignalEnabled bool     `toml:"signal_enabled"`
	SignalFloor   float64  `toml:"signal_floor"`
	SignalMissing string   `toml:"signal_missing"`
	SignalTimeout Duration `toml:"signal_timeout"`
}

type EngineConfig struct {
	MaxConcurrency int      `toml:"max_concurrency"`
	CycleBudget    Duration `toml:"cycle_budget"`
	StaleRetries   int      `toml:"stale_retries"`
}

type RelayConfig struct {
	URL            string   `toml:"url"`
	SigningKey     string   `toml:"signing_key"`
	SearcherKey    string   `toml:"searcher_key"`
	DryRun         bool     `toml:"dry_run"`
	RequestTimeout Duration `toml:"request_timeout"`
	OutcomeTimeout Duration `toml:"outcome_timeout"`
	PollInterval   Duration `toml:"poll_interval"`
	MaxRetries     int      `toml:"max_retries"`
	TargetBlocks   uint64   `toml:"target_blocks"`
}

type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

type ReplayConfig struct {
	ParquetFile string `toml:"parquet_file"`
	StartBlock  uint64 `toml:"start_block"`
	EndBlock    uint64 `toml:"end_block"`
}

// Duration decodes TOML strings like "5ms" or "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs the live searcher against
// mainnet-like parameters with the in-memory validator.
func Defaults() Config {
	return Config{
		Mode:     "live",
		LogLevel: "info",
		Eth: EthConfig{
			ChainID: 1,
			Pairs:   []string{"WETH/USDC", "WETH/USDT", "WETH/DAI", "WETH/WBTC", "USDC/USDT", "USDC/DAI", "DAI/USDT"},
		},
		Graph: GraphConfig{
			Shards:     32,
			ReorgDepth: 64,
		},
		Ingest: IngestConfig{
			ReorderWindow:    8,
			PendingCacheSize: 65536,
			RegistryCache:    4096,
			ReconnectBackoff: Duration{500 * time.Millisecond},
			MaxBackoff:       Duration{30 * time.Second},
			ResyncTimeout:    Duration{10 * time.Second},
		},
		Search: SearchConfig{
			MaxHops:     4,
			Budget:      Duration{5 * time.Millisecond},
			Epsilon:     1e-9,
			MinInput:    "1000000",
			MaxInput:    "100000000000000000000",
			SizingSteps: 48,
			Candidates:  8,
		},
		Validate: ValidateConfig{
			Backend:         "amm",
			FreshnessBlocks: 1,
			MaxSlippageBps:  50,
			GasPerHop:       90000,
			GasBase:         21000,
			GasPriceGwei:    30,
		},
		Decide: DecideConfig{
			MinProfit:     "0",
			MinProfitBps:  1,
			SignalEnabled: false,
			SignalFloor:   -0.5,
			SignalMissing: "disable",
			SignalTimeout: Duration{20 * time.Millisecond},
		},
		Engine: EngineConfig{
			MaxConcurrency: 64,
			CycleBudget:    Duration{2 * time.Second},
			StaleRetries:   1,
		},
		Relay: RelayConfig{
			URL:            "https://relay.flashbots.net",
			DryRun:         true,
			RequestTimeout: Duration{2 * time.Second},
			OutcomeTimeout: Duration{36 * time.Second},
			PollInterval:   Duration{2 * time.Second},
			MaxRetries:     3,
			TargetBlocks:   2,
		},
		Redis: RedisConfig{
			KeyPrefix: "signal:",
		},
		Storage: StorageConfig{
			SQLitePath: "data/searcher.db",
		},
	}
}

// Check reports the first configuration problem found.
func (c *Config) Check() error {
	var errs []string
	switch strings.ToLower(c.Mode) {
	case "live", "replay", "scan":
	default:
		errs = append(errs, fmt.Sprintf("mode must be live, replay or scan, got %q", c.Mode))
	}
	if c.Eth.RPCURL == "" {
		errs = append(errs, "eth.rpc_url is required")
	}
	if strings.EqualFold(c.Mode, "live") && c.Eth.WSURL == "" {
		errs = append(errs, "eth.ws_url is required in live mode")
	}
	if c.Graph.Shards <= 0 {
		errs = append(errs, "graph.shards must be positive")
	}
	if c.Graph.ReorgDepth == 0 {
		errs = append(errs, "graph.reorg_depth must be positive")
	}
	if c.Ingest.ReorderWindow == 0 {
		errs = append(errs, "ingest.reorder_window must be positive")
	}
	if c.Search.MaxHops < 2 || c.Search.MaxHops > 12 {
		errs = append(errs, "search.max_hops must be within [2, 12]")
	}
	if c.Search.Budget.Duration <= 0 {
		errs = append(errs, "search.budget must be positive")
	}
	switch c.Validate.Backend {
	case "amm", "evm":
	default:
		errs = append(errs, fmt.Sprintf("validate.backend must be amm or evm, got %q", c.Validate.Backend))
	}
	switch c.Decide.SignalMissing {
	case "neutral", "disable":
	default:
		errs = append(errs, fmt.Sprintf("decide.signal_missing must be neutral or disable, got %q", c.Decide.SignalMissing))
	}
	if c.Decide.SignalFloor < -1 || c.Decide.SignalFloor > 1 {
		errs = append(errs, "decide.signal_floor must be within [-1, 1]")
	}
	if c.Decide.SignalEnabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when decide.signal_enabled is set")
	}
	if c.Engine.MaxConcurrency <= 0 {
		errs = append(errs, "engine.max_concurrency must be positive")
	}
	if c.Engine.CycleBudget.Duration <= 0 {
		errs = append(errs, "engine.cycle_budget must be positive")
	}
	if !c.Relay.DryRun && (c.Relay.SigningKey == "" || c.Relay.SearcherKey == "") {
		errs = append(errs, "relay.signing_key and relay.searcher_key are required unless relay.dry_run is set")
	}
	if strings.EqualFold(c.Mode, "replay") && c.Replay.ParquetFile == "" {
		errs = append(errs, "replay.parquet_file is required in replay mode")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
