// Package app wires the searcher together from a Config: node connections,
// the graph store, ingestion, the decision engine and the relay channel.
package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/backtest"
	"github.com/pulkyeet/cycle-searcher/internal/config"
	"github.com/pulkyeet/cycle-searcher/internal/engine"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/ingest"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"github.com/pulkyeet/cycle-searcher/internal/metrics"
	"github.com/pulkyeet/cycle-searcher/internal/relay"
	"github.com/pulkyeet/cycle-searcher/internal/signal"
	"github.com/pulkyeet/cycle-searcher/internal/simulator"
	"github.com/pulkyeet/cycle-searcher/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	db       *storage.DB
	client   *eth.Client
	store    *market.Store
	resolver *ingest.Resolver
	loader   *ingest.BlockLoader

	finder    *arbitrage.PathFinder
	validator *simulator.Validator
	engine    *engine.Engine
	ingestor  *ingest.Ingestor
	runner    *backtest.Runner
	signals   *signal.RedisSource
}

// New connects to the node and builds every component. The graph is empty
// until Bootstrap runs.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (_ *App, err error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.db, err = storage.Open(cfg.Storage.SQLitePath); err != nil {
		return nil, err
	}
	if a.client, err = eth.Dial(ctx, cfg.Eth.RPCURL); err != nil {
		return nil, err
	}

	a.store = market.NewStore(market.Options{
		Shards:     cfg.Graph.Shards,
		ReorgDepth: cfg.Graph.ReorgDepth,
	}, log.Named("graph"))
	if a.resolver, err = ingest.NewResolver(a.client, a.db.Pools(), cfg.Ingest.RegistryCache); err != nil {
		return nil, err
	}
	a.loader = ingest.NewBlockLoader(a.client, a.resolver, log.Named("blocks"))

	if a.finder, err = newFinder(cfg.Search); err != nil {
		return nil, err
	}
	backend, err := a.newBackend()
	if err != nil {
		return nil, err
	}
	gasPrice := gwei(cfg.Validate.GasPriceGwei)
	a.validator = simulator.NewValidator(a.store, backend, simulator.ValidatorConfig{
		FreshnessBlocks: cfg.Validate.FreshnessBlocks,
		GasPrice:        gasPrice,
	}, log.Named("validate"))

	policy, err := a.newPolicy(ctx)
	if err != nil {
		return nil, err
	}
	submitter, err := a.newSubmitter(gasPrice)
	if err != nil {
		return nil, err
	}

	deps := engine.Deps{
		Store:     a.store,
		Finder:    a.finder,
		Validator: a.validator,
		Policy:    policy,
		Submitter: submitter,
		Journal:   a.db.Journal(),
		Metrics:   a.metrics,
	}
	if a.replay() {
		a.runner = backtest.NewRunner(cfg.Replay.StartBlock, cfg.Replay.EndBlock, a.client, a.store, log.Named("replay"))
		deps.OnFinish = a.runner.Observe
	}
	a.engine = engine.New(engine.Config{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		CycleBudget:    cfg.Engine.CycleBudget.Duration,
		StaleRetries:   cfg.Engine.StaleRetries,
	}, deps, log.Named("engine"))

	var sink ingest.Sink = a.engine
	if a.runner != nil {
		sink = a.runner.Sink(a.engine)
	}
	resyncer := ingest.NewRPCResyncer(a.client, a.resolver, 8, log.Named("resync"))
	a.ingestor, err = ingest.New(ingest.Options{
		ReorderWindow:    cfg.Ingest.ReorderWindow,
		PendingCacheSize: cfg.Ingest.PendingCacheSize,
		ReconnectBackoff: cfg.Ingest.ReconnectBackoff.Duration,
		MaxBackoff:       cfg.Ingest.MaxBackoff.Duration,
		ResyncTimeout:    cfg.Ingest.ResyncTimeout.Duration,
	}, a.store, sink, resyncer, types.LatestSignerForChainID(big.NewInt(cfg.Eth.ChainID)), a.metrics, log.Named("ingest"))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) replay() bool { return strings.EqualFold(a.cfg.Mode, "replay") }

func newFinder(cfg config.SearchConfig) (*arbitrage.PathFinder, error) {
	fc := arbitrage.DefaultFinderConfig()
	fc.MaxHops = cfg.MaxHops
	fc.Budget = cfg.Budget.Duration
	fc.Epsilon = cfg.Epsilon
	if cfg.SizingSteps > 0 {
		fc.SizingSteps = cfg.SizingSteps
	}
	if cfg.Candidates > 0 {
		fc.Candidates = cfg.Candidates
	}
	var err error
	if fc.MinInput, err = parseAmount("search.min_input", cfg.MinInput, fc.MinInput); err != nil {
		return nil, err
	}
	if fc.MaxInput, err = parseAmount("search.max_input", cfg.MaxInput, fc.MaxInput); err != nil {
		return nil, err
	}
	return arbitrage.NewPathFinder(fc), nil
}

func (a *App) newBackend() (simulator.Backend, error) {
	v := a.cfg.Validate
	if v.Backend == "evm" {
		return simulator.NewEVMBackend(a.client, simulator.EVMConfig{
			ChainConfig: params.MainnetChainConfig,
			SlippageBps: v.MaxSlippageBps,
			GasPerHop:   v.GasPerHop,
			BaseStates:  4,
		}, a.log.Named("evm"))
	}
	return &simulator.AMMBackend{SlippageBps: v.MaxSlippageBps, GasBase: v.GasBase, GasPerHop: v.GasPerHop}, nil
}

func (a *App) newPolicy(ctx context.Context) (*engine.Policy, error) {
	d := a.cfg.Decide
	minProfit, err := parseAmount("decide.min_profit", d.MinProfit, new(big.Int))
	if err != nil {
		return nil, err
	}
	var src signal.Source
	if d.SignalEnabled {
		r := a.cfg.Redis
		a.signals, err = signal.NewRedisSource(ctx, signal.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		src = a.signals
	}
	return engine.NewPolicy(engine.PolicyConfig{
		MinProfit:     minProfit,
		MinProfitBps:  d.MinProfitBps,
		SignalEnabled: d.SignalEnabled,
		SignalFloor:   d.SignalFloor,
		SignalMissing: d.SignalMissing,
		SignalTimeout: d.SignalTimeout.Duration,
	}, a.store, src), nil
}

func (a *App) newSubmitter(gasPrice *big.Int) (*engine.Submitter, error) {
	r := a.cfg.Relay
	var (
		channel relay.Channel
		key     *ecdsa.PrivateKey
	)
	if r.DryRun || a.replay() {
		channel = relay.NewDryRunChannel(a.log.Named("relay"))
	} else {
		signing, err := parseKey("relay.signing_key", r.SigningKey)
		if err != nil {
			return nil, err
		}
		if key, err = parseKey("relay.searcher_key", r.SearcherKey); err != nil {
			return nil, err
		}
		channel = relay.NewFlashbotsChannel(r.URL, signing, a.client, r.RequestTimeout.Duration, a.log.Named("relay"))
	}
	return engine.NewSubmitter(engine.SubmitterConfig{
		ChainID:        big.NewInt(a.cfg.Eth.ChainID),
		Key:            key,
		GasPrice:       gasPrice,
		GasPerHop:      a.cfg.Validate.GasPerHop,
		SlippageBps:    a.cfg.Validate.MaxSlippageBps,
		TargetBlocks:   r.TargetBlocks,
		MaxRetries:     r.MaxRetries,
		PollInterval:   r.PollInterval.Duration,
		OutcomeTimeout: r.OutcomeTimeout.Duration,
	}, channel, a.client, a.metrics, a.log.Named("submit"))
}

// Bootstrap loads every configured pair on every known dex, plus the pools
// already in the registry, at height and rebases the graph onto them.
func (a *App) Bootstrap(ctx context.Context, height uint64) error {
	hdr, err := a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return fmt.Errorf("bootstrap header %d: %w", height, err)
	}
	refs, err := PairRefs(a.cfg.Eth.Pairs)
	if err != nil {
		return err
	}
	known, err := a.db.Pools().Known()
	if err != nil {
		return err
	}
	seen := make(map[common.Address]bool, len(refs))
	for _, r := range refs {
		seen[r.Pool] = true
	}
	for _, p := range known {
		if !seen[p.Address] {
			refs = append(refs, arbitrage.PairRef{Pool: p.Address, DEX: p.DEX})
		}
	}

	updates, skipped, err := arbitrage.LoadPools(ctx, a.client, refs, hdr.Number)
	if err != nil {
		return fmt.Errorf("bootstrap pools: %w", err)
	}
	pools := make([]storage.Pool, 0, len(updates))
	for _, u := range updates {
		pools = append(pools, storage.Pool{Address: u.Pool, Token0: u.Token0, Token1: u.Token1, DEX: u.DEX, Known: true})
	}
	a.resolver.Seed(pools...)
	if err := a.db.Pools().PutBatch(pools); err != nil {
		return err
	}

	res := a.store.Rebase(updates, height, hdr.Hash())
	a.log.Infof("bootstrapped %d pools at block %d (%d refs absent, %d rejected)", len(res.Applied), height, skipped, len(res.Rejected))
	return nil
}

// Run follows the chain head until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ws, err := eth.Dial(ctx, a.cfg.Eth.WSURL)
	if err != nil {
		return err
	}
	defer ws.Close()

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head: %w", err)
	}
	if err := a.Bootstrap(ctx, head); err != nil {
		return err
	}
	hash, _ := a.store.HashAt(head)

	src := ingest.NewEthSource(ws, a.loader, ingest.EthSourceOptions{
		Pending: true,
		Depth:   a.cfg.Graph.ReorgDepth,
	}, a.log.Named("eth"))
	src.Anchor(head, hash)

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error { return a.metrics.Serve(gctx, addr) })
	}
	g.Go(func() error {
		defer a.engine.Close()
		return a.ingestor.Run(gctx, src)
	})
	return g.Wait()
}

// Replay bootstraps the graph just below the replay range, feeds the parquet
// file through the pipeline and scores the result.
func (a *App) Replay(ctx context.Context) (*backtest.Report, error) {
	if a.runner == nil {
		return nil, fmt.Errorf("replay: mode is %q", a.cfg.Mode)
	}
	rc := a.cfg.Replay
	if rc.StartBlock == 0 || rc.EndBlock < rc.StartBlock {
		return nil, fmt.Errorf("replay: invalid block range %d-%d", rc.StartBlock, rc.EndBlock)
	}
	if err := a.Bootstrap(ctx, rc.StartBlock-1); err != nil {
		return nil, err
	}
	src := ingest.NewParquetSource(rc.ParquetFile, rc.StartBlock, rc.EndBlock, a.client, a.loader, a.log.Named("parquet"))
	defer a.engine.Close()
	return a.runner.Run(ctx, a.ingestor, src, a.engine)
}

func (a *App) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.signals != nil {
		_ = a.signals.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// PairRefs expands SYMBOL/SYMBOL pairs into one pair contract per known dex.
func PairRefs(pairs []string) ([]arbitrage.PairRef, error) {
	var refs []arbitrage.PairRef
	for _, pair := range pairs {
		parts := strings.Split(pair, "/")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid pair %q, want e.g. WETH/USDC", pair)
		}
		a, okA := eth.KnownTokens[strings.ToUpper(parts[0])]
		b, okB := eth.KnownTokens[strings.ToUpper(parts[1])]
		if !okA || !okB {
			return nil, fmt.Errorf("unknown token in pair %q", pair)
		}
		refs = append(refs, arbitrage.DiscoverPairs([]common.Address{a.Address, b.Address}, eth.KnownDEXes)...)
	}
	return refs, nil
}

func parseAmount(name, s string, def *big.Int) (*big.Int, error) {
	if s == "" {
		return def, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", name, s)
	}
	return v, nil
}

func parseKey(name, s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return key, nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.GWei))
}
