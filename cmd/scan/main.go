package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/app"
	"github.com/pulkyeet/cycle-searcher/internal/config"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/logging"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to the TOML config file")
	blockNum := flag.Uint64("block", 18000000, "Block number to scan")
	pairs := flag.String("pairs", "", "Comma separated pairs to load, e.g. WETH/USDC,WETH/DAI (default: eth.pairs)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.Mode = "scan"
	cfg.Relay.DryRun = true
	cfg.Storage.SQLitePath = ":memory:"
	if *pairs != "" {
		cfg.Eth.Pairs = strings.Split(*pairs, ",")
	}
	if err := cfg.Check(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New("scan", logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer a.Close()

	fmt.Printf("scanning block %d for cycles across %d pairs...\n\n", *blockNum, len(cfg.Eth.Pairs))
	results, err := a.Scan(ctx, *blockNum)
	if err != nil {
		log.Errorf("scan failed: %v", err)
		return
	}

	found := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Printf("%-5s error: %v\n", r.Symbol, r.Err)
		case r.Candidate == nil:
			fmt.Printf("%-5s no cycle\n", r.Symbol)
		default:
			c, res := r.Candidate, r.Result
			fmt.Printf("%-5s %d hops, rate %.6f, input %s\n", r.Symbol, len(c.Hops), c.Rate, human(r.Start, c.AmountIn))
			for _, h := range c.Hops {
				fmt.Printf("        %s (%s)\n", h.Pool.Hex(), h.DEX)
			}
			if res.Profitable {
				found++
				fmt.Printf("      profitable: net %s after gas %s\n", human(r.Start, res.NetProfit), human(r.Start, res.GasCost))
			} else {
				fmt.Printf("      rejected by validation: %s\n", res.Reason)
			}
		}
	}
	fmt.Printf("\n%d profitable cycles at block %d\n", found, *blockNum)
}

// human renders base units in whole tokens when the token is known.
func human(token common.Address, amount *big.Int) string {
	if amount == nil {
		return "-"
	}
	if info, ok := eth.TokenByAddress(token); ok {
		return decimal.NewFromBigInt(amount, -int32(info.Decimals)).StringFixed(6) + " " + info.Symbol
	}
	return amount.String()
}
