package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pulkyeet/cycle-searcher/internal/app"
	"github.com/pulkyeet/cycle-searcher/internal/config"
	"github.com/pulkyeet/cycle-searcher/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "config.toml", "Path to the TOML config file")
		file       = flag.String("file", "", "Mempool-dumpster parquet file (overrides replay.parquet_file)")
		startBlock = flag.Uint64("start", 0, "Start block number (overrides replay.start_block)")
		endBlock   = flag.Uint64("end", 0, "End block number (overrides replay.end_block)")
		timeout    = flag.Duration("timeout", 3*time.Hour, "Give up after this long")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.Mode = "replay"
	if *file != "" {
		cfg.Replay.ParquetFile = *file
	}
	if *startBlock != 0 {
		cfg.Replay.StartBlock = *startBlock
	}
	if *endBlock != 0 {
		cfg.Replay.EndBlock = *endBlock
	}
	if err := cfg.Check(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Replay.StartBlock == 0 || cfg.Replay.StartBlock > cfg.Replay.EndBlock {
		fmt.Fprintln(os.Stderr, "Error: start block must be positive and <= end block")
		os.Exit(1)
	}

	log, err := logging.New("replay", logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer a.Close()

	report, err := a.Replay(ctx)
	if err != nil {
		log.Errorf("replay failed: %v", err)
		return
	}
	fmt.Print(report.Summary())
}
