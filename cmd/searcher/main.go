package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pulkyeet/cycle-searcher/internal/app"
	"github.com/pulkyeet/cycle-searcher/internal/config"
	"github.com/pulkyeet/cycle-searcher/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.Mode = "live"
	if err := cfg.Check(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New("searcher", logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer a.Close()

	log.Infof("searcher starting (dry run: %v, backend: %s)", cfg.Relay.DryRun, cfg.Validate.Backend)
	if err := a.Run(ctx); err != nil {
		log.Errorf("searcher stopped: %v", err)
		return
	}
	log.Info("searcher stopped")
}
