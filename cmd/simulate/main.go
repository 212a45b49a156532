package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pulkyeet/cycle-searcher/internal/config"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/logging"
	"github.com/pulkyeet/cycle-searcher/internal/simulator"
)

// simulate re-executes a mined transaction on a fork of the parent block and
// compares the result with its receipt, as a check of the EVM validator.
func main() {
	configPath := flag.String("config", "config.toml", "Path to the TOML config file")
	blockNum := flag.Uint64("block", 0, "Block the transaction was mined in")
	txHash := flag.String("tx", "", "Transaction hash to simulate")
	flag.Parse()

	if *blockNum == 0 || *txHash == "" {
		fmt.Fprintln(os.Stderr, "Usage: simulate -block <number> -tx <hash>")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New("simulate", logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	client, err := eth.Dial(ctx, cfg.Eth.RPCURL)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(*blockNum))
	if err != nil {
		log.Fatalf("fetch block %d: %v", *blockNum, err)
	}
	hash := common.HexToHash(*txHash)
	txIndex := -1
	for i, tx := range block.Transactions() {
		if tx.Hash() == hash {
			txIndex = i
			break
		}
	}
	if txIndex < 0 {
		log.Fatalf("transaction %s not found in block %d", hash.Hex(), *blockNum)
	}
	target := block.Transactions()[txIndex]

	log.Infof("forking state at block %d", *blockNum-1)
	base, err := simulator.NewBaseState(ctx, client, new(big.Int).SetUint64(*blockNum-1))
	if err != nil {
		log.Fatal(err)
	}
	fork := simulator.NewStateFork(base)
	executor := simulator.NewExecutor(fork, params.MainnetChainConfig)

	// prior transactions build up the state, failures included
	for i, prior := range block.Transactions()[:txIndex] {
		if _, err := executor.ExecuteTransaction(prior); err != nil {
			log.Fatalf("apply prior tx %d: %v", i, err)
		}
	}
	log.Infof("applied %d prior transactions", txIndex)

	res, err := simulator.NewBundleSimulator(executor, log).ExecuteBundle([]*types.Transaction{target})
	if err != nil {
		log.Fatal(err)
	}
	result := res.Transactions[0]

	fmt.Printf("\n=== Simulation Result ===\n")
	fmt.Printf("Success:  %v\n", result.Success)
	fmt.Printf("Gas used: %d\n", result.GasUsed)
	fmt.Printf("Logs:     %d\n", len(result.Logs))
	if !result.Success {
		fmt.Printf("Revert:   %s\n", res.RevertReason())
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		log.Warnf("couldn't fetch receipt: %v", err)
		return
	}
	fmt.Printf("\nReceipt status:   %d\n", receipt.Status)
	fmt.Printf("Receipt gas used: %d\n", receipt.GasUsed)
	fmt.Printf("Receipt logs:     %d\n", len(receipt.Logs))
	if diff := int64(result.GasUsed) - int64(receipt.GasUsed); diff == 0 {
		fmt.Println("gas used matches the receipt")
	} else {
		fmt.Printf("gas used off by %d (%.2f%%)\n", diff, float64(diff)/float64(receipt.GasUsed)*100)
	}
}
