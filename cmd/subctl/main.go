// Command subctl drives a deployed subscription contract from the shell.
//
// Connection settings come from the environment (or a .env file) and can be
// overridden with global flags:
//
//	RPC_URL, CHAIN_ID, CONTRACT_ADDRESS, PRIVATE_KEY
//
// Examples:
//
//	subctl deploy -bytecode artifacts/Subscription.json -royalty 0xdef... -wait
//	subctl add-tier -name Premium -price 0.0006eth
//	subctl mint -tier 1 -months 12 -value 5760000000000000 -wait
//	subctl subscription -token 1
//	subctl withdraw -to 0xabc... -amount 1eth
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/tierpass/internal/chain"
	"github.com/mbd888/tierpass/internal/config"
)

func main() {
	_ = godotenv.Load()

	global := flag.NewFlagSet("subctl", flag.ExitOnError)
	rpcURL := global.String("rpc", envOr("RPC_URL", config.DefaultRPCURL), "JSON-RPC endpoint")
	chainID := global.Int64("chain-id", envInt64("CHAIN_ID", config.DefaultChainID), "Chain ID")
	contract := global.String("contract", os.Getenv("CONTRACT_ADDRESS"), "Subscription contract address")
	key := global.String("key", os.Getenv("PRIVATE_KEY"), "Hex private key for transactions")
	timeout := global.Duration("timeout", 2*time.Minute, "Overall command timeout")
	global.Usage = func() {
		fmt.Fprintf(global.Output(), "usage: subctl [flags] <command> [command flags]\n\ncommands:\n")
		for _, c := range commands {
			fmt.Fprintf(global.Output(), "  %-20s %s\n", c.name, c.usage)
		}
		fmt.Fprintf(global.Output(), "\nflags:\n")
		global.PrintDefaults()
	}
	_ = global.Parse(os.Args[1:])

	if global.NArg() == 0 {
		global.Usage()
		os.Exit(2)
	}

	client, err := chain.New(chain.Config{
		RPCURL:     *rpcURL,
		ChainID:    *chainID,
		Contract:   *contract,
		PrivateKey: *key,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "subctl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, client, global.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "subctl: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
