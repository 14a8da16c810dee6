package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vocdoni/faucetd/config"
	"github.com/vocdoni/faucetd/log"
	"github.com/vocdoni/faucetd/orchestrator"
)

// Version is the build version, set at build time with -ldflags.
var Version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting faucetd", "version", Version)

	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to construct orchestrator: %v", err)
	}
	if err := orch.Start(ctx); err != nil {
		log.Fatalf("failed to start orchestrator: %v", err)
	}
	defer func() {
		if err := orch.Stop(); err != nil {
			log.Warnw("error during shutdown", "error", err)
		}
	}()

	log.Infow("faucetd is running", "faucetAddress", orch.GetFaucetAddress().Hex())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}
