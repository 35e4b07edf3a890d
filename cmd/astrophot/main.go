package main

import (
	"context"
	"fmt"
	"os"

	"astrophot/internal/cli"
	"astrophot/internal/config"
	"astrophot/internal/logging"
	"astrophot/internal/pipeline"
	"astrophot/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	pipe := pipeline.New(context.Background(), cfg.Processing.ParallelJobs, log, store, cfg)
	defer pipe.Stop()

	rootCmd := cli.NewRootCmd(cfg, log, store, pipe)
	return rootCmd.Execute()
}
