package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"deshaker/internal/cli"
	"deshaker/internal/config"
	"deshaker/internal/logging"
	"deshaker/internal/pipeline"
	"deshaker/internal/storage"
	"deshaker/internal/workpool"
)

func main() {
	// worker processes answer on stdin/stdout and never reach the CLI
	if name, ok := workpool.WorkerTask(); ok {
		if err := workpool.Serve(context.Background(), name, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return err
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return err
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		log.Error("database path", "error", err)
		return err
	}
	store, err := storage.New(dbPath)
	if err != nil {
		log.Error("open job store", "path", dbPath, "error", err)
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx); err != nil {
		log.Error("command failed", "error", err)
		return err
	}
	return nil
}
