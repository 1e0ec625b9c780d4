package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillkom/ragcore/internal/adapters/cli"
	"github.com/kirillkom/ragcore/internal/bootstrap"
	"github.com/kirillkom/ragcore/internal/config"
	"github.com/kirillkom/ragcore/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open := func(ctx context.Context) (*cli.Services, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		// stdout carries command output and the MCP stream, so logs go to stderr.
		logging.SetDefaultStderr("ragctl", cfg.LogLevel)

		app, err := bootstrap.New(ctx, cfg, bootstrap.Options{ConnectQueue: cfg.AsyncIngestion})
		if err != nil {
			return nil, nil, err
		}
		return &cli.Services{
			Ingestor:      app.Ingestor,
			Catalog:       app.Catalog,
			Query:         app.Query,
			Conversations: app.Conversations,
		}, app.Close, nil
	}

	if err := cli.Execute(ctx, open, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
