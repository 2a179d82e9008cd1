package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tokenledger/internal/infrastructure"
)

func main() {
	if err := run(); err != nil {
		slog.Error("tokenledger stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("tokenledger stopped")
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return app.Run(ctx)
}
