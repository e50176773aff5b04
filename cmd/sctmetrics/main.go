package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sctmetrics/internal/logging"
)

var (
	GitSHA string = "NA"
)

func main() {
	// register sigterm so a running recalculation is cancelled
	ctx, cnc := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cnc()

	slog.SetDefault(logging.Logger(os.Stderr, false, slog.LevelInfo))

	if err := NewRoot(ctx, GitSHA).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cnc()
		os.Exit(1)
	}
}
