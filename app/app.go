package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Runner owns the process lifecycle: it hands the main function a context
// that cancels on SIGTERM/SIGINT and exits non-zero on startup failure.
type Runner struct {
	Logger *slog.Logger
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{Logger: logger}
}

// Run executes fn and blocks until it returns. fn is expected to run the
// service until its context is cancelled.
func (r *Runner) Run(fn func(ctx context.Context) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.Logger.Info("Service starting...")

	if err := fn(ctx); err != nil {
		r.Logger.Error("Service failed", "error", err)
		stop()
		os.Exit(1)
	}

	r.Logger.Info("Service shutdown complete.")
}
