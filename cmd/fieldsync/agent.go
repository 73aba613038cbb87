package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/fieldsync/pkg/fieldsync"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a device replica",
	Long:  "Join the configured rooms, drain the offline queue and run selective sync until interrupted.",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	setupLogger(os.Stdout, cfg.Log)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	app, err := fieldsync.New(ctx, cfg)
	if err != nil {
		return err
	}

	runErr := app.Run(ctx)
	slog.Info("shutdown initiated")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer closeCancel()
	if err := app.Close(closeCtx); err != nil {
		slog.Error("app close error", "error", err)
	}

	slog.Info("shutdown complete")
	return runErr
}
