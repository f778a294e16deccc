// Command karbit runs the kimchi-premium arbitrage system in one of its
// process roles: scheduler, worker, server, or all three in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/karbit/internal/app"
	"github.com/alanyoungcy/karbit/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode (scheduler, worker, server, full)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration with secrets masked and exit")
	flag.Parse()

	os.Exit(run(*configPath, *mode, *printConfig, os.Stdout))
}

func run(configPath, mode string, printConfig bool, out io.Writer) int {
	logger := newLogger(out, "info")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("path", configPath), slog.String("error", err.Error()))
		return 1
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if printConfig {
		if err := cfg.WriteRedacted(out); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	logger = newLogger(out, cfg.LogLevel).With(slog.String("mode", cfg.Mode))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("karbit starting", slog.String("config", configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("karbit stopped")
	return 0
}

// newLogger builds the JSON logger. Unknown levels fall back to info.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
