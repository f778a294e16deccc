// Package app wires karbit's stores, caches, venues and notifiers and runs
// the components of one process role.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/karbit/internal/config"
)

// modes maps a configured mode to the components it runs.
var modes = map[string]func(*App, context.Context, *Dependencies) error{
	"scheduler": (*App).SchedulerMode,
	"worker":    (*App).WorkerMode,
	"server":    (*App).ServerMode,
	"full":      (*App).FullMode,
}

// App owns the configuration and the cleanup of everything Wire opened.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run wires dependencies and blocks in the configured mode until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	start, ok := modes[strings.ToLower(a.cfg.Mode)]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.mu.Lock()
	a.closers = append(a.closers, cleanup)
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "dependencies ready",
		slog.Int("pairs", len(deps.Pairs)),
		slog.Bool("archive", deps.BlobWriter != nil),
	)
	return start(a, ctx, deps)
}

// Close runs cleanups in reverse registration order. Later calls are no-ops.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	if len(closers) == 0 {
		return
	}

	a.logger.Info("shutting down application")
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
