package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
)

const pingTimeout = 2 * time.Second

type check struct {
	Status    string `json:"status"` // ok | down
	LatencyMS int64  `json:"latency_ms"`
}

type HealthHandler struct {
	deps   map[string]domain.Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. deps maps a dependency name
// ("postgres", "redis", "s3") to its client; an empty map reports liveness
// only.
func NewHealthHandler(deps map[string]domain.Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{deps: deps, logger: logHandler(logger, "health")}
}

// HealthCheck pings every dependency in parallel and answers 503 with status
// "degraded" if any is down.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]check, len(h.deps))
	)
	for name, p := range h.deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := p.Ping(ctx)
			c := check{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				c.Status = "down"
				h.logger.WarnContext(ctx, "dependency unhealthy",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
			}
			mu.Lock()
			checks[name] = c
			mu.Unlock()
		}()
	}
	wg.Wait()

	status, code := "ok", http.StatusOK
	for _, c := range checks {
		if c.Status != "ok" {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}
