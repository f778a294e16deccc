package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// AlertHandler serves the operator alert audit trail.
type AlertHandler struct {
	alerts domain.AlertStore
	logger *slog.Logger
}

// NewAlertHandler creates an AlertHandler.
func NewAlertHandler(alerts domain.AlertStore, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, logger: logHandler(logger, "alert")}
}

type alertResponse struct {
	ID        int64          `json:"id"`
	Severity  string         `json:"severity"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAlerts returns recent alerts, newest first. Supports limit, offset,
// since and until.
// GET /api/alerts
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerts, err := h.alerts.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list alerts", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	out := make([]alertResponse, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertResponse{
			ID:        a.ID,
			Severity:  string(a.Severity),
			Component: a.Component,
			Message:   a.Message,
			Detail:    a.Detail,
			CreatedAt: a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": out,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}
