package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// SnapshotHandler serves the most recently published snapshots.
type SnapshotHandler struct {
	cache  domain.SnapshotCache
	logger *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(cache domain.SnapshotCache, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{cache: cache, logger: logHandler(logger, "snapshot")}
}

// Latest returns the cached snapshots, optionally filtered by the home,
// foreign and asset query parameters.
// GET /api/snapshots/latest
func (h *SnapshotHandler) Latest(w http.ResponseWriter, r *http.Request) {
	home, err := parseVenue(r, "home")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	foreign, err := parseVenue(r, "foreign")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("asset")))

	snaps, err := h.cache.LatestSnapshots(r.Context())
	switch {
	case errors.Is(err, domain.ErrNotFound):
		snaps = nil
	case err != nil:
		h.logger.ErrorContext(r.Context(), "load snapshots", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load snapshots")
		return
	}

	out := make([]domain.ArbitrageSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if home != domain.VenueUnknown && s.HomeExchange != home {
			continue
		}
		if foreign != domain.VenueUnknown && s.ForeignExchange != foreign {
			continue
		}
		if asset != "" && s.Asset != asset {
			continue
		}
		out = append(out, s)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": out,
		"count":   len(out),
	})
}
