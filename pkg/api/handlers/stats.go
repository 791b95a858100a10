package handlers

import (
	"context"
	"net/http"

	"github.com/hearth/hearth/pkg/api/response"
	"github.com/hearth/hearth/pkg/engine"
)

// StatsProvider returns component counters.
type StatsProvider interface {
	Stats(ctx context.Context) (engine.Stats, error)
}

// StatsHandler handles GET /api/v1/stats.
type StatsHandler struct {
	provider StatsProvider
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(provider StatsProvider) *StatsHandler {
	return &StatsHandler{provider: provider}
}

// Stats writes engine statistics.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.provider.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, st)
}
