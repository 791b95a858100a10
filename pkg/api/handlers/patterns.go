package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hearth/hearth/pkg/api/response"
	"github.com/hearth/hearth/pkg/engine"
	"github.com/hearth/hearth/pkg/storage"
)

// PatternService lists patterns and manages auto-apply.
type PatternService interface {
	GetPatterns(ctx context.Context, q engine.PatternQuery) ([]*storage.Pattern, error)
	DisableAutoApply(ctx context.Context, id string) (*storage.Pattern, error)
}

// PatternHandler handles pattern endpoints.
type PatternHandler struct {
	svc PatternService
}

// NewPatternHandler creates a new pattern handler.
func NewPatternHandler(svc PatternService) *PatternHandler {
	return &PatternHandler{svc: svc}
}

type patternsResponse struct {
	Patterns []*storage.Pattern `json:"patterns"`
	Count    int                `json:"count"`
}

// ListPatterns handles GET /api/v1/patterns.
func (h *PatternHandler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	q, err := parsePatternQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	list, err := h.svc.GetPatterns(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, patternsResponse{Patterns: list, Count: len(list)})
}

// DisableAutoApply handles POST /api/v1/patterns/{id}/disable-auto-apply.
func (h *PatternHandler) DisableAutoApply(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.DisableAutoApply(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, p)
}

func parsePatternQuery(r *http.Request) (engine.PatternQuery, error) {
	values := r.URL.Query()
	q := engine.PatternQuery{ProjectID: values.Get("project_id")}

	var err error
	if q.Limit, err = intParam(values.Get("limit")); err != nil {
		return q, &engine.InvalidRequestError{Field: "limit", Message: err.Error()}
	}
	if q.MinOccurrences, err = intParam(values.Get("min_occurrences")); err != nil {
		return q, &engine.InvalidRequestError{Field: "min_occurrences", Message: err.Error()}
	}
	if raw := values.Get("auto_apply_only"); raw != "" {
		if q.AutoApplyOnly, err = strconv.ParseBool(raw); err != nil {
			return q, &engine.InvalidRequestError{Field: "auto_apply_only", Message: "must be a boolean"}
		}
	}
	return q, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}
