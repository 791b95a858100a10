package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hearth/hearth/pkg/api/response"
	"github.com/hearth/hearth/pkg/engine"
	"github.com/hearth/hearth/pkg/storage"
)

// MemoryService stores, fetches and searches memories.
type MemoryService interface {
	Store(ctx context.Context, req engine.StoreRequest) (engine.StoreResult, error)
	GetMemory(ctx context.Context, id string) (*storage.Memory, error)
	Search(ctx context.Context, req engine.SearchRequest) (engine.SearchResponse, error)
	FindMemories(ctx context.Context, req engine.FindRequest) ([]*storage.Memory, error)
}

// MemoryHandler handles memory endpoints.
type MemoryHandler struct {
	svc MemoryService
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(svc MemoryService) *MemoryHandler {
	return &MemoryHandler{svc: svc}
}

type storeRequest struct {
	ID           string            `json:"id,omitempty" validate:"omitempty,max=128"`
	Content      string            `json:"content" validate:"required"`
	ProjectID    string            `json:"project_id" validate:"required,max=256"`
	SessionID    string            `json:"session_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	SuccessScore *float64          `json:"success_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	Embedding    []float32         `json:"embedding,omitempty"`
}

type searchRequest struct {
	Query     string    `json:"query" validate:"required_without=Embedding"`
	Embedding []float32 `json:"embedding,omitempty"`
	ProjectID string    `json:"project_id" validate:"required"`
	Limit     int       `json:"limit,omitempty" validate:"gte=0,lte=1000"`
	Threshold float64   `json:"threshold,omitempty" validate:"gte=0,lte=1"`
}

// StoreMemory handles POST /api/v1/memories.
func (h *MemoryHandler) StoreMemory(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.Store(r.Context(), engine.StoreRequest{
		ID:           req.ID,
		Content:      req.Content,
		ProjectID:    req.ProjectID,
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		Metadata:     req.Metadata,
		SuccessScore: req.SuccessScore,
		Embedding:    req.Embedding,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if req.ID != "" {
		status = http.StatusOK
	}
	response.JSON(w, status, res)
}

// GetMemory handles GET /api/v1/memories/{id}.
func (h *MemoryHandler) GetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMemory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, m)
}

// metaParamPrefix marks query parameters that filter on metadata.
const metaParamPrefix = "meta."

// FindMemories handles GET /api/v1/memories?project_id=p&meta.<key>=<value>.
func (h *MemoryHandler) FindMemories(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	req := engine.FindRequest{ProjectID: values.Get("project_id")}

	limit, err := intParam(values.Get("limit"))
	if err != nil {
		writeError(w, r, &engine.InvalidRequestError{Field: "limit", Message: err.Error()})
		return
	}
	req.Limit = limit

	for key, vals := range values {
		name, ok := strings.CutPrefix(key, metaParamPrefix)
		if !ok {
			continue
		}
		if name == "" || len(vals) != 1 {
			writeError(w, r, &engine.InvalidRequestError{Field: key, Message: "must name one key with one value"})
			return
		}
		if req.Metadata == nil {
			req.Metadata = make(map[string]string)
		}
		req.Metadata[name] = vals[0]
	}

	found, err := h.svc.FindMemories(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"memories": found, "count": len(found)})
}

// Search handles POST /api/v1/search.
func (h *MemoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.Search(r.Context(), engine.SearchRequest{
		Query:     req.Query,
		Embedding: req.Embedding,
		ProjectID: req.ProjectID,
		Limit:     req.Limit,
		Threshold: req.Threshold,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}
