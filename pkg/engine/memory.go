package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hearth/hearth/pkg/embedding"
	"github.com/hearth/hearth/pkg/memory"
	"github.com/hearth/hearth/pkg/storage"
)

// Search modes reported in SearchResponse.
const (
	SearchModeVector  = "vector"
	SearchModeKeyword = "keyword"
)

// StoreRequest is the input of Store.
type StoreRequest struct {
	// ID updates an existing memory's mutable fields; empty creates one.
	ID        string            `json:"id,omitempty"`
	Content   string            `json:"content"`
	ProjectID string            `json:"project_id"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// SuccessScore defaults to 1 when nil.
	SuccessScore *float64 `json:"success_score,omitempty"`
	// Embedding skips the embedding service when set.
	Embedding []float32 `json:"embedding,omitempty"`
}

// StoreResult is the output of Store.
type StoreResult struct {
	ID string `json:"id"`
	// Embedded is false when the record was stored without a vector.
	Embedded bool `json:"embedded"`
}

// SearchRequest is the input of Search.
type SearchRequest struct {
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding,omitempty"`
	ProjectID string    `json:"project_id"`
	Limit     int       `json:"limit,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

// SearchResponse is the output of Search.
type SearchResponse struct {
	Mode    string          `json:"mode"`
	Results []memory.Result `json:"results"`
}

// Store embeds and stores a memory. An unavailable embedding provider does
// not fail the write; the memory is stored without a vector and stays
// reachable through keyword search.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	if err := e.running(); err != nil {
		return StoreResult{}, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return StoreResult{}, &InvalidRequestError{Field: "content", Message: "is required"}
	}
	if req.ProjectID == "" {
		return StoreResult{}, &InvalidRequestError{Field: "project_id", Message: "is required"}
	}
	if req.SuccessScore != nil && (*req.SuccessScore < 0 || *req.SuccessScore > 1) {
		return StoreResult{}, &InvalidRequestError{Field: "success_score", Message: "must be within [0,1]"}
	}

	ctx, span := tracer().Start(ctx, spanStore)
	defer span.End()
	span.SetAttributes(attribute.String("project.id", req.ProjectID))

	m := storage.NewMemory(req.ProjectID, req.Content)
	if req.ID != "" {
		m.ID = req.ID
	}
	m.SessionID = req.SessionID
	m.UserID = req.UserID
	m.Metadata = req.Metadata
	switch {
	case req.SuccessScore != nil:
		m.SuccessScore = *req.SuccessScore
	case req.ID != "":
		// An update that omits the score keeps the stored one.
		existing, err := e.store.GetMemory(ctx, req.ID)
		switch {
		case err == nil:
			m.SuccessScore = existing.SuccessScore
		case !storage.IsNotFound(err):
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return StoreResult{}, err
		}
	}

	m.Embedding = req.Embedding
	if len(m.Embedding) == 0 {
		vec, err := e.embedder.Embed(ctx, req.Content)
		switch {
		case err == nil:
			m.Embedding = vec
		case errors.Is(err, embedding.ErrEmbeddingUnavailable):
			e.logger.WarnContext(ctx, "storing memory without embedding", "project_id", req.ProjectID, "error", err)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return StoreResult{}, err
		}
	}

	id, err := e.cache.Store(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StoreResult{}, err
	}
	span.SetAttributes(attribute.String("memory.id", id), attribute.Bool("embedded", len(m.Embedding) > 0))
	return StoreResult{ID: id, Embedded: len(m.Embedding) > 0}, nil
}

// Search ranks the project's memories against the query. The query is
// embedded unless a vector is supplied; when no vector can be had the keyword
// path answers instead.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if err := e.running(); err != nil {
		return SearchResponse{}, err
	}
	if strings.TrimSpace(req.Query) == "" && len(req.Embedding) == 0 {
		return SearchResponse{}, &InvalidRequestError{Field: "query", Message: "or embedding is required"}
	}
	if req.ProjectID == "" {
		return SearchResponse{}, &InvalidRequestError{Field: "project_id", Message: "is required"}
	}
	if req.Limit < 0 {
		return SearchResponse{}, &InvalidRequestError{Field: "limit", Message: "must not be negative"}
	}

	ctx, span := tracer().Start(ctx, spanSearch)
	defer span.End()
	span.SetAttributes(attribute.String("project.id", req.ProjectID))

	opts := memory.SearchOptions{
		ProjectID: req.ProjectID,
		Limit:     req.Limit,
		Threshold: req.Threshold,
	}

	vec := req.Embedding
	if len(vec) == 0 {
		var err error
		vec, err = e.embedder.Embed(ctx, req.Query)
		if err != nil && !errors.Is(err, embedding.ErrEmbeddingUnavailable) {
			span.RecordError(err)
			return SearchResponse{}, err
		}
		if err != nil {
			e.logger.DebugContext(ctx, "query embedding unavailable, using keyword search", "error", err)
		}
	}

	if len(vec) == 0 {
		span.SetAttributes(attribute.String("mode", SearchModeKeyword))
		results, err := e.cache.SearchKeyword(ctx, req.Query, opts)
		if err != nil {
			span.RecordError(err)
			return SearchResponse{}, err
		}
		return SearchResponse{Mode: SearchModeKeyword, Results: nonNil(results)}, nil
	}

	span.SetAttributes(attribute.String("mode", SearchModeVector))
	results, err := e.cache.Search(ctx, vec, opts)
	if err != nil {
		span.RecordError(err)
		return SearchResponse{}, err
	}
	return SearchResponse{Mode: SearchModeVector, Results: nonNil(results)}, nil
}

// GetMemory returns one memory by id.
func (e *Engine) GetMemory(ctx context.Context, id string) (*storage.Memory, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, &InvalidRequestError{Field: "id", Message: "is required"}
	}
	return e.cache.Get(ctx, id)
}

// FindRequest selects memories by exact metadata.
type FindRequest struct {
	ProjectID string            `json:"project_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

// FindMemories returns the project's memories whose metadata holds every
// requested pair. Memories stored without an embedding are included.
func (e *Engine) FindMemories(ctx context.Context, req FindRequest) ([]*storage.Memory, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	if req.ProjectID == "" {
		return nil, &InvalidRequestError{Field: "project_id", Message: "is required"}
	}
	if req.Limit < 0 {
		return nil, &InvalidRequestError{Field: "limit", Message: "must not be negative"}
	}
	found, err := e.cache.Find(ctx, req.ProjectID, req.Metadata, req.Limit)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []*storage.Memory{}
	}
	return found, nil
}

// Prune runs one retention pass immediately.
func (e *Engine) Prune(ctx context.Context) (memory.PruneResult, error) {
	if err := e.running(); err != nil {
		return memory.PruneResult{}, err
	}
	return e.cache.Prune(ctx)
}

func nonNil(results []memory.Result) []memory.Result {
	if results == nil {
		return []memory.Result{}
	}
	return results
}

// uptime is how long the engine has been running.
func (e *Engine) uptime() time.Duration {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.state != StateRunning {
		return 0
	}
	return time.Since(e.startedAt)
}
