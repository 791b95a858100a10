package engine

import (
	"context"

	"github.com/hearth/hearth/pkg/storage"
)

// PatternQuery selects patterns for GetPatterns.
type PatternQuery struct {
	ProjectID      string `json:"project_id,omitempty"`
	AutoApplyOnly  bool   `json:"auto_apply_only,omitempty"`
	MinOccurrences int    `json:"min_occurrences,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

func (q PatternQuery) filter() storage.PatternFilter {
	return storage.PatternFilter{
		ProjectID:      q.ProjectID,
		AutoApplyOnly:  q.AutoApplyOnly,
		MinOccurrences: q.MinOccurrences,
		Limit:          q.Limit,
	}
}

// GetPatterns lists known patterns. With detection disabled, patterns pulled
// from other devices are still listed from the local store.
func (e *Engine) GetPatterns(ctx context.Context, q PatternQuery) ([]*storage.Pattern, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	if q.Limit < 0 || q.MinOccurrences < 0 {
		return nil, &InvalidRequestError{Field: "limit", Message: "must not be negative"}
	}

	var (
		list []*storage.Pattern
		err  error
	)
	if e.detector != nil {
		list, err = e.detector.Patterns(ctx, q.filter())
	} else {
		list, err = e.store.ListPatterns(ctx, q.filter())
	}
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*storage.Pattern{}
	}
	return list, nil
}

// DisableAutoApply switches auto-apply off for one pattern; it is never
// re-enabled automatically.
func (e *Engine) DisableAutoApply(ctx context.Context, id string) (*storage.Pattern, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	if e.detector == nil {
		return nil, ErrPatternsDisabled
	}
	if id == "" {
		return nil, &InvalidRequestError{Field: "id", Message: "is required"}
	}
	return e.detector.DisableAutoApply(ctx, id)
}
