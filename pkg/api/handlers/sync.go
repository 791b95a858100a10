package handlers

import (
	"context"
	"net/http"

	"github.com/hearth/hearth/pkg/api/response"
	"github.com/hearth/hearth/pkg/engine"
	"github.com/hearth/hearth/pkg/storage"
	"github.com/hearth/hearth/pkg/syncer"
)

// SyncService exposes the sync engine.
type SyncService interface {
	GetSyncStatus(ctx context.Context) (engine.SyncStatus, error)
	ForceSync(ctx context.Context) (syncer.Report, error)
	FailedSyncItems(ctx context.Context) ([]*storage.SyncQueueItem, error)
	RetryFailed(ctx context.Context) (int, error)
}

// SyncHandler handles sync endpoints.
type SyncHandler struct {
	svc SyncService
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(svc SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Status handles GET /api/v1/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetSyncStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, st)
}

// ForceSync handles POST /api/v1/sync. A cycle that ran but failed is
// reported with 502 and its report.
func (h *SyncHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.ForceSync(r.Context())
	if err != nil {
		if report.Outcome != "" {
			response.JSON(w, http.StatusBadGateway, report)
			return
		}
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, report)
}

type failedItemsResponse struct {
	Items []*storage.SyncQueueItem `json:"items"`
	Count int                      `json:"count"`
}

// FailedItems handles GET /api/v1/sync/failed.
func (h *SyncHandler) FailedItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.FailedSyncItems(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*storage.SyncQueueItem{}
	}
	response.JSON(w, http.StatusOK, failedItemsResponse{Items: items, Count: len(items)})
}

// RetryFailed handles POST /api/v1/sync/retry.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryFailed(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int{"requeued": n})
}
