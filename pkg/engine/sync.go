package engine

import (
	"context"

	"github.com/hearth/hearth/pkg/storage"
	"github.com/hearth/hearth/pkg/syncer"
)

// SyncStatus is the answer of GetSyncStatus.
type SyncStatus struct {
	Enabled bool `json:"enabled"`
	syncer.Status
}

// GetSyncStatus reports the sync engine's state. With sync disabled only the
// local queue depth is reported.
func (e *Engine) GetSyncStatus(ctx context.Context) (SyncStatus, error) {
	if err := e.running(); err != nil {
		return SyncStatus{}, err
	}
	if e.sync == nil {
		st := SyncStatus{Status: syncer.Status{State: syncer.StateIdle}}
		if depth, err := e.store.QueueDepth(ctx); err == nil {
			st.Queue = depth
		}
		return st, nil
	}
	return SyncStatus{Enabled: true, Status: e.sync.Status(ctx)}, nil
}

// ForceSync runs one cycle now, bypassing the schedule but not the
// single-cycle guard.
func (e *Engine) ForceSync(ctx context.Context) (syncer.Report, error) {
	if err := e.running(); err != nil {
		return syncer.Report{}, err
	}
	if e.sync == nil {
		return syncer.Report{}, ErrSyncDisabled
	}
	return e.sync.SyncNow(ctx)
}

// FailedSyncItems lists queue items that exhausted their retries.
func (e *Engine) FailedSyncItems(ctx context.Context) ([]*storage.SyncQueueItem, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	if e.sync == nil {
		return nil, ErrSyncDisabled
	}
	return e.sync.FailedItems(ctx)
}

// RetryFailed requeues failed items and returns how many were requeued.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	if err := e.running(); err != nil {
		return 0, err
	}
	if e.sync == nil {
		return 0, ErrSyncDisabled
	}
	return e.sync.RetryFailed(ctx)
}
