package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hearth/hearth/pkg/remote"
	"github.com/hearth/hearth/pkg/storage"
)

// action is what reconciling one entity did.
type action struct {
	pushed  bool
	applied bool
	// winner is set when both sides held differing copies.
	winner Winner
}

func (r *Report) count(a action) {
	if a.pushed {
		r.Pushed++
	}
	if a.applied {
		r.Pulled++
	}
	if a.winner == WinnerLocal || a.winner == WinnerRemote {
		r.Conflicts++
	}
}

func (e *Engine) cycle(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now().UTC()}
	finish := func(err error) (Report, error) {
		report.Duration = time.Since(report.StartedAt)
		report.Outcome = outcomeOf(ctx, err)
		if err != nil {
			report.Error = err.Error()
			if report.Outcome == OutcomeOffline {
				e.markOffline(err)
			}
		}
		return report, err
	}

	if online, _ := e.probe(ctx); !online {
		return finish(fmt.Errorf("syncer: probe: %w", remote.ErrRemoteUnavailable))
	}
	// The outbox drains before the pull so a stale remote copy never
	// overwrites a local write still waiting to be pushed.
	if err := e.drain(ctx, &report); err != nil {
		return finish(err)
	}
	if err := e.pushUnsynced(ctx, &report); err != nil {
		return finish(err)
	}
	if err := e.pull(ctx, &report); err != nil {
		return finish(err)
	}
	e.pruneQueue(ctx, &report)

	report, err := finish(nil)
	e.logger.Info("sync cycle completed",
		"pushed", report.Pushed,
		"pulled", report.Pulled,
		"conflicts", report.Conflicts,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, err
}

func outcomeOf(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case ctx.Err() != nil:
		return OutcomeCancelled
	case errors.Is(err, remote.ErrRemoteUnavailable):
		return OutcomeOffline
	default:
		return OutcomeFailed
	}
}

// fatal reports whether err must abort the cycle rather than just the
// entity at hand.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, remote.ErrRemoteUnavailable) ||
		errors.Is(err, storage.ErrLocalStore)
}

// drain pushes one batch of pending outbox items in FIFO order. A full batch
// requests a follow-up cycle.
func (e *Engine) drain(ctx context.Context, report *Report) error {
	items, err := e.store.ListQueue(ctx, storage.QueuePending, e.cfg.DrainBatchSize)
	if err != nil {
		return fmt.Errorf("syncer: list queue: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		act, err := e.pushItem(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			e.failItem(ctx, item, err, report)
			if fatal(ctx, err) {
				return err
			}
			continue
		}
		report.count(act)
	}

	if len(items) == e.cfg.DrainBatchSize {
		e.requestCycle()
	}
	return nil
}

// failItem spends one retry of item. An item out of retries is marked
// failed and left for manual inspection.
func (e *Engine) failItem(ctx context.Context, item *storage.SyncQueueItem, cause error, report *Report) {
	item.RetryCount++
	item.LastError = cause.Error()
	item.UpdatedAt = time.Now().UTC()
	if item.RetryCount >= e.cfg.MaxRetries {
		item.Status = storage.QueueFailed
		report.Failed++
		e.logger.Warn("sync item failed permanently",
			"item_id", item.ID,
			"entity_table", item.EntityTable,
			"entity_id", item.EntityID,
			"retries", item.RetryCount,
			"error", cause,
		)
	}
	if err := e.store.UpdateQueueItem(context.WithoutCancel(ctx), item); err != nil {
		e.logger.Error("recording sync failure failed", "item_id", item.ID, "error", err)
	}
}

// pushItem reconciles the entity behind an outbox item with its remote copy
// and completes the item. The current local record is pushed rather than
// the payload snapshot; the payload is only used when the record is gone.
func (e *Engine) pushItem(ctx context.Context, item *storage.SyncQueueItem) (action, error) {
	switch item.EntityTable {
	case storage.TableMemories:
		local, err := e.store.GetMemory(ctx, item.EntityID)
		if storage.IsNotFound(err) {
			local, err = decodeMemory(item.Payload)
		}
		if err != nil {
			return action{}, err
		}
		rc, err := e.fetchMemory(ctx, local.ID)
		if err != nil {
			return action{}, err
		}
		act, err := e.reconcileMemory(ctx, local, rc)
		if err != nil {
			return act, err
		}
		at := local.ModifiedAt()
		if act.winner == WinnerRemote {
			at = rc.ModifiedAt()
		}
		return act, e.store.CompleteQueueItem(ctx, item, at)

	case storage.TablePatterns:
		local, err := e.store.GetPattern(ctx, item.EntityID)
		if storage.IsNotFound(err) {
			local, err = decodePattern(item.Payload)
		}
		if err != nil {
			return action{}, err
		}
		rc, err := e.fetchPattern(ctx, local.PatternHash)
		if err != nil {
			return action{}, err
		}
		act, final, err := e.reconcilePattern(ctx, local, rc)
		if err != nil {
			return act, err
		}
		return act, e.store.CompleteQueueItem(ctx, item, final.ModifiedAt())
	}
	return action{}, fmt.Errorf("syncer: unknown entity table %q", item.EntityTable)
}

// pushUnsynced pushes pending records that have no outbox item left, one
// bounded batch per table.
func (e *Engine) pushUnsynced(ctx context.Context, report *Report) error {
	queued, err := e.queuedEntities(ctx)
	if err != nil {
		return err
	}

	memories, err := e.store.ListMemories(ctx, storage.MemoryFilter{SyncState: storage.SyncPending, Limit: e.cfg.PushBatchSize})
	if err != nil {
		return fmt.Errorf("syncer: list unsynced memories: %w", err)
	}
	for _, m := range memories {
		if queued[entityKey(storage.TableMemories, m.ID)] {
			continue
		}
		rc, err := e.fetchMemory(ctx, m.ID)
		if err != nil {
			return err
		}
		act, err := e.reconcileMemory(ctx, m, rc)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			e.logger.Warn("pushing memory failed", "memory_id", m.ID, "error", err)
			continue
		}
		report.count(act)
		if act.winner != WinnerRemote {
			if err := e.markSynced(ctx, storage.TableMemories, m.ID, m.ModifiedAt()); err != nil {
				return err
			}
		}
	}

	patterns, err := e.store.ListPatterns(ctx, storage.PatternFilter{SyncState: storage.SyncPending, Limit: e.cfg.PushBatchSize})
	if err != nil {
		return fmt.Errorf("syncer: list unsynced patterns: %w", err)
	}
	for _, p := range patterns {
		if queued[entityKey(storage.TablePatterns, p.ID)] {
			continue
		}
		rc, err := e.fetchPattern(ctx, p.PatternHash)
		if err != nil {
			return err
		}
		act, final, err := e.reconcilePattern(ctx, p, rc)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			e.logger.Warn("pushing pattern failed", "pattern_id", p.ID, "error", err)
			continue
		}
		report.count(act)
		if err := e.markSynced(ctx, storage.TablePatterns, final.ID, final.ModifiedAt()); err != nil {
			return err
		}
	}
	return nil
}

// queuedEntities returns the entities that still have a pending or failed
// outbox item. Those are left to the outbox.
func (e *Engine) queuedEntities(ctx context.Context) (map[string]bool, error) {
	queued := make(map[string]bool)
	for _, status := range []storage.QueueStatus{storage.QueuePending, storage.QueueFailed} {
		items, err := e.store.ListQueue(ctx, status, 0)
		if err != nil {
			return nil, fmt.Errorf("syncer: list queue: %w", err)
		}
		for _, item := range items {
			queued[entityKey(item.EntityTable, item.EntityID)] = true
		}
	}
	return queued, nil
}

func entityKey(table storage.EntityTable, id string) string {
	return string(table) + "/" + id
}

// markSynced records a completed push without an outbox item of its own.
// The entity is only marked synced when it was not modified after at.
func (e *Engine) markSynced(ctx context.Context, table storage.EntityTable, id string, at time.Time) error {
	item, err := storage.NewQueueItem(table, id, storage.OpUpdate, nil)
	if err != nil {
		return err
	}
	return e.store.CompleteQueueItem(ctx, item, at)
}

// pull applies remote changes that arrived since the checkpoint, page by
// page. The checkpoint advances only after a page is fully applied.
func (e *Engine) pull(ctx context.Context, report *Report) error {
	checkpoint, err := e.store.GetCheckpoint(ctx, CheckpointPull)
	if err != nil {
		return fmt.Errorf("syncer: read checkpoint: %w", err)
	}
	from := checkpoint
	if !from.IsZero() {
		from = from.Add(-e.cfg.PullOverlap)
	}

	// Only pages that move the checkpoint count against MaxPullPages; the
	// overlap window is bounded and re-reading it must not stall progress.
	for pages := 0; pages < e.cfg.MaxPullPages; {
		changes, err := e.fetchChanges(ctx, from)
		if err != nil {
			return err
		}

		start := checkpoint
		for _, c := range changes {
			act, err := e.applyChange(ctx, c)
			if err != nil {
				if fatal(ctx, err) {
					return err
				}
				e.logger.Warn("skipping remote change", "table", c.Table, "key", c.Key, "error", err)
			}
			report.count(act)
			if c.IndexedAt.After(checkpoint) {
				checkpoint = c.IndexedAt
			}
		}
		if checkpoint.After(start) {
			if err := e.store.PutCheckpoint(ctx, CheckpointPull, checkpoint); err != nil {
				return fmt.Errorf("syncer: write checkpoint: %w", err)
			}
			pages++
		}

		if len(changes) < e.cfg.PullBatchSize {
			return nil
		}
		last := changes[len(changes)-1].IndexedAt
		if !last.After(from) {
			e.logger.Warn("pull page cannot advance; more changes share one index time than a page holds",
				"index_time", last, "page_size", e.cfg.PullBatchSize)
			return nil
		}
		from = last
	}

	// Pages remain; continue in the next cycle.
	e.requestCycle()
	return nil
}

func (e *Engine) applyChange(ctx context.Context, c remote.Change) (action, error) {
	switch c.Table {
	case storage.TableMemories:
		if c.Memory == nil {
			e.logger.Warn("remote change has no readable record", "table", c.Table, "key", c.Key)
			return action{}, nil
		}
		local, err := e.store.GetMemory(ctx, c.Key)
		if storage.IsNotFound(err) {
			local, err = nil, nil
		}
		if err != nil {
			return action{}, err
		}
		act, err := e.reconcileMemory(ctx, local, c.Memory)
		if err != nil || !act.pushed {
			return act, err
		}
		return act, e.markSynced(ctx, storage.TableMemories, local.ID, local.ModifiedAt())

	case storage.TablePatterns:
		if c.Pattern == nil {
			e.logger.Warn("remote change has no readable record", "table", c.Table, "key", c.Key)
			return action{}, nil
		}
		local, err := e.store.GetPatternByHash(ctx, c.Key)
		if storage.IsNotFound(err) {
			local, err = nil, nil
		}
		if err != nil {
			return action{}, err
		}
		act, final, err := e.reconcilePattern(ctx, local, c.Pattern)
		if err != nil || !act.pushed {
			return act, err
		}
		return act, e.markSynced(ctx, storage.TablePatterns, final.ID, final.ModifiedAt())
	}
	return action{}, fmt.Errorf("syncer: unknown entity table %q", c.Table)
}

// reconcileMemory brings the local and remote copies of one memory to the
// same version. Either copy may be nil.
func (e *Engine) reconcileMemory(ctx context.Context, local, rc *storage.Memory) (action, error) {
	switch {
	case local == nil && rc == nil:
		return action{}, nil
	case rc == nil:
		if err := e.upsertMemory(ctx, local); err != nil {
			return action{}, err
		}
		return action{pushed: true}, nil
	case local == nil:
		if err := e.applier.ApplyRemote(ctx, rc); err != nil {
			return action{}, err
		}
		return action{applied: true}, nil
	}

	winner := Resolve(e.cfg.Policy, memoryVersion(local), memoryVersion(rc))
	act := action{winner: winner}
	switch winner {
	case WinnerNone:
		return action{}, nil
	case WinnerLocal:
		if err := e.upsertMemory(ctx, local); err != nil {
			return action{}, err
		}
		act.pushed = true
	case WinnerRemote:
		if err := e.applier.ApplyRemote(ctx, rc); err != nil {
			return action{}, err
		}
		act.applied = true
	}
	e.conflictResolved(storage.TableMemories, local.ID, winner, local.ModifiedAt(), rc.ModifiedAt())
	return act, nil
}

// reconcilePattern brings the local and remote copies of one pattern to the
// same version and returns that version. The winning copy absorbs the
// monotonic fields of the losing one; when that changes it, the merged
// version is written to both sides.
func (e *Engine) reconcilePattern(ctx context.Context, local, rc *storage.Pattern) (action, *storage.Pattern, error) {
	switch {
	case local == nil && rc == nil:
		return action{}, nil, nil
	case rc == nil:
		if err := e.upsertPattern(ctx, local); err != nil {
			return action{}, nil, err
		}
		return action{pushed: true}, local, nil
	case local == nil:
		rec := rc.Clone()
		rec.SyncState = storage.SyncSynced
		if err := e.store.PutPattern(ctx, rec); err != nil {
			return action{}, nil, err
		}
		return action{applied: true}, rec, nil
	}

	theirs := rc.Clone()
	theirs.ID = local.ID

	winner := Resolve(e.cfg.Policy, patternVersion(local), patternVersion(theirs))
	if winner == WinnerNone {
		return action{}, local, nil
	}

	var final *storage.Pattern
	if winner == WinnerLocal {
		final = mergePattern(local, theirs)
	} else {
		final = mergePattern(theirs, local)
	}
	if final.Fingerprint() != local.Fingerprint() && final.Fingerprint() != theirs.Fingerprint() {
		at := local.ModifiedAt()
		if theirs.ModifiedAt().After(at) {
			at = theirs.ModifiedAt()
		}
		final.UpdatedAt = at.Add(time.Millisecond)
	}

	act := action{winner: winner}
	if final.Fingerprint() != theirs.Fingerprint() {
		if err := e.upsertPattern(ctx, final); err != nil {
			return action{}, nil, err
		}
		act.pushed = true
	}
	if final.Fingerprint() != local.Fingerprint() {
		if err := e.applyPattern(ctx, local, final); err != nil {
			return action{}, nil, err
		}
		act.applied = true
	}
	e.conflictResolved(storage.TablePatterns, local.ID, winner, local.ModifiedAt(), rc.ModifiedAt())
	return act, final, nil
}

// applyPattern writes final over local unless the detector changed the
// pattern since it was read; that newer write carries its own outbox item.
func (e *Engine) applyPattern(ctx context.Context, local, final *storage.Pattern) error {
	current, err := e.store.GetPattern(ctx, local.ID)
	switch {
	case storage.IsNotFound(err):
	case err != nil:
		return err
	case current.ModifiedAt().After(local.ModifiedAt()):
		e.logger.Debug("pattern changed during sync, keeping local write", "pattern_id", local.ID)
		return nil
	}
	rec := final.Clone()
	rec.SyncState = storage.SyncSynced
	return e.store.PutPattern(ctx, rec)
}

func (e *Engine) conflictResolved(table storage.EntityTable, id string, winner Winner, localAt, remoteAt time.Time) {
	e.metrics.RecordSyncConflict(string(table), string(winner))
	e.logger.Info("sync conflict resolved",
		"entity_table", table,
		"entity_id", id,
		"winner", winner,
		"local_modified_at", localAt,
		"remote_modified_at", remoteAt,
		"policy", e.cfg.Policy,
	)
}

func (e *Engine) pruneQueue(ctx context.Context, report *Report) {
	n, err := e.store.PruneQueue(ctx, storage.QueueCompleted, time.Now().Add(-e.cfg.QueueRetention))
	if err != nil {
		e.logger.Warn("pruning completed sync items failed", "error", err)
		return
	}
	report.Pruned = n
}

func (e *Engine) fetchMemory(ctx context.Context, id string) (*storage.Memory, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()
	m, err := e.remote.GetMemory(rctx, id)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

func (e *Engine) fetchPattern(ctx context.Context, hash string) (*storage.Pattern, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()
	p, err := e.remote.GetPattern(rctx, hash)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (e *Engine) fetchChanges(ctx context.Context, since time.Time) ([]remote.Change, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()
	return e.remote.ChangesSince(rctx, since, e.cfg.PullBatchSize)
}

func (e *Engine) upsertMemory(ctx context.Context, m *storage.Memory) error {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()
	return e.remote.UpsertMemory(rctx, m)
}

func (e *Engine) upsertPattern(ctx context.Context, p *storage.Pattern) error {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()
	return e.remote.UpsertPattern(rctx, p)
}

func decodeMemory(payload json.RawMessage) (*storage.Memory, error) {
	if len(payload) == 0 {
		return nil, errors.New("syncer: memory gone and outbox item has no payload")
	}
	var m storage.Memory
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("syncer: decode memory payload: %w", err)
	}
	return &m, nil
}

func decodePattern(payload json.RawMessage) (*storage.Pattern, error) {
	if len(payload) == 0 {
		return nil, errors.New("syncer: pattern gone and outbox item has no payload")
	}
	var p storage.Pattern
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("syncer: decode pattern payload: %w", err)
	}
	return &p, nil
}
