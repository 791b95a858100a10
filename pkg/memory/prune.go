package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/hearth/hearth/pkg/storage"
)

// pruneBatch bounds how many records one prune step loads at a time.
const pruneBatch = 500

// PruneResult reports what a prune pass deleted.
type PruneResult struct {
	Expired int `json:"expired"`
	Evicted int `json:"evicted"`
}

// Total is the number of deleted records.
func (r PruneResult) Total() int { return r.Expired + r.Evicted }

// Prune deletes synced records older than the retention window, then the
// least recently accessed synced records while the store holds more than
// MaxRecords. Pending records are never deleted.
func (c *Cache) Prune(ctx context.Context) (PruneResult, error) {
	ctx, span := tracer().Start(ctx, "memory.prune")
	defer span.End()

	var res PruneResult
	touched := make(map[string]struct{})

	if c.cfg.Retention > 0 {
		cutoff := time.Now().UTC().Add(-c.cfg.Retention)
		for {
			batch, err := c.store.ListMemories(ctx, storage.MemoryFilter{
				SyncState:     storage.SyncSynced,
				CreatedBefore: cutoff,
				Limit:         pruneBatch,
			})
			if err != nil {
				return res, fmt.Errorf("memory: prune expired: %w", err)
			}
			n, err := c.deleteRecords(ctx, batch, touched)
			res.Expired += n
			if err != nil {
				return res, err
			}
			if len(batch) < pruneBatch || n == 0 {
				break
			}
		}
	}

	for {
		count, err := c.store.CountMemories(ctx)
		if err != nil {
			return res, fmt.Errorf("memory: prune count: %w", err)
		}
		excess := count - c.cfg.MaxRecords
		if excess <= 0 {
			break
		}
		batch, err := c.store.ListMemories(ctx, storage.MemoryFilter{
			SyncState:         storage.SyncSynced,
			OldestAccessFirst: true,
			Limit:             min(excess, pruneBatch),
		})
		if err != nil {
			return res, fmt.Errorf("memory: prune evict: %w", err)
		}
		n, err := c.deleteRecords(ctx, batch, touched)
		res.Evicted += n
		if err != nil {
			return res, err
		}
		if n == 0 {
			// Only pending records remain above the cap.
			c.logger.Warn("store above record cap with no synced records left to evict",
				"records", count, "max_records", c.cfg.MaxRecords)
			break
		}
	}

	for projectID := range touched {
		c.invalidate(ctx, projectID, "prune")
	}

	c.pruned.Add(int64(res.Total()))
	c.metrics.RecordPrune(res.Total())
	if res.Total() > 0 {
		c.logger.Info("pruned local memories", "expired", res.Expired, "evicted", res.Evicted)
	}
	return res, nil
}

func (c *Cache) deleteRecords(ctx context.Context, batch []*storage.Memory, touched map[string]struct{}) (int, error) {
	deleted := 0
	for _, m := range batch {
		if m.SyncState != storage.SyncSynced {
			continue
		}
		// The record may have been updated since it was listed.
		ok, err := c.store.DeleteMemoryIf(ctx, m.ID, storage.SyncSynced)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return deleted, fmt.Errorf("memory: prune delete %s: %w", m.ID, err)
		}
		if !ok {
			continue
		}
		c.hot.Delete(m.ID)
		c.keywords.RemoveDocument(m.ID)
		touched[m.ProjectID] = struct{}{}
		deleted++
	}
	return deleted, nil
}

// Start warms the keyword index and runs Prune every PruneInterval until
// Stop is called or ctx is cancelled.
func (c *Cache) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	if err := c.warm(ctx); err != nil {
		c.logger.Warn("keyword index warm-up failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.pruneLoop(runCtx, c.done)

	c.logger.Info("memory cache started", "prune_interval", c.cfg.PruneInterval)
	return nil
}

func (c *Cache) pruneLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Prune(ctx); err != nil {
				c.logger.Error("prune failed", "error", err)
			}
		}
	}
}

// Stop ends the prune loop and waits for a running pass to finish.
func (c *Cache) Stop(ctx context.Context) error {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		c.logger.Info("memory cache stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LevelStats are the counters of one cache level.
type LevelStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Entries   int     `json:"entries"`
	Evictions int64   `json:"evictions,omitempty"`
}

func newLevelStats(hits, misses int64, entries int, evictions int64) LevelStats {
	s := LevelStats{Hits: hits, Misses: misses, Entries: entries, Evictions: evictions}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Stats is a snapshot of the cache.
type Stats struct {
	Hot             LevelStats `json:"hot"`
	L1              LevelStats `json:"l1"`
	L2              LevelStats `json:"l2"`
	Records         int        `json:"records"`
	KeywordIndexed  int        `json:"keyword_indexed"`
	Searches        int64      `json:"searches"`
	Invalidations   int64      `json:"invalidations"`
	Pruned          int64      `json:"pruned"`
	RemoteFallbacks int64      `json:"remote_fallbacks"`
	Degraded        int64      `json:"degraded"`
}

// GetStats returns cache counters and the local record count. Records is -1
// when the store cannot be read.
func (c *Cache) GetStats(ctx context.Context) Stats {
	records, err := c.store.CountMemories(ctx)
	if err != nil {
		records = -1
	}
	return Stats{
		Hot:             c.hot.Stats(),
		L1:              newLevelStats(c.l1Hits.Load(), c.l1Misses.Load(), c.results.Len(), 0),
		L2:              newLevelStats(c.l2Hits.Load(), c.l2Misses.Load(), 0, 0),
		Records:         records,
		KeywordIndexed:  c.keywords.Len(),
		Searches:        c.searches.Load(),
		Invalidations:   c.invalidations.Load(),
		Pruned:          c.pruned.Load(),
		RemoteFallbacks: c.remoteFallbacks.Load(),
		Degraded:        c.degraded.Load(),
	}
}
