package badger

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hearth/hearth/pkg/storage"
)

// PutPattern upserts a pattern, keeping the hash index unique.
func (b *BadgerStorage) PutPattern(ctx context.Context, p *storage.Pattern, outbox ...*storage.SyncQueueItem) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		owner, err := patternIDByHash(txn, p.PatternHash)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		if owner != "" && owner != p.ID {
			return &storage.DuplicateKeyError{EntityType: "pattern_hash", ID: p.PatternHash}
		}

		var old storage.Pattern
		err = getJSON(txn, patternKey(p.ID), "pattern", p.ID, &old)
		switch {
		case err == nil:
			if old.PatternHash != p.PatternHash {
				if err := txn.Delete(patternHashKey(old.PatternHash)); err != nil {
					return err
				}
			}
		case !storage.IsNotFound(err):
			return err
		}

		if err := setJSON(txn, patternKey(p.ID), p); err != nil {
			return err
		}
		if err := txn.Set(patternHashKey(p.PatternHash), []byte(p.ID)); err != nil {
			return err
		}
		for _, item := range outbox {
			if err := setJSON(txn, queueKey(item.ID), item); err != nil {
				return err
			}
		}
		return nil
	})
}

func patternIDByHash(txn *badger.Txn, hash string) (string, error) {
	item, err := txn.Get(patternHashKey(hash))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", &storage.NotFoundError{EntityType: "pattern_hash", ID: hash}
		}
		return "", err
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(id), nil
}

// GetPattern retrieves a pattern by ID.
func (b *BadgerStorage) GetPattern(ctx context.Context, id string) (*storage.Pattern, error) {
	var p storage.Pattern
	err := b.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, patternKey(id), "pattern", id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPatternByHash retrieves a pattern through the hash index.
func (b *BadgerStorage) GetPatternByHash(ctx context.Context, hash string) (*storage.Pattern, error) {
	var p storage.Pattern
	err := b.view(ctx, func(txn *badger.Txn) error {
		id, err := patternIDByHash(txn, hash)
		if err != nil {
			return err
		}
		return getJSON(txn, patternKey(id), "pattern", id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPatterns returns matching patterns, most frequent first.
func (b *BadgerStorage) ListPatterns(ctx context.Context, filter storage.PatternFilter) ([]*storage.Pattern, error) {
	var patterns []*storage.Pattern
	err := b.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(patternPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var p storage.Pattern
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &p)
			}); err != nil {
				return err
			}
			if filter.Matches(&p) {
				patterns = append(patterns, &p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].OccurrenceCount != patterns[j].OccurrenceCount {
			return patterns[i].OccurrenceCount > patterns[j].OccurrenceCount
		}
		if !patterns[i].LastUsedAt.Equal(patterns[j].LastUsedAt) {
			return patterns[i].LastUsedAt.After(patterns[j].LastUsedAt)
		}
		return patterns[i].ID < patterns[j].ID
	})
	if filter.Limit > 0 && len(patterns) > filter.Limit {
		patterns = patterns[:filter.Limit]
	}
	return patterns, nil
}

// DeletePattern removes a pattern and its hash index entry.
func (b *BadgerStorage) DeletePattern(ctx context.Context, id string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		var p storage.Pattern
		if err := getJSON(txn, patternKey(id), "pattern", id, &p); err != nil {
			return err
		}
		if err := txn.Delete(patternHashKey(p.PatternHash)); err != nil {
			return err
		}
		return txn.Delete(patternKey(id))
	})
}

// Enqueue appends an item to the outbox.
func (b *BadgerStorage) Enqueue(ctx context.Context, item *storage.SyncQueueItem) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, queueKey(item.ID), item)
	})
}

// ListQueue returns outbox items with the given status in FIFO order. An
// empty status lists every item.
func (b *BadgerStorage) ListQueue(ctx context.Context, status storage.QueueStatus, limit int) ([]*storage.SyncQueueItem, error) {
	if limit <= 0 {
		limit = math.MaxInt
	}
	var items []*storage.SyncQueueItem
	err := b.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(items) < limit; it.Next() {
			var item storage.SyncQueueItem
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &item)
			}); err != nil {
				return err
			}
			if status == "" || item.Status == status {
				items = append(items, &item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateQueueItem overwrites an existing outbox item.
func (b *BadgerStorage) UpdateQueueItem(ctx context.Context, item *storage.SyncQueueItem) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(queueKey(item.ID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: "sync_queue_item", ID: item.ID}
			}
			return err
		}
		return setJSON(txn, queueKey(item.ID), item)
	})
}

// CompleteQueueItem marks the item completed and flips the entity to synced
// when it has not been modified after pushedAt.
func (b *BadgerStorage) CompleteQueueItem(ctx context.Context, item *storage.SyncQueueItem, pushedAt time.Time) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		done := *item
		done.Status = storage.QueueCompleted
		done.LastError = ""
		done.UpdatedAt = time.Now().UTC()
		if err := setJSON(txn, queueKey(done.ID), &done); err != nil {
			return err
		}

		switch item.EntityTable {
		case storage.TableMemories:
			m, err := b.getMemoryInTxn(txn, item.EntityID)
			if err != nil {
				if storage.IsNotFound(err) {
					return nil
				}
				return err
			}
			if m.SyncState == storage.SyncSynced || m.ModifiedAt().After(pushedAt) {
				return nil
			}
			m.SyncState = storage.SyncSynced
			return setJSON(txn, memoryKey(m.ID), m)
		case storage.TablePatterns:
			var p storage.Pattern
			if err := getJSON(txn, patternKey(item.EntityID), "pattern", item.EntityID, &p); err != nil {
				if storage.IsNotFound(err) {
					return nil
				}
				return err
			}
			if p.SyncState == storage.SyncSynced || p.ModifiedAt().After(pushedAt) {
				return nil
			}
			p.SyncState = storage.SyncSynced
			return setJSON(txn, patternKey(p.ID), &p)
		}
		return nil
	})
}

// DeleteQueueItem removes an outbox item.
func (b *BadgerStorage) DeleteQueueItem(ctx context.Context, id string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(queueKey(id))
	})
}

// PruneQueue deletes items in status last updated before olderThan.
func (b *BadgerStorage) PruneQueue(ctx context.Context, status storage.QueueStatus, olderThan time.Time) (int, error) {
	var stale [][]byte
	err := b.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var item storage.SyncQueueItem
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &item)
			}); err != nil {
				return err
			}
			if item.Status == status && item.UpdatedAt.Before(olderThan) {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	err = b.update(ctx, func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// QueueDepth counts outbox items by status.
func (b *BadgerStorage) QueueDepth(ctx context.Context) (storage.QueueDepth, error) {
	var depth storage.QueueDepth
	err := b.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var item storage.SyncQueueItem
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &item)
			}); err != nil {
				return err
			}
			switch item.Status {
			case storage.QueuePending:
				depth.Pending++
			case storage.QueueCompleted:
				depth.Completed++
			case storage.QueueFailed:
				depth.Failed++
			}
		}
		return nil
	})
	return depth, err
}

// PutCachedQuery stores a search result with an optional TTL.
func (b *BadgerStorage) PutCachedQuery(ctx context.Context, q *storage.CachedQuery, ttl time.Duration) error {
	data, err := serialize(q)
	if err != nil {
		return err
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry(queryCacheKey(q.QueryHash), data)
		index := badger.NewEntry(queryCacheProjectKey(q.ProjectID, q.QueryHash), []byte(q.QueryHash))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
			index = index.WithTTL(ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		return txn.SetEntry(index)
	})
}

// GetCachedQuery retrieves a non-expired cached query.
func (b *BadgerStorage) GetCachedQuery(ctx context.Context, hash string) (*storage.CachedQuery, error) {
	var q storage.CachedQuery
	err := b.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, queryCacheKey(hash), "cached_query", hash, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// TouchCachedQuery bumps the hit count, preserving the original expiry.
func (b *BadgerStorage) TouchCachedQuery(ctx context.Context, hash string, at time.Time) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(queryCacheKey(hash))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: "cached_query", ID: hash}
			}
			return err
		}

		var q storage.CachedQuery
		if err := item.Value(func(val []byte) error {
			return deserialize(val, &q)
		}); err != nil {
			return err
		}
		q.HitCount++
		q.LastAccessedAt = at

		data, err := serialize(&q)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(queryCacheKey(hash), data)
		if expires := item.ExpiresAt(); expires > 0 {
			remaining := time.Until(time.Unix(int64(expires), 0))
			if remaining <= 0 {
				return nil
			}
			entry = entry.WithTTL(remaining)
		}
		return txn.SetEntry(entry)
	})
}

// DeleteCachedQueries drops every cached query scoped to projectID.
func (b *BadgerStorage) DeleteCachedQueries(ctx context.Context, projectID string) (int, error) {
	removed := 0
	err := b.update(ctx, func(txn *badger.Txn) error {
		removed = 0
		prefix := queryCacheProjectPrefix(projectID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		var keys [][]byte
		var hashes []string
		for it.Rewind(); it.Valid(); it.Next() {
			hash, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
			hashes = append(hashes, string(hash))
		}
		it.Close()

		for i, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(queryCacheKey(hashes[i])); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
