// Package badger provides a Badger-based implementation of the storage interface.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hearth/hearth/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	InMemory          bool
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int

	// Logger receives Badger's internal log output. Nil silences it.
	Logger Logger
}

// Logger is the subset of the application logger Badger output is routed to.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// BadgerStorage implements storage.Store using Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

// maxConflictRetries bounds retries of a transaction that lost a write race.
const maxConflictRetries = 3

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	if config == nil {
		config = &Config{InMemory: true}
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil
	if config.Logger != nil {
		opts.Logger = &badgerLogger{log: config.Logger}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
	}, nil
}

// Key layout
//
//	memory:<id>                                   memory JSON
//	idx:mem:project:<project>\x00<ts>\x00<id>     -> id, ordered by last access
//	idx:mem:accessed:<ts>\x00<id>                 -> id, ordered by last access
//	pattern:<id>                                  pattern JSON
//	idx:pattern:hash:<hash>                       -> pattern id
//	queue:<id>                                    outbox item JSON, FIFO by id
//	qcache:<hash>                                 cached query JSON (TTL)
//	idx:qcache:project:<project>\x00<hash>        -> hash (TTL)
//	checkpoint:<name>                             RFC3339Nano timestamp
const (
	memoryPrefix         = "memory:"
	projectIndexPrefix   = "idx:mem:project:"
	accessedIndexPrefix  = "idx:mem:accessed:"
	patternPrefix        = "pattern:"
	patternHashPrefix    = "idx:pattern:hash:"
	queuePrefix          = "queue:"
	queryCachePrefix     = "qcache:"
	queryCacheProjPrefix = "idx:qcache:project:"
	checkpointPrefix     = "checkpoint:"
)

func memoryKey(id string) []byte {
	return []byte(memoryPrefix + id)
}

func projectScanPrefix(projectID string) []byte {
	return []byte(projectIndexPrefix + projectID + "\x00")
}

func projectIndexKey(m *storage.Memory) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%020d\x00%s", projectIndexPrefix, m.ProjectID, accessStamp(m), m.ID))
}

func accessedIndexKey(m *storage.Memory) []byte {
	return []byte(fmt.Sprintf("%s%020d\x00%s", accessedIndexPrefix, accessStamp(m), m.ID))
}

func patternKey(id string) []byte {
	return []byte(patternPrefix + id)
}

func patternHashKey(hash string) []byte {
	return []byte(patternHashPrefix + hash)
}

func queueKey(id string) []byte {
	return []byte(queuePrefix + id)
}

func queryCacheKey(hash string) []byte {
	return []byte(queryCachePrefix + hash)
}

func queryCacheProjectPrefix(projectID string) []byte {
	return []byte(queryCacheProjPrefix + projectID + "\x00")
}

func queryCacheProjectKey(projectID, hash string) []byte {
	return []byte(queryCacheProjPrefix + projectID + "\x00" + hash)
}

func checkpointKey(name string) []byte {
	return []byte(checkpointPrefix + name)
}

// accessStamp orders index keys by last access. Times before the epoch sort
// first.
func accessStamp(m *storage.Memory) uint64 {
	at := m.LastAccessedAt
	if at.IsZero() {
		at = m.CreatedAt
	}
	nanos := at.UnixNano()
	if at.IsZero() || nanos < 0 {
		return 0
	}
	return uint64(nanos)
}

// Serialization helpers
func serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{
			Operation: "marshal",
			Cause:     err,
		}
	}
	return data, nil
}

func deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{
			Operation: "unmarshal",
			Cause:     err,
		}
	}
	return nil
}

// wrapErr maps raw Badger failures onto the storage error taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var nf *storage.NotFoundError
	var dup *storage.DuplicateKeyError
	var ser *storage.SerializationError
	var su *storage.StorageUnavailableError
	if errors.As(err, &nf) || errors.As(err, &dup) || errors.As(err, &ser) || errors.As(err, &su) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &storage.StorageUnavailableError{Cause: err}
}

func (b *BadgerStorage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	return wrapErr(err)
}

func (b *BadgerStorage) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr(b.db.View(fn))
}

func getJSON(txn *badger.Txn, key []byte, entity, id string, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &storage.NotFoundError{EntityType: entity, ID: id}
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return deserialize(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// PutMemory upserts a memory, maintaining its access indexes, and writes the
// outbox items in the same transaction.
func (b *BadgerStorage) PutMemory(ctx context.Context, m *storage.Memory, outbox ...*storage.SyncQueueItem) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		if err := b.putMemoryInTxn(txn, m); err != nil {
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

func (b *BadgerStorage) putMemoryInTxn(txn *badger.Txn, m *storage.Memory) error {
	old, err := b.getMemoryInTxn(txn, m.ID)
	switch {
	case err == nil:
		if err := deleteMemoryIndexes(txn, old); err != nil {
			return err
		}
	case !storage.IsNotFound(err):
		return err
	}

	if err := setJSON(txn, memoryKey(m.ID), m); err != nil {
		return err
	}
	if err := txn.Set(projectIndexKey(m), []byte(m.ID)); err != nil {
		return err
	}
	return txn.Set(accessedIndexKey(m), []byte(m.ID))
}

func deleteMemoryIndexes(txn *badger.Txn, m *storage.Memory) error {
	if err := txn.Delete(projectIndexKey(m)); err != nil {
		return err
	}
	return txn.Delete(accessedIndexKey(m))
}

func (b *BadgerStorage) getMemoryInTxn(txn *badger.Txn, id string) (*storage.Memory, error) {
	var m storage.Memory
	if err := getJSON(txn, memoryKey(id), "memory", id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMemory retrieves a memory by ID.
func (b *BadgerStorage) GetMemory(ctx context.Context, id string) (*storage.Memory, error) {
	var m *storage.Memory
	err := b.view(ctx, func(txn *badger.Txn) error {
		var err error
		m, err = b.getMemoryInTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMemory removes a memory and its index entries.
func (b *BadgerStorage) DeleteMemory(ctx context.Context, id string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		m, err := b.getMemoryInTxn(txn, id)
		if err != nil {
			return err
		}
		if err := deleteMemoryIndexes(txn, m); err != nil {
			return err
		}
		return txn.Delete(memoryKey(id))
	})
}

// DeleteMemoryIf removes a memory only while its sync state is state. The
// check and the delete share one transaction.
func (b *BadgerStorage) DeleteMemoryIf(ctx context.Context, id string, state storage.SyncState) (bool, error) {
	deleted := false
	err := b.update(ctx, func(txn *badger.Txn) error {
		m, err := b.getMemoryInTxn(txn, id)
		if err != nil {
			return err
		}
		if m.SyncState != state {
			return nil
		}
		if err := deleteMemoryIndexes(txn, m); err != nil {
			return err
		}
		deleted = true
		return txn.Delete(memoryKey(id))
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// CountMemories returns the number of stored memories.
func (b *BadgerStorage) CountMemories(ctx context.Context) (int, error) {
	count := 0
	err := b.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(memoryPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ScanRecent walks the access index newest first.
func (b *BadgerStorage) ScanRecent(ctx context.Context, projectID string, limit int) ([]*storage.Memory, error) {
	if limit <= 0 {
		limit = math.MaxInt
	}

	prefix := []byte(accessedIndexPrefix)
	if projectID != "" {
		prefix = projectScanPrefix(projectID)
	}

	var memories []*storage.Memory
	err := b.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.Valid() && len(memories) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			m, err := b.getMemoryInTxn(txn, string(id))
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return err
			}
			memories = append(memories, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return memories, nil
}

// ListMemories returns memories matching filter ordered by last access.
func (b *BadgerStorage) ListMemories(ctx context.Context, filter storage.MemoryFilter) ([]*storage.Memory, error) {
	var memories []*storage.Memory
	err := b.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(accessedIndexPrefix)
		opts.Reverse = !filter.OldestAccessFirst

		it := txn.NewIterator(opts)
		defer it.Close()

		start := opts.Prefix
		if opts.Reverse {
			start = append(append([]byte{}, opts.Prefix...), 0xFF)
		}
		for it.Seek(start); it.Valid(); it.Next() {
			if filter.Limit > 0 && len(memories) >= filter.Limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			m, err := b.getMemoryInTxn(txn, string(id))
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return err
			}
			if filter.Matches(m) {
				memories = append(memories, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return memories, nil
}

// TouchMemories updates LastAccessedAt of every existing id in one
// transaction. Unknown ids are skipped.
func (b *BadgerStorage) TouchMemories(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			m, err := b.getMemoryInTxn(txn, id)
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return err
			}
			if !at.After(m.LastAccessedAt) {
				continue
			}
			m.LastAccessedAt = at
			if err := b.putMemoryInTxn(txn, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCheckpoint returns the named checkpoint or the zero time.
func (b *BadgerStorage) GetCheckpoint(ctx context.Context, name string) (time.Time, error) {
	var at time.Time
	err := b.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := time.Parse(time.RFC3339Nano, string(val))
			if err != nil {
				return &storage.SerializationError{Operation: "unmarshal", Cause: err}
			}
			at = parsed
			return nil
		})
	})
	return at, err
}

// PutCheckpoint stores the named checkpoint.
func (b *BadgerStorage) PutCheckpoint(ctx context.Context, name string, at time.Time) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(name), []byte(at.UTC().Format(time.RFC3339Nano)))
	})
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	if !b.config.InMemory {
		// GC errors are not fatal on close.
		_ = b.db.RunValueLogGC(0.5)
	}
	return b.db.Close()
}

// badgerLogger adapts the application logger to badger.Logger.
type badgerLogger struct {
	log Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

var _ storage.Store = (*BadgerStorage)(nil)
