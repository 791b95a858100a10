// Package storage defines the persisted data model of the memory substrate and
// the interfaces every local persistence backend implements.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the local persistent store: memories, patterns, the sync outbox,
// cached query results and sync checkpoints.
type Store interface {
	MemoryStore
	PatternStore
	QueueStore
	QueryCacheStore
	CheckpointStore

	// Close releases the backend.
	Close() error
}

// MemoryStore persists memory records.
type MemoryStore interface {
	// PutMemory upserts a memory and writes any outbox items in the same
	// transaction.
	PutMemory(ctx context.Context, m *Memory, outbox ...*SyncQueueItem) error
	GetMemory(ctx context.Context, id string) (*Memory, error)
	DeleteMemory(ctx context.Context, id string) error
	// DeleteMemoryIf deletes the memory only if its stored SyncState equals
	// state at delete time, and reports whether it did.
	DeleteMemoryIf(ctx context.Context, id string, state SyncState) (bool, error)
	CountMemories(ctx context.Context) (int, error)

	// ScanRecent returns up to limit memories ordered by last access, most
	// recent first. An empty projectID scans every project.
	ScanRecent(ctx context.Context, projectID string, limit int) ([]*Memory, error)
	ListMemories(ctx context.Context, filter MemoryFilter) ([]*Memory, error)

	// TouchMemories sets LastAccessedAt for all ids in one write.
	TouchMemories(ctx context.Context, ids []string, at time.Time) error
}

// PatternStore persists detected patterns. PatternHash is unique.
type PatternStore interface {
	PutPattern(ctx context.Context, p *Pattern, outbox ...*SyncQueueItem) error
	GetPattern(ctx context.Context, id string) (*Pattern, error)
	GetPatternByHash(ctx context.Context, hash string) (*Pattern, error)
	ListPatterns(ctx context.Context, filter PatternFilter) ([]*Pattern, error)
	DeletePattern(ctx context.Context, id string) error
}

// QueueStore persists the sync outbox.
type QueueStore interface {
	Enqueue(ctx context.Context, item *SyncQueueItem) error
	// ListQueue returns items with the given status in FIFO order.
	ListQueue(ctx context.Context, status QueueStatus, limit int) ([]*SyncQueueItem, error)
	UpdateQueueItem(ctx context.Context, item *SyncQueueItem) error
	// CompleteQueueItem marks the item completed and, when the entity has not
	// been modified since pushedAt, marks the entity synced. Both happen in a
	// single transaction.
	CompleteQueueItem(ctx context.Context, item *SyncQueueItem, pushedAt time.Time) error
	DeleteQueueItem(ctx context.Context, id string) error
	// PruneQueue deletes items with the given status last updated before
	// olderThan and returns how many were removed.
	PruneQueue(ctx context.Context, status QueueStatus, olderThan time.Time) (int, error)
	QueueDepth(ctx context.Context) (QueueDepth, error)
}

// QueryCacheStore persists similarity-search results keyed by query hash.
type QueryCacheStore interface {
	PutCachedQuery(ctx context.Context, q *CachedQuery, ttl time.Duration) error
	GetCachedQuery(ctx context.Context, hash string) (*CachedQuery, error)
	// TouchCachedQuery bumps the hit count and access time of a cached query
	// without extending its expiry.
	TouchCachedQuery(ctx context.Context, hash string, at time.Time) error
	// DeleteCachedQueries drops every cached query scoped to projectID.
	DeleteCachedQueries(ctx context.Context, projectID string) (int, error)
}

// CheckpointStore persists named sync checkpoints.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, name string) (time.Time, error)
	PutCheckpoint(ctx context.Context, name string, at time.Time) error
}

// MemoryFilter selects memories for ListMemories.
type MemoryFilter struct {
	ProjectID string
	SyncState SyncState
	// CreatedBefore keeps memories created strictly before this time.
	CreatedBefore time.Time
	// Metadata keeps memories whose metadata holds every listed pair exactly.
	Metadata map[string]string
	// OldestAccessFirst orders by LastAccessedAt ascending instead of
	// descending.
	OldestAccessFirst bool
	Limit             int
}

// Matches reports whether m passes the filter, ignoring Limit and ordering.
func (f MemoryFilter) Matches(m *Memory) bool {
	if f.ProjectID != "" && m.ProjectID != f.ProjectID {
		return false
	}
	if f.SyncState != "" && m.SyncState != f.SyncState {
		return false
	}
	if !f.CreatedBefore.IsZero() && !m.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	for k, v := range f.Metadata {
		if got, ok := m.Metadata[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// PatternFilter selects patterns for ListPatterns.
type PatternFilter struct {
	ProjectID      string
	AutoApplyOnly  bool
	MinOccurrences int
	SyncState      SyncState
	Limit          int
}

// Matches reports whether p passes the filter, ignoring Limit.
func (f PatternFilter) Matches(p *Pattern) bool {
	if f.ProjectID != "" && !p.AppliesTo(f.ProjectID) {
		return false
	}
	if f.AutoApplyOnly && !p.AutoApply {
		return false
	}
	if f.MinOccurrences > 0 && p.OccurrenceCount < f.MinOccurrences {
		return false
	}
	if f.SyncState != "" && p.SyncState != f.SyncState {
		return false
	}
	return true
}

// QueueDepth counts outbox items by status.
type QueueDepth struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ErrLocalStore marks local persistence failures. Backends wrap their
// underlying errors with it so callers can use errors.Is.
var ErrLocalStore = errors.New("local store error")

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// DuplicateKeyError indicates that a unique key is already held by another
// entity.
type DuplicateKeyError struct {
	EntityType string
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.EntityType, e.ID)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() []error { return []error{ErrLocalStore, e.Cause} }

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() []error { return []error{ErrLocalStore, e.Cause} }
