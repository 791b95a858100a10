// Package remote defines the shared remote store the sync engine reconciles
// local stores against, with a Redis implementation and an in-process one.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearth/hearth/pkg/storage"
)

var (
	// ErrRemoteUnavailable marks network or remote store failures. A sync
	// cycle that hits it aborts and leaves the outbox untouched.
	ErrRemoteUnavailable = errors.New("remote: unavailable")

	// ErrNotFound is returned when the remote has no copy of an entity.
	ErrNotFound = errors.New("remote: not found")
)

// UnavailableError wraps a failed remote call.
type UnavailableError struct {
	Op    string
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Cause)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrRemoteUnavailable, e.Cause} }

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Cause: err}
}

// Store is the remote store. Memories are keyed by id and patterns by
// pattern hash, so devices that detected the same pattern share one record.
type Store interface {
	Ping(ctx context.Context) error

	UpsertMemory(ctx context.Context, m *storage.Memory) error
	GetMemory(ctx context.Context, id string) (*storage.Memory, error)
	// GetMemories returns the memories that exist, in request order.
	GetMemories(ctx context.Context, ids []string) ([]*storage.Memory, error)

	UpsertPattern(ctx context.Context, p *storage.Pattern) error
	GetPattern(ctx context.Context, hash string) (*storage.Pattern, error)

	// QuerySimilar ranks the project's memories by cosine similarity to vec.
	QuerySimilar(ctx context.Context, vec []float32, projectID string, threshold float64, limit int) ([]storage.ScoredRef, error)

	// ChangesSince returns up to limit changes the remote received at or
	// after since, in arrival order. Arrival is stamped with the remote's
	// clock, so a record written late with an old modification time is still
	// seen by readers that already passed that time. Every index entry
	// scanned is returned; one whose record is missing or unreadable carries
	// no payload.
	ChangesSince(ctx context.Context, since time.Time, limit int) ([]Change, error)
}

// Feed is implemented by stores that push change notifications.
type Feed interface {
	// Subscribe delivers notifications until ctx is cancelled. Notifications
	// carry the entity key and time only; payloads are read via ChangesSince.
	Subscribe(ctx context.Context) (<-chan Change, error)
}

// Change is one modified remote entity.
type Change struct {
	Table storage.EntityTable `json:"table"`
	// Key is the memory id or the pattern hash.
	Key        string    `json:"key"`
	ModifiedAt time.Time `json:"modified_at"`
	// IndexedAt is when the remote received the write. Pull checkpoints
	// advance on it.
	IndexedAt time.Time `json:"indexed_at"`
	// Memory or Pattern holds the record; both are nil when it could not be
	// read.
	Memory  *storage.Memory  `json:"memory,omitempty"`
	Pattern *storage.Pattern `json:"pattern,omitempty"`
}

// remoteMemory strips local-only bookkeeping before a record leaves the device.
func remoteMemory(m *storage.Memory) *storage.Memory {
	c := m.Clone()
	c.LastAccessedAt = time.Time{}
	c.SyncState = storage.SyncSynced
	return c
}

func remotePattern(p *storage.Pattern) *storage.Pattern {
	c := p.Clone()
	c.SyncState = storage.SyncSynced
	return c
}

// indexScore is the ordering score of the change index.
func indexScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func fromIndexScore(score float64) time.Time {
	return time.UnixMicro(int64(score)).UTC()
}
