package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SyncState tracks whether an entity has reached the remote store.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
)

// EntityTable names the entity an outbox item refers to.
type EntityTable string

const (
	TableMemories EntityTable = "memories"
	TablePatterns EntityTable = "patterns"
)

// Operation is the kind of write an outbox item replays.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
)

// QueueStatus is the lifecycle state of an outbox item.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// Memory is a single captured interaction or content snippet.
type Memory struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Embedding []float32         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// SuccessScore is in [0,1] and reflects whether the interaction succeeded.
	SuccessScore float64 `json:"success_score"`

	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	// LastAccessedAt is local bookkeeping for eviction; it never takes part
	// in conflict detection.
	LastAccessedAt time.Time `json:"last_accessed_at"`

	SyncState SyncState `json:"sync_state"`
}

// NewMemory returns a pending memory with a fresh ID and a success score of 1.
func NewMemory(projectID, content string) *Memory {
	now := time.Now().UTC()
	return &Memory{
		ID:             uuid.New().String(),
		Content:        content,
		SuccessScore:   1.0,
		ProjectID:      projectID,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		SyncState:      SyncPending,
	}
}

// ModifiedAt is the timestamp used to order concurrent versions.
func (m *Memory) ModifiedAt() time.Time {
	if m.UpdatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.UpdatedAt
}

// Fingerprint hashes the replicated fields of m. Two copies with the same
// fingerprint are identical for sync purposes.
func (m *Memory) Fingerprint() string {
	return fingerprint(struct {
		ID           string            `json:"id"`
		Content      string            `json:"content"`
		Embedding    []float32         `json:"embedding"`
		Metadata     map[string]string `json:"metadata"`
		SuccessScore float64           `json:"success_score"`
		ProjectID    string            `json:"project_id"`
		SessionID    string            `json:"session_id"`
		UserID       string            `json:"user_id"`
	}{m.ID, m.Content, m.Embedding, m.Metadata, m.SuccessScore, m.ProjectID, m.SessionID, m.UserID})
}

// Clone returns a deep copy of m.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Embedding != nil {
		clone.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]string, len(m.Metadata))
		for key, value := range m.Metadata {
			clone.Metadata[key] = value
		}
	}
	return &clone
}

// ActionSequence describes what a pattern does once triggered.
type ActionSequence struct {
	Tools    []string `json:"tools,omitempty"`
	Paths    []string `json:"paths,omitempty"`
	Template string   `json:"template,omitempty"`
}

// Pattern is a detected recurring behavior.
type Pattern struct {
	ID               string         `json:"id"`
	PatternHash      string         `json:"pattern_hash"`
	TriggerContent   string         `json:"trigger_content"`
	TriggerEmbedding []float32      `json:"trigger_embedding,omitempty"`
	ActionSequence   ActionSequence `json:"action_sequence"`

	OccurrenceCount int     `json:"occurrence_count"`
	SuccessRate     float64 `json:"success_rate"`
	AutoApply       bool    `json:"auto_apply"`

	// AutoApplyDisabled is set when auto-apply was switched off by hand; the
	// pattern is not promoted again afterwards.
	AutoApplyDisabled bool `json:"auto_apply_disabled,omitempty"`

	LastUsedAt      time.Time `json:"last_used_at"`
	ProjectContexts []string  `json:"project_contexts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	SyncState SyncState `json:"sync_state"`
}

// PatternStage is the trust level of a pattern.
type PatternStage string

const (
	StageObserved    PatternStage = "observed"
	StageEstablished PatternStage = "established"
	StageTrusted     PatternStage = "trusted"
)

// Stage derives the trust level: trusted once auto-apply is set,
// established once the pattern reached minOccurrences, observed before.
func (p *Pattern) Stage(minOccurrences int) PatternStage {
	switch {
	case p.AutoApply:
		return StageTrusted
	case p.OccurrenceCount >= minOccurrences:
		return StageEstablished
	default:
		return StageObserved
	}
}

// ModifiedAt is the timestamp used to order concurrent versions.
func (p *Pattern) ModifiedAt() time.Time {
	if p.UpdatedAt.IsZero() {
		return p.CreatedAt
	}
	return p.UpdatedAt
}

// AppliesTo reports whether the pattern has been seen in projectID.
func (p *Pattern) AppliesTo(projectID string) bool {
	return slices.Contains(p.ProjectContexts, projectID)
}

// AddProjectContext records projectID, keeping the set sorted and unique.
func (p *Pattern) AddProjectContext(projectID string) {
	if projectID == "" || p.AppliesTo(projectID) {
		return
	}
	p.ProjectContexts = append(p.ProjectContexts, projectID)
	slices.Sort(p.ProjectContexts)
}

// Fingerprint hashes the replicated fields of p.
func (p *Pattern) Fingerprint() string {
	return fingerprint(struct {
		PatternHash     string         `json:"pattern_hash"`
		TriggerContent  string         `json:"trigger_content"`
		Trigger         []float32      `json:"trigger_embedding"`
		ActionSequence  ActionSequence `json:"action_sequence"`
		OccurrenceCount int            `json:"occurrence_count"`
		SuccessRate     float64        `json:"success_rate"`
		AutoApply       bool           `json:"auto_apply"`
		Disabled        bool           `json:"auto_apply_disabled"`
		ProjectContexts []string       `json:"project_contexts"`
	}{p.PatternHash, p.TriggerContent, p.TriggerEmbedding, p.ActionSequence, p.OccurrenceCount, p.SuccessRate, p.AutoApply, p.AutoApplyDisabled, p.ProjectContexts})
}

// Clone returns a deep copy of p.
func (p *Pattern) Clone() *Pattern {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TriggerEmbedding = slices.Clone(p.TriggerEmbedding)
	clone.ActionSequence.Tools = slices.Clone(p.ActionSequence.Tools)
	clone.ActionSequence.Paths = slices.Clone(p.ActionSequence.Paths)
	clone.ProjectContexts = slices.Clone(p.ProjectContexts)
	return &clone
}

// SyncQueueItem is an outbox entry for a local write not yet confirmed
// durable on the remote store.
type SyncQueueItem struct {
	ID          string          `json:"id"`
	EntityTable EntityTable     `json:"entity_table"`
	EntityID    string          `json:"entity_id"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      QueueStatus     `json:"status"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

var queueSeq atomic.Uint64

// NewQueueItem builds a pending outbox item. IDs sort by creation time so
// backends can iterate the queue in FIFO order.
func NewQueueItem(table EntityTable, entityID string, op Operation, payload any) (*SyncQueueItem, error) {
	now := time.Now().UTC()
	item := &SyncQueueItem{
		ID:          fmt.Sprintf("%s-%06d-%s", now.Format("20060102T150405.000000000"), queueSeq.Add(1)%1000000, uuid.New().String()),
		EntityTable: table,
		EntityID:    entityID,
		Operation:   op,
		Status:      QueuePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &SerializationError{Operation: "marshal", Cause: err}
		}
		item.Payload = data
	}
	return item, nil
}

// ScoredRef is a cached reference to a memory with its similarity at caching
// time.
type ScoredRef struct {
	MemoryID string  `json:"memory_id"`
	Score    float64 `json:"score"`
}

// CachedQuery is a persisted similarity-search result.
type CachedQuery struct {
	QueryHash      string      `json:"query_hash"`
	ProjectID      string      `json:"project_id"`
	Results        []ScoredRef `json:"results"`
	HitCount       int         `json:"hit_count"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
}

func fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
