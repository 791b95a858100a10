package eventbus

import "time"

// MemoryStored is published after a memory is durably written locally.
type MemoryStored struct {
	MemoryID  string `json:"memory_id"`
	ProjectID string `json:"project_id"`
	// Remote is set when the write came from the sync engine.
	Remote bool `json:"remote,omitempty"`
}

// CacheInvalidated is published when cached search results for a project
// are dropped.
type CacheInvalidated struct {
	ProjectID string `json:"project_id"`
	Reason    string `json:"reason"`
}

// PatternChanged is published when the detector creates, updates or promotes
// a pattern.
type PatternChanged struct {
	PatternID       string  `json:"pattern_id"`
	PatternHash     string  `json:"pattern_hash"`
	Stage           string  `json:"stage"`
	OccurrenceCount int     `json:"occurrence_count"`
	SuccessRate     float64 `json:"success_rate"`
	AutoApply       bool    `json:"auto_apply"`
}

// SyncCompleted is published at the end of every sync cycle.
type SyncCompleted struct {
	Outcome   string        `json:"outcome"`
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
}
