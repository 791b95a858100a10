package syncer

import (
	"fmt"
	"slices"
	"time"

	"github.com/hearth/hearth/pkg/storage"
)

// Policy selects the winner of a conflict between a local and a remote copy.
type Policy string

const (
	// PolicyLocalWinsIfNewer keeps whichever copy was modified last.
	PolicyLocalWinsIfNewer Policy = "local_wins_if_newer"
	// PolicyRemoteWins treats the remote store as authoritative: a differing
	// remote copy always replaces the local one.
	PolicyRemoteWins Policy = "remote_wins"
)

// ParsePolicy validates a configured policy name. Empty selects the default.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicyLocalWinsIfNewer, nil
	case PolicyLocalWinsIfNewer, PolicyRemoteWins:
		return Policy(s), nil
	}
	return "", fmt.Errorf("syncer: unknown conflict policy %q", s)
}

// Winner is the outcome of comparing two copies of an entity.
type Winner string

const (
	WinnerNone   Winner = "identical"
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Version is what conflict resolution looks at.
type Version struct {
	ModifiedAt  time.Time
	Fingerprint string
}

// Resolve picks the copy to keep. Copies with equal fingerprints are
// identical. Otherwise the later modification wins; equal timestamps fall
// back to the larger fingerprint so every device picks the same copy.
func Resolve(policy Policy, local, remote Version) Winner {
	if local.Fingerprint == remote.Fingerprint {
		return WinnerNone
	}
	if policy == PolicyRemoteWins {
		return WinnerRemote
	}
	switch {
	case local.ModifiedAt.After(remote.ModifiedAt):
		return WinnerLocal
	case remote.ModifiedAt.After(local.ModifiedAt):
		return WinnerRemote
	case local.Fingerprint > remote.Fingerprint:
		return WinnerLocal
	default:
		return WinnerRemote
	}
}

func memoryVersion(m *storage.Memory) Version {
	return Version{ModifiedAt: m.ModifiedAt(), Fingerprint: m.Fingerprint()}
}

func patternVersion(p *storage.Pattern) Version {
	return Version{ModifiedAt: p.ModifiedAt(), Fingerprint: p.Fingerprint()}
}

// mergePattern returns winner with the monotonic fields of other folded in:
// occurrence counts never decrease, auto-apply never reverts on its own, a
// manual disable sticks and project contexts accumulate.
func mergePattern(winner, other *storage.Pattern) *storage.Pattern {
	merged := winner.Clone()
	if other == nil {
		return merged
	}
	merged.OccurrenceCount = max(winner.OccurrenceCount, other.OccurrenceCount)
	merged.AutoApplyDisabled = winner.AutoApplyDisabled || other.AutoApplyDisabled
	merged.AutoApply = (winner.AutoApply || other.AutoApply) && !merged.AutoApplyDisabled
	if other.LastUsedAt.After(merged.LastUsedAt) {
		merged.LastUsedAt = other.LastUsedAt
	}
	for _, project := range other.ProjectContexts {
		merged.AddProjectContext(project)
	}
	slices.Sort(merged.ProjectContexts)
	return merged
}
