// Package similarity provides the vector math shared by the cache, the
// pattern detector and the remote store.
package similarity

import (
	"math"
	"sort"
	"time"
)

// Cosine returns the cosine similarity of a and b: the dot product divided by
// the product of magnitudes. Vectors of different length, empty vectors and
// zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// HasEmbedding reports whether v is usable for similarity scoring.
func HasEmbedding(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return true
		}
	}
	return false
}

// Candidate is a scored item awaiting ranking.
type Candidate struct {
	ID           string
	Score        float64
	LastAccessed time.Time
}

// Rank sorts candidates by score descending. Ties go to the more recently
// accessed candidate, then to the smaller ID so the order is total.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		if !cands[i].LastAccessed.Equal(cands[j].LastAccessed) {
			return cands[i].LastAccessed.After(cands[j].LastAccessed)
		}
		return cands[i].ID < cands[j].ID
	})
}

// TopK filters candidates below threshold, ranks the rest and truncates to
// limit. A non-positive limit keeps everything that passes the threshold.
func TopK(cands []Candidate, threshold float64, limit int) []Candidate {
	kept := cands[:0:0]
	for _, c := range cands {
		if c.Score >= threshold {
			kept = append(kept, c)
		}
	}
	Rank(kept)
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}
