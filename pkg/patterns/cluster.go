package patterns

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hearth/hearth/pkg/similarity"
	"github.com/hearth/hearth/pkg/storage"
)

// Metadata keys read from a memory to describe the interaction.
const (
	MetaToolChain = "tool_chain"
	MetaFilePaths = "file_paths"
	MetaSuccess   = "success"
)

// Interaction is a buffered observation waiting to be clustered.
type Interaction struct {
	MemoryID   string    `json:"memory_id"`
	ProjectID  string    `json:"project_id"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	Tools      []string  `json:"tools,omitempty"`
	Paths      []string  `json:"paths,omitempty"`
	Success    bool      `json:"success"`
	ObservedAt time.Time `json:"observed_at"`
}

// interactionFrom extracts the features of m.
func interactionFrom(m *storage.Memory, embedding []float32, at time.Time) Interaction {
	return Interaction{
		MemoryID:   m.ID,
		ProjectID:  m.ProjectID,
		Content:    m.Content,
		Embedding:  embedding,
		Tools:      splitList(m.Metadata[MetaToolChain]),
		Paths:      splitList(m.Metadata[MetaFilePaths]),
		Success:    succeeded(m),
		ObservedAt: at,
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// succeeded reads the success flag, falling back to the success score.
func succeeded(m *storage.Memory) bool {
	switch strings.ToLower(strings.TrimSpace(m.Metadata[MetaSuccess])) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return m.SuccessScore >= 0.5
}

// cluster groups window members greedily: each unassigned interaction seeds a
// cluster that absorbs every later unassigned interaction whose similarity to
// the seed reaches threshold. Only clusters of at least minSize are returned.
func cluster(window []Interaction, threshold float64, minSize int) [][]int {
	assigned := make([]bool, len(window))
	var clusters [][]int

	for i := range window {
		if assigned[i] {
			continue
		}
		members := []int{i}
		for j := i + 1; j < len(window); j++ {
			if assigned[j] {
				continue
			}
			if similarity.Cosine(window[i].Embedding, window[j].Embedding) >= threshold {
				members = append(members, j)
			}
		}
		if len(members) < minSize {
			continue
		}
		for _, idx := range members {
			assigned[idx] = true
		}
		clusters = append(clusters, members)
	}
	return clusters
}

// commonElements returns the elements present in at least ratio of the
// lists, in order of first appearance.
func commonElements(lists [][]string, ratio float64) []string {
	if len(lists) == 0 {
		return nil
	}
	counts := make(map[string]int)
	var order []string
	for _, list := range lists {
		seen := make(map[string]struct{}, len(list))
		for _, el := range list {
			if _, dup := seen[el]; dup {
				continue
			}
			seen[el] = struct{}{}
			if counts[el] == 0 {
				order = append(order, el)
			}
			counts[el]++
		}
	}

	need := int(math.Ceil(ratio*float64(len(lists)) - 1e-9))
	var out []string
	for _, el := range order {
		if counts[el] >= need {
			out = append(out, el)
		}
	}
	return out
}

// normalizeTrigger folds case and whitespace.
func normalizeTrigger(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// PatternHash identifies a pattern by its normalized trigger and tool set.
func PatternHash(triggerContent string, tools []string) string {
	sorted := slices.Clone(tools)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(normalizeTrigger(triggerContent)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}
