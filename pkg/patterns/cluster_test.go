package patterns

import (
	"reflect"
	"testing"

	"github.com/hearth/hearth/pkg/storage"
)

func TestCommonElements(t *testing.T) {
	tests := []struct {
		name  string
		lists [][]string
		ratio float64
		want  []string
	}{
		{
			name:  "all share",
			lists: [][]string{{"a", "b"}, {"b", "a"}, {"a", "b"}},
			ratio: 0.7,
			want:  []string{"a", "b"},
		},
		{
			name: "four of five meets seventy percent",
			lists: [][]string{
				{"git", "go test"},
				{"git", "go test", "lint"},
				{"git", "go test", "lint"},
				{"git", "go test"},
				{"git", "lint"},
			},
			ratio: 0.7,
			want:  []string{"git", "go test"},
		},
		{
			name:  "duplicates within a member count once",
			lists: [][]string{{"x", "x"}, {"y"}, {"y"}},
			ratio: 0.6,
			want:  []string{"y"},
		},
		{
			name:  "empty",
			lists: nil,
			ratio: 0.7,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := commonElements(tt.lists, tt.ratio)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("commonElements() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPatternHash(t *testing.T) {
	base := PatternHash("Run the  test suite", []string{"go test", "git"})

	if got := PatternHash("run the test suite", []string{"git", "go test"}); got != base {
		t.Errorf("hash should ignore case, spacing and tool order")
	}
	if got := PatternHash("run the test suite", []string{"go test"}); got == base {
		t.Errorf("hash should depend on tools")
	}
	if got := PatternHash("run the build", []string{"go test", "git"}); got == base {
		t.Errorf("hash should depend on trigger")
	}
}

func TestSucceeded(t *testing.T) {
	tests := []struct {
		meta  string
		score float64
		want  bool
	}{
		{"true", 0, true},
		{"FALSE", 1, false},
		{"", 0.5, true},
		{"", 0.4, false},
		{"maybe", 0.9, true},
	}
	for _, tt := range tests {
		m := &storage.Memory{SuccessScore: tt.score, Metadata: map[string]string{MetaSuccess: tt.meta}}
		if got := succeeded(m); got != tt.want {
			t.Errorf("succeeded(%q, %v) = %v, want %v", tt.meta, tt.score, got, tt.want)
		}
	}
}

func TestCluster_GreedyBySeed(t *testing.T) {
	window := []Interaction{
		{Embedding: []float32{1, 0}},
		{Embedding: []float32{0, 1}},
		{Embedding: []float32{1, 0.1}},
		{Embedding: []float32{0.1, 1}},
		{Embedding: []float32{1, 0}},
	}

	got := cluster(window, 0.9, 2)
	want := [][]int{{0, 2, 4}, {1, 3}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("cluster() = %v, want %v", got, want)
	}

	if got := cluster(window, 0.9, 4); len(got) != 0 {
		t.Errorf("no cluster reaches 4 members, got %v", got)
	}
}
