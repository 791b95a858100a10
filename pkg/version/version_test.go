package version

import (
	"strings"
	"testing"
)

func TestShort(t *testing.T) {
	origVersion, origCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = origVersion, origCommit })

	tests := []struct {
		name   string
		commit string
		want   string
	}{
		{"unknown commit", "unknown", "1.0.0"},
		{"empty commit", "", "1.0.0"},
		{"short commit", "abc", "1.0.0+abc"},
		{"long commit", "3f2a1bc9d8e7", "1.0.0+3f2a1bc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version = "1.0.0"
			GitCommit = tt.commit
			if got := Short(); got != tt.want {
				t.Errorf("Short() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, "hearth ") {
		t.Errorf("String() = %q, want hearth prefix", s)
	}
	if !strings.Contains(s, GoVersion) {
		t.Errorf("String() = %q, want Go version", s)
	}
}

func TestInfo(t *testing.T) {
	info := Info()
	for _, key := range []string{"version", "buildTime", "gitCommit", "goVersion"} {
		if _, ok := info[key]; !ok {
			t.Errorf("Info() missing %q", key)
		}
	}
}
