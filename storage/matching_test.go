package storage

import "testing"

func TestMatchSubstring(t *testing.T) {
	tests := []struct {
		key, pattern string
		want         bool
	}{
		{"pineapple", "apple", true},
		{"apple", "apple", true},
		{"apple", "pear", false},
		{"user:1", "*", false},
		{"anything", "", true},
	}

	for _, tt := range tests {
		if got := MatchSubstring.Match(tt.key, tt.pattern); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.key, tt.pattern, got, tt.want)
		}
	}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		key, pattern string
		want         bool
	}{
		{"hello", "h?llo", true},
		{"hallo", "h?llo", true},
		{"hllo", "h?llo", false},
		{"heeeello", "h*llo", true},
		{"hello", "h[ae]llo", true},
		{"hillo", "h[ae]llo", false},
		{"hallo", "h[^e]llo", true},
		{"hello", "h[^e]llo", false},
		{"hbllo", "h[a-b]llo", true},
		{"hcllo", "h[a-b]llo", false},
		{"h*llo", `h\*llo`, true},
		{"hello", `h\*llo`, false},
		{"[x", "[x", true},
		{"", "*", true},
		{"user:1:name", "user:*:name", true},
		{"user:1:age", "user:*:name", false},
		{"abc", "***", true},
	}

	for _, tt := range tests {
		if got := MatchGlob.Match(tt.key, tt.pattern); got != tt.want {
			t.Errorf("glob Match(%q, %q) = %v, want %v", tt.key, tt.pattern, got, tt.want)
		}
	}
}

func TestParseMatchingStrategy(t *testing.T) {
	for in, want := range map[string]MatchingStrategy{"": MatchSubstring, "substring": MatchSubstring, "GLOB": MatchGlob} {
		got, err := ParseMatchingStrategy(in)
		if err != nil || got != want {
			t.Errorf("ParseMatchingStrategy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMatchingStrategy("regex"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
