package pipeline

import "testing"

func TestNormalizeProjectDir(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "", want: "/contract"},
		{input: "a/b", want: "/contract/a/b"},
		{input: "a/./b", want: "/contract/a/b"},
		{input: "a/../b", want: "/contract/b"},
		{input: "/a", want: "/contract/a"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := normalizeProjectDir(tt.input)
			if err != nil {
				t.Fatalf("normalizeProjectDir(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("normalizeProjectDir(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeProjectDirEscapeAttempts(t *testing.T) {
	tests := []string{"..", "../..", "a/../../b", "../../../etc/passwd"}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			got, err := normalizeProjectDir(in)
			if err != nil {
				t.Fatalf("normalizeProjectDir(%q) error = %v", in, err)
			}
			if got != projectRoot && !hasPrefixSegment(got, projectRoot+"/") {
				t.Errorf("normalizeProjectDir(%q) = %q escapes root", in, got)
			}
		})
	}
}

func TestNormalizeProjectDirRejectsNonASCII(t *testing.T) {
	if _, err := normalizeProjectDir("caf\xc3\xa9"); err == nil {
		t.Error("normalizeProjectDir() should reject non-ASCII input")
	}
}

func hasPrefixSegment(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
