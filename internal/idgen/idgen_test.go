package idgen

import (
	"regexp"
	"testing"
)

func TestWithPrefixFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^esc_[a-f0-9]{24}$`)
	id := WithPrefix("esc")
	if !pattern.MatchString(id) {
		t.Errorf("WithPrefix(\"esc\") = %q, want esc_ + 24 hex chars", id)
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("dsp")
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestHexLength(t *testing.T) {
	if got := Hex(12); len(got) != 24 {
		t.Errorf("Hex(12) length = %d, want 24", len(got))
	}
}
