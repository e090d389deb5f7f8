package idgen

import (
	"strings"
	"testing"
)

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("aud_", Default)
	id := gen()
	if !strings.HasPrefix(id, "aud_") {
		t.Fatalf("id %q missing prefix", id)
	}
	if len(id) <= len("aud_") {
		t.Fatalf("id %q has no body", id)
	}
}
