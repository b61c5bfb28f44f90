package ids

import (
	"testing"
)

func TestNewIsUniqueAndSorted(t *testing.T) {
	const n = 1000
	seen := make(map[string]bool, n)
	var prev string
	for i := 0; i < n; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if prev != "" && id <= prev {
			t.Fatalf("ids not monotonic: %s after %s", id, prev)
		}
		prev = id
	}
}

func TestIsValid(t *testing.T) {
	if !IsValid(New()) {
		t.Fatal("fresh id must be valid")
	}
	for _, bad := range []string{"", "not-an-id", "0000"} {
		if IsValid(bad) {
			t.Fatalf("%q should be invalid", bad)
		}
	}
}

