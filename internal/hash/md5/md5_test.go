// Package md5 includes tests for the case ID hasher.
package md5

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("https://example.com/"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "182ccedb33a9e03fbf1079b209da1a31"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("https://example.com/"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}
