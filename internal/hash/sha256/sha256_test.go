// Package sha256 includes tests for the SHA-256 hasher.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

// TestHasherScoreStable checks that scores depend on every part.
func TestHasherScoreStable(t *testing.T) {
	t.Parallel()

	h := New()
	a := h.Score("runner-1", "profile:42")
	if a != h.Score("runner-1", "profile:42") {
		t.Fatal("expected deterministic score")
	}
	if a == h.Score("runner-2", "profile:42") {
		t.Fatal("expected different runners to score differently")
	}
	if h.Score("ab", "c") == h.Score("a", "bc") {
		t.Fatal("expected part boundaries to matter")
	}
}
