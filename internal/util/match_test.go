package util

import "testing"

func TestContains(t *testing.T) {
	xs := []int{1, 2, 3}
	if !Contains(2, xs) {
		t.Fatal("expected 2 to be contained")
	}
	if Contains(9, xs) {
		t.Fatal("9 should not be contained")
	}
}

func TestContainsMatch(t *testing.T) {
	xs := []map[string]any{
		{"type": "offer", "ttl": 3},
		{"type": "answer", "ttl": 2, "nested": map[string]any{"ok": true}},
	}

	if ContainsMatch(map[string]any{"type": "offer"}, nil) {
		t.Fatal("match against nil slice must be false")
	}
	if !ContainsMatch(map[string]any{}, xs) {
		t.Fatal("empty template should match any non-empty slice")
	}
	if ContainsMatch(map[string]any{}, nil) {
		t.Fatal("empty template against nil slice must be false")
	}
	if !ContainsMatch(map[string]any{"type": "answer"}, xs) {
		t.Fatal("expected a match on type=answer")
	}
	if ContainsMatch(map[string]any{"type": "missing"}, xs) {
		t.Fatal("unexpected match for absent type")
	}
	if !ContainsMatch(map[string]any{"nested": map[string]any{"ok": true}}, xs) {
		t.Fatal("expected nested match")
	}
	if ContainsMatch(map[string]any{"nested": map[string]any{"ok": false}}, xs) {
		t.Fatal("unexpected nested match for differing value")
	}
}

func TestShallowSort(t *testing.T) {
	xs := []int{5, 3, 4, 1, 2}
	sorted := ShallowSort(xs, func(a, b int) bool { return a < b })

	want := []int{1, 2, 3, 4, 5}
	for i, v := range sorted {
		if v != want[i] {
			t.Fatalf("sorted = %v, want %v", sorted, want)
		}
	}
	// Original must not be mutated.
	if xs[0] != 5 {
		t.Fatalf("ShallowSort mutated input: %v", xs)
	}
}
