package util

import "reflect"

// Contains reports whether x is present in seq under equality comparison.
func Contains[T comparable](x T, seq []T) bool {
	for _, v := range seq {
		if v == x {
			return true
		}
	}
	return false
}

// ContainsMatch reports whether some element of xs structurally matches
// template: every key present in template must be present in the element
// with an equal value (recursively for nested maps, exact-equals
// otherwise); extra keys in the element are allowed.
//
// ContainsMatch(template, nil) is always false. ContainsMatch(map[string]any{}, xs)
// is true iff xs is non-empty (the empty template matches anything).
func ContainsMatch(template map[string]any, xs []map[string]any) bool {
	if len(xs) == 0 {
		return false
	}
	if len(template) == 0 {
		return true
	}
	for _, el := range xs {
		if deepMatch(template, el) {
			return true
		}
	}
	return false
}

func deepMatch(template, el map[string]any) bool {
	for k, want := range template {
		got, ok := el[k]
		if !ok {
			return false
		}
		wantMap, wantIsMap := want.(map[string]any)
		gotMap, gotIsMap := got.(map[string]any)
		if wantIsMap && gotIsMap {
			if !deepMatch(wantMap, gotMap) {
				return false
			}
			continue
		}
		if wantIsMap != gotIsMap {
			return false
		}
		if !reflect.DeepEqual(want, got) {
			return false
		}
	}
	return true
}

// ShallowSort returns a new, sorted permutation of xs without mutating xs.
// less(a, b) must report whether a should sort strictly before b.
func ShallowSort[T any](xs []T, less func(a, b T) bool) []T {
	out := make([]T, len(xs))
	copy(out, xs)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
