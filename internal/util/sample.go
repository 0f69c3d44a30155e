package util

import "math/rand"

// Shuffle returns a new permutation of xs in random order, without
// mutating xs. Used by the gossip view selection and the media manager's
// peer-for-part pick (§4.7 next_parts_to_download).
func Shuffle[T any](xs []T) []T {
	out := make([]T, len(xs))
	copy(out, xs)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Mean returns the arithmetic mean of xs, or 0 for an empty sequence.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
