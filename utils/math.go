package utils

import (
	"math"
	"math/rand"
)

// Square returns n*n.
func Square(n float64) float64 {
	return n * n
}

// ClampInt restricts n to [lo, hi].
func ClampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// IsFinite returns false for NaN and infinities.
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// SampleDistinct draws k distinct indices from [0, n) using a partial Fisher-Yates shuffle
// over the scratch slice, which must have length n and is reordered in place.
func SampleDistinct(k int, scratch []int, r *rand.Rand) []int {
	n := len(scratch)
	if k > n {
		k = n
	}
	for i := 0; i < k; i++ {
		j := i + r.Intn(n-i)
		scratch[i], scratch[j] = scratch[j], scratch[i]
	}
	return scratch[:k]
}

// Range returns [0, 1, ..., n-1].
func Range(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
