package math

import "golang.org/x/exp/constraints"

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// IsPow2 reports whether v is a non-zero power of two.
func IsPow2[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignUp rounds v up to the next multiple of alignment. An alignment of 0 or 1 returns v.
// Alignments that are not powers of two are supported but slower.
func AlignUp[T constraints.Unsigned](v, alignment T) T {
	if alignment <= 1 {
		return v
	}
	if IsPow2(alignment) {
		return (v + alignment - 1) &^ (alignment - 1)
	}
	return ((v + alignment - 1) / alignment) * alignment
}

// AlignDown rounds v down to a multiple of alignment.
func AlignDown[T constraints.Unsigned](v, alignment T) T {
	if alignment <= 1 {
		return v
	}
	return (v / alignment) * alignment
}
