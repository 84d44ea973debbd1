package domain

import "math"

const divEps = 1e-9

// SafeDiv divides num by den, returning 0 when the denominator is ~zero.
func SafeDiv(num, den float64) float64 {
	if math.Abs(den) < divEps {
		return 0
	}
	return num / den
}

// Clamp bounds v into [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
