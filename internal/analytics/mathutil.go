package analytics

import "math"

// SafeDiv returns num/den, or 0 when den is zero or the quotient is not a
// finite number.
func SafeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	q := num / den
	if math.IsNaN(q) || math.IsInf(q, 0) {
		return 0
	}
	return q
}

// percentOf returns part/whole*100 clamped to [0,100].
func percentOf(part, whole float64) float64 {
	return clampPercent(SafeDiv(part, whole) * 100)
}

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// nonNegative maps negative, signed zero and non-finite values to 0.
func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return v
}
