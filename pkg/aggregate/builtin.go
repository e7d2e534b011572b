package aggregate

// Built-in combine functions. All are associative and commutative.

// SumInt64 adds int64 partials.
func SumInt64(a, b any) any { return a.(int64) + b.(int64) }

// SumFloat64 adds float64 partials.
func SumFloat64(a, b any) any { return a.(float64) + b.(float64) }

// MinInt64 keeps the smaller int64.
func MinInt64(a, b any) any {
	if b.(int64) < a.(int64) {
		return b
	}
	return a
}

// MaxInt64 keeps the larger int64.
func MaxInt64(a, b any) any {
	if b.(int64) > a.(int64) {
		return b
	}
	return a
}

// BoolOr is true once any partial is true. The usual choice for a
// designated halt aggregator.
func BoolOr(a, b any) any { return a.(bool) || b.(bool) }
