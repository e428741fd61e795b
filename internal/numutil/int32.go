// Package numutil converts Go ints into the int32 fields of DynamoDB requests.
package numutil

import "math"

// Int32 converts n to int32, saturating at the int32 bounds.
func Int32(n int) int32 {
	switch {
	case n > math.MaxInt32:
		return math.MaxInt32
	case n < math.MinInt32:
		return math.MinInt32
	default:
		return int32(n)
	}
}

// Limit returns n as a request Limit, or nil when n is not positive.
func Limit(n int) *int32 {
	if n <= 0 {
		return nil
	}
	v := Int32(n)
	return &v
}
