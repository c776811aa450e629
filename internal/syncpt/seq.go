package syncpt

// After reports whether a is strictly later than b in 2^32 modular order.
func After(a, b uint32) bool {
	return int32(a-b) > 0
}

// AtOrAfter reports whether a equals b or is later than b in modular order.
func AtOrAfter(a, b uint32) bool {
	return int32(a-b) >= 0
}

// Expired reports whether a counter reading has reached threshold.
func Expired(value, threshold uint32) bool {
	return AtOrAfter(value, threshold)
}
