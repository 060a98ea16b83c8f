package oblivious

// Branch-free primitives. Every predicate returns 0 or 1 as a uint64 and
// every selection is computed with masks, so neither the instruction stream
// nor the memory access pattern depends on the operands.

func isZero(x uint64) uint64 {
	return 1 ^ ((x | -x) >> 63)
}

func eq(a, b uint64) uint64 {
	return isZero(a ^ b)
}

// lt reports a < b for unsigned operands.
func lt(a, b uint64) uint64 {
	return ((^a & b) | (^(a ^ b) & (a - b))) >> 63
}

// ltSigned reports a < b for signed operands by flipping the sign bit.
func ltSigned(a, b int64) uint64 {
	const bias = uint64(1) << 63
	return lt(uint64(a)^bias, uint64(b)^bias)
}

func not(bit uint64) uint64 { return bit ^ 1 }

func mask(bit uint64) uint64 { return -bit }

// sel returns a when bit is 1 and b when bit is 0.
func sel(bit, a, b uint64) uint64 {
	return b ^ ((a ^ b) & mask(bit))
}

func sel32(bit uint64, a, b uint32) uint32 {
	return uint32(sel(bit, uint64(a), uint64(b)))
}

func selSigned(bit uint64, a, b int64) int64 {
	return int64(sel(bit, uint64(a), uint64(b)))
}

func minU64(a, b uint64) uint64 {
	return sel(lt(a, b), a, b)
}
