package capture

import (
	"errors"
	"math/bits"
)

// errOffset reports descriptor offset arithmetic that overflowed or left the
// backing memory. Callers translate it into a coded error.
var errOffset = errors.New("offset out of bounds")

// offsetOf computes base + index*stride without wrapping.
func offsetOf(base, index, stride uint64) (uint64, error) {
	hi, prod := bits.Mul64(index, stride)
	if hi != 0 {
		return 0, errOffset
	}
	sum, carry := bits.Add64(base, prod, 0)
	if carry != 0 {
		return 0, errOffset
	}
	return sum, nil
}

// window returns mem[base+off : base+off+size] after checking every step.
// All descriptor and relocation offsets go through here.
func window(mem []byte, base, off, size uint64) ([]byte, error) {
	start, carry := bits.Add64(base, off, 0)
	if carry != 0 {
		return nil, errOffset
	}
	end, carry := bits.Add64(start, size, 0)
	if carry != 0 || end > uint64(len(mem)) {
		return nil, errOffset
	}
	return mem[start:end:end], nil
}

// ceilDiv returns ceil(a/b) for b > 0.
func ceilDiv(a, b uint32) uint32 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// addCount adds n to total and reports overflow of the 32-bit counter space.
func addCount(total, n uint32) (uint32, error) {
	sum, carry := bits.Add32(total, n, 0)
	if carry != 0 {
		return 0, errOffset
	}
	return sum, nil
}
