package surface

import "sort"

// span is a half-open IOVA range.
type span struct {
	base uint64
	size uint64
}

// window is a first-fit IOVA allocator over a fixed device address range.
// Callers hold the registry lock.
type window struct {
	align uint64
	free  []span // sorted by base, never adjacent
}

func newWindow(base, size, align uint64) *window {
	return &window{
		align: align,
		free:  []span{{base: base, size: size}},
	}
}

func (w *window) roundUp(n uint64) (uint64, bool) {
	r := (n + w.align - 1) &^ (w.align - 1)
	return r, r >= n
}

// alloc reserves size bytes and returns the base address.
func (w *window) alloc(size uint64) (uint64, bool) {
	size, ok := w.roundUp(size)
	if !ok || size == 0 {
		return 0, false
	}
	for i, s := range w.free {
		if s.size < size {
			continue
		}
		base := s.base
		if s.size == size {
			w.free = append(w.free[:i], w.free[i+1:]...)
		} else {
			w.free[i] = span{base: s.base + size, size: s.size - size}
		}
		return base, true
	}
	return 0, false
}

// release returns a range obtained from alloc and merges neighbours.
func (w *window) release(base, size uint64) {
	size, _ = w.roundUp(size)
	i := sort.Search(len(w.free), func(i int) bool { return w.free[i].base > base })
	w.free = append(w.free, span{})
	copy(w.free[i+1:], w.free[i:])
	w.free[i] = span{base: base, size: size}

	if i+1 < len(w.free) && w.free[i].base+w.free[i].size == w.free[i+1].base {
		w.free[i].size += w.free[i+1].size
		w.free = append(w.free[:i+1], w.free[i+2:]...)
	}
	if i > 0 && w.free[i-1].base+w.free[i-1].size == w.free[i].base {
		w.free[i-1].size += w.free[i].size
		w.free = append(w.free[:i], w.free[i+1:]...)
	}
}

// available returns the number of unreserved bytes.
func (w *window) available() uint64 {
	var n uint64
	for _, s := range w.free {
		n += s.size
	}
	return n
}
