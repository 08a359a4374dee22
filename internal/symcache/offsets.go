package symcache

// inlineOffsets is how many offsets a symbol keeps before switching to a
// slice with a membership set. Most symbols have exactly one.
const inlineOffsets = 3

// offsetList holds the offsets of one symbol in insertion order. Up to
// inlineOffsets live in a fixed array; beyond that the list spills to a
// slice and a set for duplicate checks.
type offsetList struct {
	inline [inlineOffsets]uint64
	n      int

	spill []uint64
	set   map[uint64]struct{}
}

func (l *offsetList) len() int {
	if l.spill != nil {
		return len(l.spill)
	}
	return l.n
}

func (l *offsetList) at(i int) (uint64, bool) {
	if i < 0 || i >= l.len() {
		return 0, false
	}
	if l.spill != nil {
		return l.spill[i], true
	}
	return l.inline[i], true
}

func (l *offsetList) has(off uint64) bool {
	if l.set != nil {
		_, ok := l.set[off]
		return ok
	}
	for i := 0; i < l.n; i++ {
		if l.inline[i] == off {
			return true
		}
	}
	return false
}

// add appends off unless it is already present. A lone zero offset is the
// "no such symbol" marker and is replaced rather than appended to.
func (l *offsetList) add(off uint64) bool {
	if l.len() == 1 {
		if cur, _ := l.at(0); cur == 0 {
			l.reset()
			l.inline[0] = off
			l.n = 1
			return true
		}
	}
	if l.has(off) {
		return false
	}
	if l.spill == nil && l.n < inlineOffsets {
		l.inline[l.n] = off
		l.n++
		return true
	}
	if l.spill == nil {
		l.spill = make([]uint64, l.n, 2*inlineOffsets)
		copy(l.spill, l.inline[:l.n])
		l.set = make(map[uint64]struct{}, 2*inlineOffsets)
		for _, o := range l.spill {
			l.set[o] = struct{}{}
		}
	}
	l.spill = append(l.spill, off)
	l.set[off] = struct{}{}
	return true
}

func (l *offsetList) reset() {
	*l = offsetList{}
}

func (l *offsetList) all() []uint64 {
	out := make([]uint64, l.len())
	for i := range out {
		out[i], _ = l.at(i)
	}
	return out
}
