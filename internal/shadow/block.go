package shadow

import (
	"sync/atomic"

	"github.com/kolkov/memshadow/internal/assert"
)

const (
	// BlockShift is log2 of BlockSize.
	BlockShift = 16
	// BlockSize is the number of application bytes covered by one block.
	BlockSize = 1 << BlockShift

	blockMask     = BlockSize - 1
	bytesPerWord  = 16
	wordsPerBlock = BlockSize / bytesPerWord
)

// Block is the shadow of one BlockSize region. A block is either shared
// (special) and immutable, or private and written in place.
type Block struct {
	special bool
	value   State    // special blocks only
	words   []uint32 // private blocks only
}

func newSpecial(v State) *Block {
	return &Block{special: true, value: v}
}

func newPrivate(fill State) *Block {
	b := &Block{words: make([]uint32, wordsPerBlock)}
	if pat := fill.Dqword(); pat != 0 {
		for i := range b.words {
			b.words[i] = pat
		}
	}
	return b
}

// IsSpecial reports whether b is a shared block.
func (b *Block) IsSpecial() bool { return b.special }

// Value is the uniform state of a special block.
func (b *Block) Value() State { return b.value }

// Get returns the state of the byte at offset off within the block.
func (b *Block) Get(off uint64) State {
	if b.special {
		return b.value
	}
	w := atomic.LoadUint32(&b.words[off/bytesPerWord])
	return State(w>>((off%bytesPerWord)*2)) & 0x3
}

// Set stores v for the byte at offset off. Special blocks are immutable.
func (b *Block) Set(off uint64, v State) {
	if b.special {
		assert.That(false, "write to special block")
		return
	}
	w := &b.words[off/bytesPerWord]
	shift := (off % bytesPerWord) * 2
	for {
		old := atomic.LoadUint32(w)
		nw := old&^(0x3<<shift) | uint32(v)<<shift
		if old == nw || atomic.CompareAndSwapUint32(w, old, nw) {
			return
		}
	}
}

// dword returns the packed shadow byte of the aligned dword holding off.
func (b *Block) dword(off uint64) uint8 {
	if b.special {
		return b.value.Dword()
	}
	w := atomic.LoadUint32(&b.words[off/bytesPerWord])
	return uint8(w >> ((off % bytesPerWord) &^ 3 * 2))
}

// fill sets offsets [lo, hi) to v.
func (b *Block) fill(lo, hi uint64, v State) {
	for ; lo < hi && lo%bytesPerWord != 0; lo++ {
		b.Set(lo, v)
	}
	pat := v.Dqword()
	for ; lo+bytesPerWord <= hi; lo += bytesPerWord {
		atomic.StoreUint32(&b.words[lo/bytesPerWord], pat)
	}
	for ; lo < hi; lo++ {
		b.Set(lo, v)
	}
}

// firstNot returns the first offset in [lo, hi) whose state is not v.
func (b *Block) firstNot(lo, hi uint64, v State) (uint64, bool) {
	pat := v.Dqword()
	for lo < hi {
		if lo%bytesPerWord == 0 && lo+bytesPerWord <= hi &&
			atomic.LoadUint32(&b.words[lo/bytesPerWord]) == pat {
			lo += bytesPerWord
			continue
		}
		if b.Get(lo) != v {
			return lo, true
		}
		lo++
	}
	return 0, false
}

// uniform reports whether every byte of a private block holds one state.
func (b *Block) uniform() (State, bool) {
	if b.special {
		return b.value, true
	}
	first := atomic.LoadUint32(&b.words[0])
	s := State(first & 0x3)
	if first != s.Dqword() {
		return 0, false
	}
	for i := 1; i < len(b.words); i++ {
		if atomic.LoadUint32(&b.words[i]) != first {
			return 0, false
		}
	}
	return s, true
}

// slot is one block-table entry.
type slot struct {
	p atomic.Pointer[Block]
}

// span returns the part of [a, end) that falls in a's block, as absolute
// addresses, plus the block's base address.
func span(a, end uint64) (base, hi uint64) {
	base = a &^ blockMask
	hi = base + BlockSize
	if hi == 0 || hi > end {
		hi = end
	}
	return base, hi
}
