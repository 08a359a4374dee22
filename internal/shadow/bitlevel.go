package shadow

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/memshadow/internal/assert"
)

// bitTable maps addresses of Bitlevel bytes to their undefined-bit masks.
// n mirrors len(m) so the common empty case needs no lock.
type bitTable struct {
	mu sync.Mutex
	m  map[uint64]uint8
	n  atomic.Int64
}

func (t *bitTable) put(addr uint64, mask uint8) {
	t.mu.Lock()
	if _, ok := t.m[addr]; !ok {
		t.n.Add(1)
	}
	t.m[addr] = mask
	t.mu.Unlock()
}

func (t *bitTable) get(addr uint64) (uint8, bool) {
	if t.n.Load() == 0 {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	mask, ok := t.m[addr]
	return mask, ok
}

func (t *bitTable) drop(addr uint64) {
	if t.n.Load() == 0 {
		return
	}
	t.mu.Lock()
	if _, ok := t.m[addr]; ok {
		delete(t.m, addr)
		t.n.Add(-1)
	}
	t.mu.Unlock()
}

func (t *bitTable) dropRange(start, end uint64) {
	if t.n.Load() == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if end-start < uint64(len(t.m)) {
		for a := start; a < end; a++ {
			if _, ok := t.m[a]; ok {
				delete(t.m, a)
				t.n.Add(-1)
			}
		}
		return
	}
	for a := range t.m {
		if a >= start && a < end {
			delete(t.m, a)
			t.n.Add(-1)
		}
	}
}

func (t *bitTable) collect(start, end uint64) map[uint64]uint8 {
	if t.n.Load() == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out map[uint64]uint8
	for a, mask := range t.m {
		if a >= start && a < end {
			if out == nil {
				out = make(map[uint64]uint8)
			}
			out[a] = mask
		}
	}
	return out
}

// SetBitlevel records per-bit definedness for the byte at addr; set bits in
// undefinedBits are undefined. Masks of all zeros or all ones collapse to
// Defined or Undefined.
func (s *Store) SetBitlevel(addr uint64, undefinedBits uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch undefinedBits {
	case 0:
		return s.setByte(addr, Defined)
	case 0xff:
		return s.setByte(addr, Undefined)
	}
	if !s.setByte(addr, Bitlevel) {
		return false
	}
	s.bits.put(addr, undefinedBits)
	return true
}

// BitlevelMask returns the undefined-bit mask of a Bitlevel byte. A
// Bitlevel byte without a recorded mask reports all bits defined.
func (s *Store) BitlevelMask(addr uint64) (uint8, bool) {
	v, ok := s.getByte(addr)
	if !ok {
		assert.That(false, "shadow read of unestablished address")
		return 0, false
	}
	if v != Bitlevel {
		return 0, false
	}
	mask, _ := s.bits.get(addr)
	return mask, true
}
