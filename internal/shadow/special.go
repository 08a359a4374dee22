package shadow

import "github.com/kolkov/memshadow/internal/assert"

// IsSpecial reports whether addr is backed by a shared special block.
func (s *Store) IsSpecial(addr uint64) bool {
	sl := s.slotFor(addr)
	return sl != nil && sl.p.Load().special
}

// Special returns the value of the special block backing addr. It fails if
// the block is private or missing.
func (s *Store) Special(addr uint64) (State, bool) {
	sl := s.slotFor(addr)
	if sl == nil {
		return Unknown, false
	}
	b := sl.p.Load()
	if !b.special {
		return 0, false
	}
	return b.value, true
}

// ReplaceSpecial un-shares the block backing addr and returns the private
// block for in-place writes. Already private blocks are returned as is.
// Writes through the returned block must not race with
// ReinstateSpecialsInRange over the same block.
func (s *Store) ReplaceSpecial(addr uint64) (*Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slotFor(addr)
	if sl == nil {
		assert.That(false, "replace special of unestablished address")
		return nil, false
	}
	return s.unshare(sl), true
}

// ReplaceSpecialsInRange establishes and un-shares every block touching
// [start, end). Used to pre-materialize regions that will see heavy
// byte-level writes.
func (s *Store) ReplaceSpecialsInRange(start, end uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for a := start; a < end; {
		_, hi := span(a, end)
		s.unshare(s.establish(a))
		a = hi
	}
}

// ReinstateSpecialsInRange swaps each private block lying wholly inside
// [start, end) whose bytes all share one state back to that state's special
// block, and returns how many blocks were compacted.
func (s *Store) ReinstateSpecialsInRange(start, end uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for a := start; a < end; {
		base, hi := span(a, end)
		if a == base && hi-base == BlockSize {
			if sl := s.slotFor(a); sl != nil {
				b := sl.p.Load()
				if v, ok := b.uniform(); ok && !b.special {
					sl.p.Store(s.specials[v])
					s.released.Add(1)
					s.reinstated.Add(1)
					n++
				}
			}
		}
		a = hi
	}
	return n
}
