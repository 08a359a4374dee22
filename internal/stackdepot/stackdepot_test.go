package stackdepot

import (
	"strings"
	"sync"
	"testing"
)

func frames(pcs ...uint64) []Frame {
	out := make([]Frame, len(pcs))
	for i, pc := range pcs {
		out[i] = Frame{PC: pc, Module: "libapp.so", Offset: pc - 0x400000}
	}
	return out
}

// TestInternDeduplication tests that identical stacks share one id.
func TestInternDeduplication(t *testing.T) {
	for _, mode := range []Mode{ModeCRC, ModeDigest, ModeVerified} {
		d := New(mode)

		a, created := d.Intern(frames(0x401000, 0x402000, 0x403000))
		if !created {
			t.Fatalf("mode %d: first intern not reported as new", mode)
		}
		b, created := d.Intern(frames(0x401000, 0x402000, 0x403000))
		if created {
			t.Errorf("mode %d: duplicate stack reported as new", mode)
		}
		if a != b {
			t.Errorf("mode %d: duplicate stack got a new record", mode)
		}
		c, _ := d.Intern(frames(0x401000, 0x402000, 0x403004))
		if c.ID == a.ID {
			t.Errorf("mode %d: distinct stacks share id %d", mode, a.ID)
		}
		if d.Len() != 2 {
			t.Errorf("mode %d: Len() = %d, want 2", mode, d.Len())
		}
	}
}

// TestIDsMonotonic tests id assignment order and lookup.
func TestIDsMonotonic(t *testing.T) {
	d := New(ModeCRC)
	for i := uint64(1); i <= 50; i++ {
		cs, _ := d.Intern(frames(0x400000 + i))
		if cs.ID != uint32(i) {
			t.Fatalf("stack %d got id %d", i, cs.ID)
		}
		if got := d.Get(cs.ID); got != cs {
			t.Fatalf("Get(%d) returned a different record", cs.ID)
		}
	}
	if d.Get(0) != nil || d.Get(51) != nil {
		t.Error("Get returned a record for an unassigned id")
	}
}

// TestEmptyStack tests that a stack without frames still interns.
func TestEmptyStack(t *testing.T) {
	d := New(ModeCRC)
	a, _ := d.Intern(nil)
	b, _ := d.Intern([]Frame{})
	if a != b || a.ID != 1 {
		t.Errorf("empty stacks: got ids %d and %d", a.ID, b.ID)
	}
}

// TestVerifiedCollision forces a CRC collision and checks the digest wins.
func TestVerifiedCollision(t *testing.T) {
	d := New(ModeVerified)
	a, _ := d.Intern(frames(0x401000))

	// Plant a second stack under the first stack's CRC.
	other := frames(0x409999)
	d.mu.Lock()
	d.byCRC[ChecksumFrames(other)] = a
	d.mu.Unlock()

	b, created := d.Intern(other)
	if !created || b == a {
		t.Fatal("colliding stack was merged with the first one")
	}
	if _, n := d.Stats(); n != 1 {
		t.Errorf("collisions = %d, want 1", n)
	}
	again, _ := d.Intern(other)
	if again != b {
		t.Error("second lookup of the colliding stack did not find it by digest")
	}
}

// TestOnNewHook tests that the hook sees each stack exactly once.
func TestOnNewHook(t *testing.T) {
	var seen []uint32
	d := New(ModeCRC, WithOnNew(func(cs *Callstack) { seen = append(seen, cs.ID) }))
	d.Intern(frames(1))
	d.Intern(frames(2))
	d.Intern(frames(1))
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("hook saw %v, want [1 2]", seen)
	}
}

// TestConcurrentIntern tests that racing interns agree on ids.
func TestConcurrentIntern(t *testing.T) {
	d := New(ModeVerified)
	const goroutines, stacks = 8, 200

	ids := make([][]uint32, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < stacks; i++ {
				cs, _ := d.Intern(frames(uint64(i), uint64(i*7)))
				ids[g] = append(ids[g], cs.ID)
			}
		}(g)
	}
	wg.Wait()

	if d.Len() != stacks {
		t.Fatalf("Len() = %d, want %d", d.Len(), stacks)
	}
	for g := 1; g < goroutines; g++ {
		for i := range ids[g] {
			if ids[g][i] != ids[0][i] {
				t.Fatalf("goroutine %d stack %d: id %d, goroutine 0 got %d", g, i, ids[g][i], ids[0][i])
			}
		}
	}
}

// TestCaptureAndFormat tests Go-native capture.
func TestCaptureAndFormat(t *testing.T) {
	fr := Capture(0)
	if len(fr) == 0 {
		t.Fatal("Capture returned no frames")
	}
	if !strings.Contains(fr[0].Module, "TestCaptureAndFormat") {
		t.Errorf("top frame = %q, want the test function", fr[0].Module)
	}

	cs, _ := New(ModeCRC).Intern(fr)
	out := cs.Format()
	if !strings.HasPrefix(out, "\t# 0 0x") || !strings.Contains(out, "TestCaptureAndFormat+0x") {
		t.Errorf("unexpected format:\n%s", out)
	}
	if (*Callstack)(nil).Format() != "\t<no frames>\n" {
		t.Error("nil stack format")
	}
}
