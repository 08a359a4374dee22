package heap

import (
	"fmt"

	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/kolkov/memshadow/internal/shadow"
)

// AddHeapRegion records a new heap arena. Its memory is unaddressable
// until chunks are carved out of it.
func (t *Tracker) AddHeapRegion(start, end uint64) error {
	if end <= start {
		return ErrInvalidRange
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.regions {
		if r.start < end && start < r.end {
			return fmt.Errorf("heap: region 0x%x-0x%x overlaps 0x%x-0x%x", start, end, r.start, r.end)
		}
	}
	t.regions = append(t.regions, region{start, end})
	if t.shadow != nil {
		t.shadow.SetRange(start, end, shadow.Unaddressable)
		// Arena memory is carved up and written soon; materialize it now.
		t.shadow.ReplaceSpecialsInRange(start, end)
	}
	return nil
}

// RemoveHeapRegion destroys the arena [start, end). Chunks still live in it
// are dropped as if freed, without passing through the quarantine. It
// returns how many chunks were dropped.
func (t *Tracker) RemoveHeapRegion(start, end uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.IndexFunc(t.regions, func(r region) bool { return r.start == start && r.end == end })
	if i < 0 {
		return 0, fmt.Errorf("heap: no region 0x%x-0x%x", start, end)
	}
	t.regions = slices.Delete(t.regions, i, i+1)

	var inside []*Chunk
	t.chunks.AscendRange(&Chunk{Start: start}, &Chunk{Start: end}, func(c *Chunk) bool {
		inside = append(inside, c)
		return true
	})
	for _, c := range inside {
		if t.acct != nil {
			t.acct.CheckForPeak()
			if err := t.acct.AccountFree(c.Stack, c.Size(), c.Padding(), t.headerSize); err != nil {
				return 0, fmt.Errorf("heap: destroy region chunk 0x%x: %w", c.Start, err)
			}
		}
		t.chunks.Delete(c)
		if t.acct != nil {
			t.acct.AccountPost(c.Size(), c.Padding(), t.headerSize)
		}
	}
	t.dropDelayed(start, end)
	if t.shadow != nil {
		t.shadow.SetRange(start, end, shadow.Unaddressable)
		t.shadow.ReinstateSpecialsInRange(start, end)
	}
	if len(inside) > 0 {
		level.Debug(t.logger).Log("msg", "destroyed heap region with live chunks",
			"start", fmt.Sprintf("0x%x", start), "chunks", len(inside))
	}
	return len(inside), nil
}
