package heap

// quarantine holds a freed chunk back from the allocator so later accesses
// to it can be recognized. Without a quarantine the chunk is released at
// once. The allocation lock is held.
func (t *Tracker) quarantine(c *Chunk) {
	if t.delayed == nil {
		t.releaseChunk(c)
		return
	}
	if prev, ok := t.delayed.Peek(c.Start); ok {
		prev.reused = true
		t.delayed.Remove(c.Start)
	}
	freed := *c
	freed.reused = false
	t.delayedIdx.ReplaceOrInsert(&freed)
	t.delayedBytes += freed.extentEnd() - freed.Start
	t.delayed.Add(freed.Start, &freed)
	for t.delayedMax > 0 && t.delayedBytes > t.delayedMax && t.delayed.Len() > 1 {
		t.delayed.RemoveOldest()
	}
}

// onEvict runs for every chunk leaving the quarantine, from within the
// cache call that removed it.
func (t *Tracker) onEvict(_ uint64, c *Chunk) {
	t.delayedIdx.Delete(c)
	t.delayedBytes -= c.extentEnd() - c.Start
	if c.reused {
		return
	}
	t.evictions.Inc()
	t.releaseChunk(c)
}

func (t *Tracker) releaseChunk(c *Chunk) {
	if t.release != nil {
		t.release(*c)
	}
}

// dropDelayed forgets quarantined chunks in [start, end): the allocator has
// handed that memory out again.
func (t *Tracker) dropDelayed(start, end uint64) {
	if t.delayed == nil {
		return
	}
	for _, c := range allOverlaps(t.delayedIdx, start, end) {
		c.reused = true
		t.delayed.Remove(c.Start)
	}
}

// OverlapsDelayedFree reports a quarantined chunk intersecting
// [start, end), which marks an access to it as a use after free.
func (t *Tracker) OverlapsDelayedFree(start, end uint64) (Chunk, bool) {
	if end <= start {
		end = start + 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delayed == nil {
		return Chunk{}, false
	}
	if c, ok := firstOverlap(t.delayedIdx, start, end); ok {
		return *c, true
	}
	return Chunk{}, false
}

// Delayed returns the number and total bytes of quarantined chunks.
func (t *Tracker) Delayed() (count int, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delayed == nil {
		return 0, 0
	}
	return t.delayed.Len(), t.delayedBytes
}
