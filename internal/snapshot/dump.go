package snapshot

// dump writes one snapshot; idx -1 marks the peak. Caller holds e.mu.
func (e *Engine) dump(s *Snapshot, idx int) {
	if e.logs != nil {
		e.logs.writeSnapshot(e.dumped, s, idx, e.stampOffs, e.unitName())
	}
	e.dumped++
}

func (e *Engine) unitName() string {
	return e.cfg.Unit.name(e.cfg.TickInterval)
}

// DumpAll writes the peak and every retained snapshot, including the
// partially filled live one, to snapshot.log in stamp order.
func (e *Engine) DumpAll() {
	e.alloc.Lock()
	defer e.alloc.Unlock()
	e.dumpAll()
}

// dumpAll requires the allocation lock.
func (e *Engine) dumpAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	live := &e.snaps[e.idx]
	live.Stamp = e.stamp + e.partial()
	e.checkForPeak()
	e.dump(&e.peak, -1)
	for _, i := range e.order() {
		e.dump(&e.snaps[i], i)
	}
	e.logs.flush()
}

// Nudge dumps all snapshots on external request, marks the logs, and
// appends the log offsets following the dump to nudge.idx. In dump mode
// the peak restarts so each nudge reports a local peak. It returns the
// nudge number.
func (e *Engine) Nudge() int {
	e.alloc.Lock()
	defer e.alloc.Unlock()
	e.dumpAll()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nudges++
	e.logs.writeNudge(e.nudges, e.snaps[e.idx].Stamp, e.unitName())
	if e.cfg.Dump {
		e.peak = Snapshot{}
	}
	return e.nudges
}

// Close writes the final dump.
func (e *Engine) Close() {
	e.DumpAll()
}
