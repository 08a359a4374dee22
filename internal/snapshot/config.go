package snapshot

import (
	"fmt"
	"time"
)

// Unit is the time base snapshots are taken in.
type Unit int

const (
	UnitInstrs Unit = iota
	UnitAllocs
	UnitBytes
	UnitClock
)

// ParseUnit maps a configuration name to a Unit.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "instrs":
		return UnitInstrs, nil
	case "allocs":
		return UnitAllocs, nil
	case "bytes":
		return UnitBytes, nil
	case "clock":
		return UnitClock, nil
	}
	return 0, fmt.Errorf("unknown snapshot unit %q", s)
}

// name is the unit label written in log headers.
func (u Unit) name(tick time.Duration) string {
	switch u {
	case UnitInstrs:
		return "instrs"
	case UnitAllocs:
		return "mallocs"
	case UnitBytes:
		return "bytes"
	case UnitClock:
		return fmt.Sprintf("ticks (%s each)", tick)
	}
	return "<error>"
}

// Config controls snapshot timing and retention.
type Config struct {
	Unit Unit
	// Freq is the interval between snapshots in Unit. Fixed-ring mode
	// always starts from 1 and adapts by doubling.
	Freq uint64
	// Slots is the ring size; dump mode uses a single slot.
	Slots int
	Dump  bool

	// Percent margins a new peak must exceed over the old one in occupied
	// bytes, in alloc/free churn, or in elapsed stamp. Any one suffices;
	// zero means any increase qualifies.
	PeakThreshold  uint
	ChurnThreshold uint
	TimeThreshold  uint

	// TickInterval is the length of one clock tick.
	TickInterval time.Duration
	Staleness    bool
}

// normalized applies the interval rules of each mode.
func (c Config) normalized() Config {
	if c.Freq < 1 {
		c.Freq = 1
	}
	if c.Slots < 1 {
		c.Slots = 1
	}
	if c.Dump {
		c.Slots = 1
	} else {
		c.Freq = 1
	}
	switch c.Unit {
	case UnitInstrs:
		c.Freq *= 1000
	case UnitBytes:
		if !c.Dump {
			c.Freq = 8
		}
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	return c
}
