package snapshot

import (
	"fmt"
	"os"
	"time"

	"github.com/google/pprof/profile"

	"github.com/kolkov/memshadow/internal/stackdepot"
)

// Profile converts s to a pprof heap profile with in-use object and space
// sample types. Frames become locations; frames that carry a module are
// named module+0xoffset, others by raw PC.
func (s *Snapshot) Profile(start time.Time) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
		DefaultSampleType: "inuse_space",
		PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:            1,
		TimeNanos:         start.UnixNano(),
		DurationNanos:     int64(time.Since(start)),
	}

	type locKey struct {
		pc     uint64
		module string
		offset uint64
	}
	locations := make(map[locKey]*profile.Location)
	functions := make(map[string]*profile.Function)

	for u := s.Used; u != nil; u = u.Next {
		if u.Instances == 0 {
			continue
		}
		var locs []*profile.Location
		for _, f := range u.Stack.Frames {
			key := locKey{f.PC, f.Module, f.Offset}
			loc := locations[key]
			if loc == nil {
				loc = &profile.Location{
					ID:      uint64(len(locations) + 1),
					Address: f.PC,
					Line:    []profile.Line{{Function: functionFor(f, functions)}},
				}
				locations[key] = loc
			}
			locs = append(locs, loc)
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{int64(u.Instances), int64(u.Usable())},
			NumLabel: map[string][]int64{"callstack": {int64(u.Stack.ID)}},
		})
	}

	prof.Location = make([]*profile.Location, len(locations))
	for _, loc := range locations {
		prof.Location[loc.ID-1] = loc
	}
	prof.Function = make([]*profile.Function, len(functions))
	for _, fn := range functions {
		prof.Function[fn.ID-1] = fn
	}
	return prof
}

func functionFor(f stackdepot.Frame, cache map[string]*profile.Function) *profile.Function {
	name := f.String()
	fn := cache[name]
	if fn == nil {
		fn = &profile.Function{
			ID:         uint64(len(cache) + 1),
			Name:       name,
			SystemName: name,
			Filename:   f.Module,
		}
		cache[name] = fn
	}
	return fn
}

// WriteProfile writes prof gzip-compressed to path.
func WriteProfile(path string, prof *profile.Profile) (err error) {
	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close profile: %w", cerr)
		}
	}()
	if err := prof.Write(w); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}
