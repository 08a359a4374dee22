package snapshot

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbg "github.com/kolkov/memshadow/internal/assert"
	"github.com/kolkov/memshadow/internal/stackdepot"
)

func stack(t *testing.T, d *stackdepot.Depot, pc uint64) *stackdepot.Callstack {
	t.Helper()
	cs, _ := d.Intern([]stackdepot.Frame{{PC: pc, Module: "app", Offset: pc & 0xfff}})
	return cs
}

// alloc and free mirror the heap tracker's call sequence.
func alloc(e *Engine, cs *stackdepot.Callstack, n uint64) {
	e.AccountAlloc(cs, n, 8, 8)
	e.AccountPost(n, 8, 8)
}

func free(t *testing.T, e *Engine, cs *stackdepot.Callstack, n uint64) {
	t.Helper()
	e.CheckForPeak()
	require.NoError(t, e.AccountFree(cs, n, 8, 8))
	e.AccountPost(n, 8, 8)
}

func TestAllocFreeScenario(t *testing.T) {
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitInstrs, Slots: 8})
	cs := stack(t, d, 0x401000)

	for i := 0; i < 20; i++ {
		alloc(e, cs, 64)
	}
	for i := 0; i < 10; i++ {
		free(t, e, cs, 64)
	}
	e.Snapshot()

	hist := e.History()
	require.Len(t, hist, 1)
	u := hist[0].Find(cs.ID)
	require.NotNil(t, u)
	assert.Equal(t, uint64(10), u.Instances)
	assert.Equal(t, uint64(640), u.BytesAskedFor)
	assert.Equal(t, uint64(10), hist[0].TotMallocs)
	assert.Equal(t, uint64(10*(64+16)), hist[0].TotBytesOccupied)

	for i := 0; i < 10; i++ {
		free(t, e, cs, 64)
	}
	live := e.Live()
	assert.Nil(t, live.Find(cs.ID), "zero-usage node must be removed")
	assert.Nil(t, live.Used)
	assert.Nil(t, cs.Live)
	assert.Nil(t, cs.PrevLive)

	// The taken snapshot is unaffected by later frees.
	assert.Equal(t, uint64(10), e.History()[0].Find(cs.ID).Instances)
}

func TestUnlinkMiddleAndTail(t *testing.T) {
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitInstrs, Slots: 2})
	a, b, c := stack(t, d, 1), stack(t, d, 2), stack(t, d, 3)
	alloc(e, a, 10)
	alloc(e, b, 20)
	alloc(e, c, 30) // list: c, b, a

	free(t, e, b, 20)
	ids := func() []uint32 {
		var out []uint32
		for _, u := range e.Live().Usages() {
			out = append(out, u.Stack.ID)
		}
		return out
	}
	assert.Equal(t, []uint32{c.ID, a.ID}, ids())
	assert.Same(t, c.Live, a.PrevLive)

	free(t, e, a, 10)
	assert.Equal(t, []uint32{c.ID}, ids())
	free(t, e, c, 30)
	assert.Empty(t, ids())

	alloc(e, b, 20)
	assert.Equal(t, []uint32{b.ID}, ids())
}

func TestUnderflow(t *testing.T) {
	if dbg.Enabled {
		t.Skip("assertions panic in debug builds")
	}
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitInstrs, Slots: 2})
	cs := stack(t, d, 1)
	assert.ErrorIs(t, e.AccountFree(cs, 1, 0, 0), ErrUnderflow)

	alloc(e, cs, 10)
	assert.ErrorIs(t, e.AccountFree(cs, 11, 8, 8), ErrUnderflow)
	assert.Equal(t, uint64(1), e.Live().TotMallocs, "failed free changes nothing")
}

func TestRingDoublesInterval(t *testing.T) {
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitAllocs, Slots: 4})
	cs := stack(t, d, 1)
	require.Equal(t, uint64(1), e.Freq())

	for i := 0; i < 8; i++ {
		alloc(e, cs, 1)
	}
	var stamps []uint64
	for _, s := range e.History() {
		stamps = append(stamps, s.Stamp)
	}
	assert.Equal(t, []uint64{2, 4, 8}, stamps)
	assert.Equal(t, uint64(4), e.Freq())
	assert.Equal(t, 2, e.Stats().Fills)
	assert.Equal(t, uint64(6), e.Stats().Taken)

	// Each retained snapshot saw as many instances as its stamp.
	for _, s := range e.History() {
		assert.Equal(t, s.Stamp, s.Find(cs.ID).Instances)
	}
}

func TestPeakTracksMaximum(t *testing.T) {
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitAllocs, Slots: 6})
	rng := rand.New(rand.NewSource(7))
	stacks := []*stackdepot.Callstack{stack(t, d, 1), stack(t, d, 2), stack(t, d, 3)}

	type live struct {
		cs *stackdepot.Callstack
		n  uint64
	}
	var chunks []live
	var occ, maxOcc uint64
	for i := 0; i < 500; i++ {
		if len(chunks) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(chunks))
			c := chunks[j]
			chunks = append(chunks[:j], chunks[j+1:]...)
			free(t, e, c.cs, c.n)
			occ -= c.n + 16
		} else {
			c := live{stacks[rng.Intn(len(stacks))], uint64(rng.Intn(4096))}
			chunks = append(chunks, c)
			alloc(e, c.cs, c.n)
			occ += c.n + 16
		}
		maxOcc = max(maxOcc, occ)

		peak := e.Peak()
		for _, s := range e.History() {
			require.GreaterOrEqual(t, peak.TotBytesOccupied, s.TotBytesOccupied, "event %d", i)
		}
	}
	e.DumpAll()
	assert.Equal(t, maxOcc, e.Peak().TotBytesOccupied)
	assert.NotZero(t, e.Stats().PeaksDetected)
}

func TestPeakThresholdSkipsSmallGrowth(t *testing.T) {
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitInstrs, Slots: 4, PeakThreshold: 50, ChurnThreshold: 1000, TimeThreshold: 1000})
	cs := stack(t, d, 1)

	alloc(e, cs, 984) // 1000 occupied
	e.CheckForPeak()
	require.Equal(t, uint64(1000), e.Peak().TotBytesOccupied)

	alloc(e, cs, 84) // +100: 10% growth
	e.CheckForPeak()
	assert.Equal(t, uint64(1000), e.Peak().TotBytesOccupied)
	assert.Equal(t, uint64(1), e.Stats().PeaksSkipped)

	alloc(e, cs, 584) // well past 50%
	e.CheckForPeak()
	assert.Equal(t, uint64(1700), e.Peak().TotBytesOccupied)
}

func TestExceedsPercent(t *testing.T) {
	assert.True(t, exceedsPercent(111, 100, 10))
	assert.False(t, exceedsPercent(110, 100, 10))
	assert.True(t, exceedsPercent(89, 100, 10))
	assert.True(t, exceedsPercent(1, 0, 50))
	assert.False(t, exceedsPercent(0, 0, 0))
}

func TestLiveCopyRewiresBackPointers(t *testing.T) {
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitInstrs, Slots: 4})
	a, b := stack(t, d, 1), stack(t, d, 2)
	alloc(e, a, 1)
	alloc(e, b, 2)
	old := a.Live
	e.Snapshot()

	require.NotSame(t, old, a.Live)
	assert.Same(t, e.snaps[e.idx].Used, b.Live)
	assert.Same(t, b.Live, a.PrevLive)

	// The peak is an isolated copy: no stack points into it.
	for u := e.peak.Used; u != nil; u = u.Next {
		assert.NotSame(t, u, u.Stack.Live)
	}
}

func TestInstructionTrigger(t *testing.T) {
	e := New(Config{Unit: UnitInstrs, Dump: true, Freq: 1})
	require.Equal(t, uint64(1000), e.Freq())
	e.CountInstrs(999)
	assert.Zero(t, e.Stats().Taken)
	e.CountInstrs(1)
	assert.Equal(t, uint64(1), e.Stats().Taken)
	e.CountInstrs(2500)
	assert.Equal(t, uint64(2), e.Stats().Taken, "one snapshot per crossing")
}

func TestByteTriggerSpansIntervals(t *testing.T) {
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitBytes, Dump: true, Freq: 100})
	cs := stack(t, d, 1)

	e.AccountAlloc(cs, 250, 0, 0)
	e.AccountPost(250, 0, 0)
	assert.Equal(t, uint64(2), e.Stats().Taken)

	e.AccountAlloc(cs, 30, 0, 0)
	e.AccountPost(30, 0, 0)
	assert.Equal(t, uint64(2), e.Stats().Taken)
	assert.Equal(t, uint64(30), e.partial())

	// Fixed-ring byte mode starts at eight bytes.
	assert.Equal(t, uint64(8), New(Config{Unit: UnitBytes, Slots: 4, Freq: 100}).Freq())
}

func TestClockTrigger(t *testing.T) {
	e := New(Config{Unit: UnitClock, Dump: true, Freq: 3})
	e.Tick()
	e.Tick()
	assert.Zero(t, e.Stats().Taken)
	e.Tick()
	assert.Equal(t, uint64(1), e.Stats().Taken)

	e = New(Config{Unit: UnitClock, Dump: true, Freq: 1, TickInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	require.Eventually(t, func() bool { return e.Stats().Taken >= 2 }, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

type buffers struct {
	global, snapshot, callstack, staleness, nudge bytes.Buffer
}

func newBufferedLogs(b *buffers, h Header) *LogSet {
	var stale io.Writer
	if h.Staleness {
		stale = &b.staleness
	}
	return NewLogSet(&b.global, &b.snapshot, &b.callstack, stale, &b.nudge, h, nil)
}

func TestDumpFormat(t *testing.T) {
	var b buffers
	ls := newBufferedLogs(&b, Header{App: "app", PID: 42, Version: "v0.1.0", Dump: true})
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitAllocs, Dump: true, Freq: 2}, WithLogs(ls))
	cs := stack(t, d, 1)

	e.AccountAlloc(cs, 100, 4, 8)
	e.AccountPost(100, 4, 8)
	e.AccountAlloc(cs, 100, 4, 8)
	e.AccountPost(100, 4, 8)
	ls.Flush()

	want := "SNAPSHOT #   0 @                2 mallocs\n" +
		"idx=0, stamp_offs=               0\n" +
		"total: 2,200,208,224\n" +
		"1,2,200,8,16\n"
	assert.Equal(t, want, b.snapshot.String())
	assert.Equal(t, "variable snapshots\n", b.nudge.String())
	assert.Contains(t, b.global.String(), "memshadow version v0.1.0\n")
}

func TestNudgeIndex(t *testing.T) {
	var b buffers
	ls := newBufferedLogs(&b, Header{App: "app", PID: 1, Version: "v0.1.0", Staleness: true})
	d := stackdepot.New(stackdepot.ModeCRC)
	src := staleFunc(func(stamp uint64) []StaleEntry {
		return []StaleEntry{{StackID: 1, Bytes: 10, LastAccess: stamp}}
	})
	e := New(Config{Unit: UnitInstrs, Slots: 4, Staleness: true}, WithLogs(ls), WithStaleSource(src))
	alloc(e, stack(t, d, 1), 10)

	assert.Equal(t, 1, e.Nudge())
	out := b.snapshot.String()
	assert.Contains(t, out, "idx=-1, ")
	assert.Contains(t, out, "NUDGE @ ")
	lines := strings.Split(strings.TrimSpace(b.nudge.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "constant snapshots", lines[0])
	assert.Equal(t, "1,"+strconv.Itoa(b.snapshot.Len())+","+strconv.Itoa(b.staleness.Len()), lines[1])
	assert.Contains(t, b.staleness.String(), "1,10,0\n")

	require.NoError(t, ls.Close())
	assert.True(t, strings.HasSuffix(b.snapshot.String(), "LOG END\n"))
	assert.False(t, strings.Contains(b.nudge.String(), "LOG END"))
}

type staleFunc func(uint64) []StaleEntry

func (f staleFunc) StaleEntries(stamp uint64) []StaleEntry { return f(stamp) }

func TestResetToTimeZero(t *testing.T) {
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitAllocs, Slots: 4})
	cs := stack(t, d, 1)
	for i := 0; i < 5; i++ {
		alloc(e, cs, 1)
	}
	e.ResetToTimeZero(true)
	assert.Empty(t, e.History())
	assert.Equal(t, uint64(5), e.Live().Find(cs.ID).Instances)
	assert.Same(t, e.snaps[0].Used, cs.Live)

	alloc(e, cs, 1)
	free(t, e, cs, 1)
	assert.Equal(t, uint64(5), e.Live().Find(cs.ID).Instances)
}

func TestCreateLogSet(t *testing.T) {
	base := t.TempDir()
	h := Header{App: "demo", PID: 77, Version: "v0.1.0"}
	a, err := CreateLogSet(base, h, nil)
	require.NoError(t, err)
	b, err := CreateLogSet(base, h, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "demo.77.000"), a.Dir)
	assert.Equal(t, filepath.Join(base, "demo.77.001"), b.Dir)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	data, err := os.ReadFile(filepath.Join(a.Dir, GlobalLog))
	require.NoError(t, err)
	assert.Contains(t, string(data), "process=77\n")
	assert.True(t, strings.HasSuffix(string(data), "LOG END\n"))
	_, err = os.Stat(filepath.Join(a.Dir, StalenessLog))
	assert.True(t, os.IsNotExist(err))
}

func TestProfileExport(t *testing.T) {
	d := stackdepot.New(stackdepot.ModeCRC)
	e := New(Config{Unit: UnitInstrs, Slots: 2})
	a, b := stack(t, d, 0x401000), stack(t, d, 0x402000)
	alloc(e, a, 100)
	alloc(e, a, 100)
	alloc(e, b, 50)

	live := e.Live()
	prof := live.Profile(time.Now())
	require.NoError(t, prof.CheckValid())
	require.Len(t, prof.Sample, 2)
	var objs, space int64
	for _, s := range prof.Sample {
		objs += s.Value[0]
		space += s.Value[1]
	}
	assert.Equal(t, int64(3), objs)
	assert.Equal(t, int64(250+3*8), space)

	path := filepath.Join(t.TempDir(), "heap.pb.gz")
	require.NoError(t, WriteProfile(path, prof))
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, st.Size())

	assert.Error(t, WriteProfile(filepath.Join(t.TempDir(), "missing", "heap.pb.gz"), prof))
	if _, err := os.Stat("/dev/full"); err == nil {
		assert.Error(t, WriteProfile("/dev/full", prof), "a full device fails the write")
	}
}
