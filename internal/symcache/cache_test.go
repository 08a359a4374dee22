package symcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModule() Module {
	return Module{Path: "/usr/lib/libfoo.so.1", Name: "libfoo.so.1", Start: 0x7f0000000000, End: 0x7f0000100000, FileSize: 123456}
}

func open(t *testing.T, dir string, opts ...Option) *Cache {
	t.Helper()
	c, err := New(dir, opts...)
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mod := testModule()

	c := open(t, dir)
	assert.False(t, c.ModuleLoad(mod), "no file yet")
	want := map[string][]uint64{
		"malloc":                {0x1234},
		"operator new":          {0x2000, 0x2100, 0x2200, 0x2300, 0x2400},
		"std::map<int, int>::f": {0x40},
		"missing_symbol":        {0},
	}
	for sym, offs := range want {
		for _, off := range offs {
			require.True(t, c.Add(mod, sym, off))
		}
	}
	require.True(t, c.ModuleUnload(mod))
	require.NoError(t, c.Close())

	c = open(t, dir)
	require.True(t, c.ModuleLoad(mod), "file must be trusted")
	for sym, offs := range want {
		for i, off := range offs {
			got, n, ok := c.Lookup(mod, sym, i)
			require.True(t, ok, sym)
			assert.Equal(t, len(offs), n, sym)
			assert.Equal(t, off, got, "%s[%d]", sym, i)
		}
	}
	assert.Len(t, c.Entries(mod), len(want))
	assert.True(t, c.IsCached(mod))
	assert.False(t, c.HasDebugInfo(mod))
}

func TestFileFormat(t *testing.T) {
	dir := t.TempDir()
	mod := testModule()
	c := open(t, dir)
	c.ModuleLoad(mod)
	c.Add(mod, "free", 0x10)
	c.Add(mod, "free", 0x20)
	c.Add(mod, "calloc", 0)
	c.Save(mod)

	data, err := os.ReadFile(filepath.Join(dir, "libfoo.so.1.txt"))
	require.NoError(t, err)
	want := fmt.Sprintf("Dr. Memory symbol cache version 10\n%10d,123456\n0\ncalloc,0x0\nfree,0x10\n,0x20\n", len(data))
	assert.Equal(t, want, string(data))

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must be renamed away")
}

func TestInvalidation(t *testing.T) {
	dir := t.TempDir()
	mod := testModule()
	c := open(t, dir)
	c.ModuleLoad(mod)
	c.Add(mod, "malloc", 0x1234)
	c.ModuleUnload(mod)

	changed := mod
	changed.FileSize++
	c = open(t, dir)
	assert.False(t, c.ModuleLoad(changed))
	_, _, ok := c.Lookup(changed, "malloc", 0)
	assert.False(t, ok, "stale cache must start empty")
	assert.False(t, c.IsCached(changed))
}

func TestPEConsistency(t *testing.T) {
	dir := t.TempDir()
	mod := testModule()
	mod.PE = &PEInfo{FileVersion: 1, ProductVersion: 2, Checksum: 3, Timestamp: 4, InternalSize: 5}
	c := open(t, dir)
	c.ModuleLoad(mod)
	c.Add(mod, "HeapAlloc", 0x100)
	c.ModuleUnload(mod)

	c = open(t, dir)
	require.True(t, c.ModuleLoad(mod))
	c.ModuleUnload(mod)

	mod.PE = &PEInfo{FileVersion: 1, ProductVersion: 2, Checksum: 3, Timestamp: 5, InternalSize: 5}
	assert.False(t, c.ModuleLoad(mod))
}

func TestDebugInfoInvalidates(t *testing.T) {
	dir := t.TempDir()
	mod := testModule()
	c := open(t, dir)
	c.ModuleLoad(mod)
	c.Add(mod, "malloc", 0x1234)
	c.ModuleUnload(mod)

	c = open(t, dir, WithDebugInfo(func(Module) bool { return true }))
	assert.False(t, c.ModuleLoad(mod), "symbols appeared since the file was written")
	c.Add(mod, "malloc", 0x1234)
	assert.True(t, c.HasDebugInfo(mod))
}

func writeFile(t *testing.T, path, body string, fixSize bool) {
	t.Helper()
	if fixSize {
		body = strings.Replace(body, "SIZE", fmt.Sprintf("%10d", len(body)-4+10), 1)
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestRejectsOtherVersion(t *testing.T) {
	dir := t.TempDir()
	mod := testModule()
	writeFile(t, filepath.Join(dir, mod.Name+".txt"),
		"Dr. Memory symbol cache version 9\nSIZE,123456\n0\nmalloc,0x10\n", true)
	c := open(t, dir)
	assert.False(t, c.ModuleLoad(mod))
	_, _, ok := c.Lookup(mod, "malloc", 0)
	assert.False(t, ok)
}

func TestRejectsWrongSize(t *testing.T) {
	dir := t.TempDir()
	mod := testModule()
	writeFile(t, filepath.Join(dir, mod.Name+".txt"),
		"Dr. Memory symbol cache version 10\n        99,123456\n0\nmalloc,0x10\n", false)
	c := open(t, dir)
	assert.False(t, c.ModuleLoad(mod))
}

func TestMalformedLineStopsParsing(t *testing.T) {
	dir := t.TempDir()
	mod := testModule()
	writeFile(t, filepath.Join(dir, mod.Name+".txt"),
		"Dr. Memory symbol cache version 10\nSIZE,123456\n0\nmalloc,0x10\ngarbage\nfree,0x20\n", true)
	c := open(t, dir)
	assert.True(t, c.ModuleLoad(mod))
	off, n, ok := c.Lookup(mod, "malloc", 0)
	require.True(t, ok)
	assert.Equal(t, uint64(0x10), off)
	assert.Equal(t, 1, n)
	_, _, ok = c.Lookup(mod, "free", 0)
	assert.False(t, ok)
}

func TestAddSemantics(t *testing.T) {
	c := open(t, t.TempDir())
	mod := testModule()
	assert.False(t, c.Add(mod, "malloc", 1), "module not loaded")
	c.ModuleLoad(mod)

	assert.True(t, c.Add(mod, "malloc", 0))
	off, n, ok := c.Lookup(mod, "malloc", 0)
	require.True(t, ok)
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, 1, n)

	// A real offset replaces the negative entry.
	assert.True(t, c.Add(mod, "malloc", 0x40))
	off, n, _ = c.Lookup(mod, "malloc", 0)
	assert.Equal(t, uint64(0x40), off)
	assert.Equal(t, 1, n)

	assert.False(t, c.Add(mod, "malloc", 0x40), "duplicate")
	for _, o := range []uint64{0x50, 0x60, 0x70} {
		assert.True(t, c.Add(mod, "malloc", o))
	}
	assert.False(t, c.Add(mod, "malloc", 0x60), "duplicate after spill")
	_, n, _ = c.Lookup(mod, "malloc", 0)
	assert.Equal(t, 4, n)
	off, _, ok = c.Lookup(mod, "malloc", 9)
	assert.True(t, ok)
	assert.Zero(t, off)
}

func TestSmallModulesNotCached(t *testing.T) {
	c := open(t, t.TempDir(), WithMinModuleSize(1<<30))
	mod := testModule()
	assert.False(t, c.ModuleLoad(mod))
	assert.False(t, c.Add(mod, "malloc", 1))
}

func TestEmptyRangeNotCached(t *testing.T) {
	c := open(t, t.TempDir(), WithMinModuleSize(0))
	mod := testModule()
	mod.End = mod.Start - 1
	assert.False(t, c.ModuleLoad(mod), "End below Start")
	mod.End = mod.Start
	assert.False(t, c.ModuleLoad(mod), "End equal to Start")
	assert.False(t, c.Add(mod, "malloc", 1))
}

func TestLookupCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := open(t, t.TempDir(), WithMinModuleSize(0), WithRegisterer(reg))
	mod := testModule()
	c.ModuleLoad(mod)
	require.True(t, c.Add(mod, "malloc", 0x100))

	_, _, ok := c.Lookup(mod, "malloc", 0)
	assert.True(t, ok)
	_, _, ok = c.Lookup(mod, "calloc", 0)
	assert.False(t, ok)
	other := testModule()
	other.Path = "/usr/lib/libbar.so.2"
	_, _, ok = c.Lookup(other, "malloc", 0)
	assert.False(t, ok, "module never loaded")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), values["memshadow_symcache_hits_total"])
	assert.Equal(t, float64(2), values["memshadow_symcache_misses_total"])
}

func TestUnchangedFileNotRewritten(t *testing.T) {
	dir := t.TempDir()
	mod := testModule()
	c := open(t, dir)
	c.ModuleLoad(mod)
	c.Add(mod, "malloc", 0x10)
	c.ModuleUnload(mod)

	path := filepath.Join(dir, mod.Name+".txt")
	before, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(path, 0o444))
	t.Cleanup(func() { os.Chmod(path, 0o644) })

	c = open(t, dir)
	require.True(t, c.ModuleLoad(mod))
	c.ModuleUnload(mod)
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.Equal(t, os.FileMode(0o444), after.Mode().Perm())
}

func TestOffsetListSpill(t *testing.T) {
	var l offsetList
	for i := uint64(1); i <= 10; i++ {
		require.True(t, l.add(i*0x10))
	}
	assert.Equal(t, 10, l.len())
	assert.NotNil(t, l.set)
	for i := 0; i < 10; i++ {
		off, ok := l.at(i)
		require.True(t, ok)
		assert.Equal(t, uint64(i+1)*0x10, off)
	}
	_, ok := l.at(10)
	assert.False(t, ok)
}
