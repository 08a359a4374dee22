package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/memshadow/internal/symcache"
)

func TestSymquery(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(t.TempDir(), "libfoo.so")
	require.NoError(t, os.WriteFile(lib, make([]byte, 2048), 0o644))

	c, err := symcache.New(dir, symcache.WithMinModuleSize(0))
	require.NoError(t, err)
	mod := symcache.Module{Path: lib, Name: "libfoo.so", End: 0x1000}
	c.ModuleLoad(mod)
	require.True(t, c.Add(mod, "foo", 0x100))
	require.True(t, c.Add(mod, "foo", 0x180))
	require.True(t, c.Add(mod, "missing", 0))
	require.NoError(t, c.Close())

	var out strings.Builder
	require.NoError(t, symquery(symqueryConfig{dir: dir, module: lib}, &out, log.NewNopLogger()))
	assert.Equal(t, "libfoo.so: cache format 10, without debug info\n"+
		"foo: 0x100, 0x180\n"+
		"missing: not present\n", out.String())

	out.Reset()
	require.NoError(t, symquery(symqueryConfig{dir: dir, module: lib, symbol: "foo"}, &out, log.NewNopLogger()))
	assert.Contains(t, out.String(), "foo: 0x100, 0x180\n")

	err = symquery(symqueryConfig{dir: dir, module: lib, symbol: "bar"}, &out, log.NewNopLogger())
	assert.ErrorContains(t, err, "bar not cached")

	err = symquery(symqueryConfig{dir: dir, module: lib, size: 4096}, &out, log.NewNopLogger())
	assert.ErrorContains(t, err, "no usable symbol cache", "a different module size makes the file stale")
}
