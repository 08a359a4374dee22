package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValid(t *testing.T) {
	o := Default()
	require.NoError(t, o.Validate())
	assert.Equal(t, 2000, o.DelayFrees)
	assert.Equal(t, uint64(20000000), o.DelayFreesMaxSize)
	assert.Equal(t, uint64(16), o.RedzoneSize)
	assert.Equal(t, uint64(1000), o.SymcacheMinSize)
}

func TestValidateJoinsErrors(t *testing.T) {
	o := Default()
	o.TimeUnit = "fortnights"
	o.Snapshots = 0
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fortnights")
	assert.Contains(t, err.Error(), "snapshots")
}

func writeINI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memshadow.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestResolvePrecedence(t *testing.T) {
	path := writeINI(t, `
snapshots = 16
time_unit = bytes
peak_threshold = 5
time_base = 20ms
`)
	o := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--snapshots=32"}))

	require.NoError(t, Resolve(&o, fs, path))
	assert.Equal(t, 32, o.Snapshots, "flag beats file")
	assert.Equal(t, UnitBytes, o.TimeUnit, "file beats default")
	assert.Equal(t, uint(5), o.PeakThreshold)
	assert.Equal(t, 20*time.Millisecond, o.TimeBase)
	assert.Equal(t, 2000, o.DelayFrees, "default kept")
}

func TestResolveMissingFile(t *testing.T) {
	o := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))
	err := Resolve(&o, fs, filepath.Join(t.TempDir(), "absent.ini"))
	assert.Error(t, err)
}
