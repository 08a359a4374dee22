package heapstat

import "golang.org/x/mod/semver"

// Version information for the memshadow runtime.
const (
	// Version is the current version, in semantic version form. It is
	// written into every global.log.
	Version = "v0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the heap profiler.
type Info struct {
	// Version is the runtime version string.
	Version string

	// CacheFormat is the symbol cache file format version.
	CacheFormat int

	// Callstacks names the default callstack identity scheme.
	Callstacks string
}

// GetInfo returns information about the runtime.
//
// Example:
//
//	info := heapstat.GetInfo()
//	fmt.Printf("memshadow %s (symcache v%d)\n", info.Version, info.CacheFormat)
func GetInfo() Info {
	return Info{
		Version:     Version,
		CacheFormat: symcacheVersion,
		Callstacks:  "crc32 pair",
	}
}

// CompatibleLog reports whether logs written by version v can be read by
// this version: both must be valid and share a major version.
func CompatibleLog(v string) bool {
	if !semver.IsValid(v) {
		return false
	}
	return semver.Major(v) == semver.Major(Version)
}
