// Package assert provides internal consistency checks.
//
// Checks are compiled in only when building with the memshadow_debug tag:
//
//	go test -tags memshadow_debug ./...
//
// In release builds That is an empty function and the call is inlined away,
// so callers must still handle the failure path (usually by returning false
// or a sentinel error).
package assert
