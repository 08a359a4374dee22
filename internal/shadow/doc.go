// Package shadow implements byte-granularity shadow memory.
//
// Every byte of application address space maps to a 2-bit State. States are
// packed four to a shadow byte and sixteen to a uint32 word; the address
// space is split into BlockSize-aligned blocks held in a sparse block table.
//
// Block table slots hold one of two kinds of block:
//
//   - Shared (special) blocks: one immutable instance per canonical State,
//     used when a whole block holds the same value. Large regions such as a
//     freshly mapped heap arena cost a single pointer per block.
//   - Private blocks: owned word arrays, created copy-on-write the first time
//     a byte inside a shared block changes to a different value.
//
// Reads and writes are lock-free: slots are swapped with atomic pointer
// operations and packed words are updated with compare-and-swap, so
// concurrent writers of neighbouring bytes never lose each other's updates.
//
// Bytes in the Bitlevel state carry a per-bit definedness mask in a side
// table that is only populated when such bytes exist.
//
// Accessing an address whose block was never established (by SetRange or
// CopyRange) is a caller bug: reads report failure and trip an assertion in
// memshadow_debug builds.
package shadow
