// Package stackdepot interns allocation callstacks.
//
// Every distinct callstack seen by the heap tracker gets one Callstack
// record with a small integer id. Records are never freed and ids are never
// reused, so an id written to a log stays meaningful for the whole run.
//
// Identity (checksum modes):
//   - ModeCRC: a pair of CRC32 checksums, one over the whole stack and one
//     over its first half. Cheap, and collisions have not been a problem in
//     practice for allocation sites.
//   - ModeDigest: a SHA-256 digest of the frames.
//   - ModeVerified: CRC pair as the primary key, cross-checked against a
//     SHA-256 table. A CRC hit whose digest differs is counted as a
//     collision and the stack gets its own id.
//
// Usage:
//
//	d := stackdepot.New(stackdepot.ModeCRC)
//	cs, created := d.Intern(frames)
//	fmt.Print(cs.Format())
//
// Thread Safety: all methods are safe for concurrent use. The heap tracker
// additionally calls Intern under its allocation lock, so interning order
// matches allocation order.
package stackdepot

import (
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

// Mode selects how callstack identity is computed.
type Mode int

const (
	// ModeCRC keys stacks by a CRC32 pair.
	ModeCRC Mode = iota
	// ModeDigest keys stacks by SHA-256.
	ModeDigest
	// ModeVerified keys by CRC32 pair and verifies with SHA-256.
	ModeVerified
)

// Frame is one return address of an allocation callstack.
//
// Module and Offset are optional; when present they identify the frame
// independently of where the module was loaded.
type Frame struct {
	PC     uint64
	Module string
	Offset uint64
}

// Checksum is the CRC32 pair identifying a stack in ModeCRC.
type Checksum [2]uint32

// Digest is the SHA-256 of a stack's frames.
type Digest [sha256.Size]byte

// Callstack is an interned allocation site.
type Callstack struct {
	// ID is positive, assigned in interning order, never reused.
	ID     uint32
	CRC    Checksum
	Digest Digest // zero in ModeCRC
	Frames []Frame

	// Live is this stack's node in the current snapshot's usage list and
	// PrevLive the node before it (nil at the head). Both are owned by the
	// snapshot engine and guarded by its lock.
	Live     *Usage
	PrevLive *Usage
}

// Depot is a callstack interning table.
type Depot struct {
	mode Mode

	mu       sync.RWMutex
	byCRC    map[Checksum]*Callstack
	byDigest map[Digest]*Callstack
	byID     []*Callstack // index id-1

	nextID     atomic.Uint32
	collisions atomic.Uint64

	onNew func(*Callstack)
}

// Option configures a Depot.
type Option func(*Depot)

// WithOnNew registers a hook called for every newly interned stack, while
// the depot lock is held. The hook must not call back into the depot.
func WithOnNew(fn func(*Callstack)) Option {
	return func(d *Depot) { d.onNew = fn }
}

// New creates an empty depot.
func New(mode Mode, opts ...Option) *Depot {
	d := &Depot{
		mode:     mode,
		byCRC:    make(map[Checksum]*Callstack),
		byDigest: make(map[Digest]*Callstack),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Mode returns the identity mode.
func (d *Depot) Mode() Mode { return d.mode }

// Intern returns the record for frames, creating it on first sight. The
// frames slice is copied.
func (d *Depot) Intern(frames []Frame) (*Callstack, bool) {
	var (
		crc Checksum
		dig Digest
	)
	if d.mode != ModeDigest {
		crc = ChecksumFrames(frames)
	}
	if d.mode != ModeCRC {
		dig = DigestFrames(frames)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.mode {
	case ModeCRC:
		if cs, ok := d.byCRC[crc]; ok {
			return cs, false
		}
	case ModeDigest:
		if cs, ok := d.byDigest[dig]; ok {
			return cs, false
		}
	case ModeVerified:
		if cs, ok := d.byDigest[dig]; ok {
			return cs, false
		}
		if _, ok := d.byCRC[crc]; ok {
			// Same CRC pair, different frames. The CRC entry keeps
			// pointing at the first stack; this one is found by digest.
			d.collisions.Add(1)
		}
	}

	cs := &Callstack{
		ID:     d.nextID.Add(1),
		CRC:    crc,
		Digest: dig,
		Frames: slices.Clone(frames),
	}
	if _, taken := d.byCRC[crc]; d.mode != ModeDigest && !taken {
		d.byCRC[crc] = cs
	}
	if d.mode != ModeCRC {
		d.byDigest[dig] = cs
	}
	d.byID = append(d.byID, cs)
	if d.onNew != nil {
		d.onNew(cs)
	}
	return cs, true
}

// Get returns the stack with the given id, or nil.
func (d *Depot) Get(id uint32) *Callstack {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id == 0 || int(id) > len(d.byID) {
		return nil
	}
	return d.byID[id-1]
}

// Len returns the number of interned stacks.
func (d *Depot) Len() int {
	return int(d.nextID.Load())
}

// Range calls fn for every stack in id order until fn returns false.
func (d *Depot) Range(fn func(*Callstack) bool) {
	d.mu.RLock()
	all := d.byID
	d.mu.RUnlock()
	for _, cs := range all {
		if !fn(cs) {
			return
		}
	}
}

// Stats returns the number of unique stacks and detected CRC collisions.
func (d *Depot) Stats() (uniqueStacks int, collisions uint64) {
	return d.Len(), d.collisions.Load()
}

// ChecksumFrames computes the CRC32 pair over the whole stack and its first
// half.
func ChecksumFrames(frames []Frame) Checksum {
	var sum Checksum
	sum[0] = crc32.ChecksumIEEE(encode(frames))
	sum[1] = crc32.ChecksumIEEE(encode(frames[:len(frames)/2]))
	return sum
}

// DigestFrames computes the SHA-256 of the stack.
func DigestFrames(frames []Frame) Digest {
	return sha256.Sum256(encode(frames))
}

func encode(frames []Frame) []byte {
	buf := make([]byte, 0, len(frames)*20)
	for _, f := range frames {
		buf = binary.LittleEndian.AppendUint64(buf, f.PC)
		buf = binary.LittleEndian.AppendUint64(buf, f.Offset)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Module)))
		buf = append(buf, f.Module...)
	}
	return buf
}
