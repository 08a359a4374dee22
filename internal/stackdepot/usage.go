package stackdepot

// Usage is the heap usage attributed to one callstack within a snapshot.
//
// Nodes form a singly linked list per snapshot. A node exists only while
// Instances is non-zero; the snapshot engine unlinks and drops it when the
// last instance is freed.
type Usage struct {
	Instances     uint64
	BytesAskedFor uint64
	ExtraUsable   uint64
	ExtraOccupied uint64

	Next  *Usage
	Stack *Callstack
}

// Usable is the usable size: bytes asked for plus allocator padding.
func (u *Usage) Usable() uint64 { return u.BytesAskedFor + u.ExtraUsable }

// Occupied is the total footprint including allocator headers.
func (u *Usage) Occupied() uint64 { return u.Usable() + u.ExtraOccupied }
