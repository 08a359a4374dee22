package shadow

import "fmt"

// State is the shadow value of one application byte.
type State uint8

// Canonical 2-bit encodings.
const (
	Defined       State = 0x0
	Unaddressable State = 0x1
	Bitlevel      State = 0x2
	Undefined     State = 0x3
)

// Aggregate values returned by range queries. They are never stored.
const (
	// Mixed reports a dword whose bytes are not all in the same state.
	Mixed State = 4
	// Unknown reports an address with no shadow block behind it.
	Unknown State = 5
)

// Canonical reports whether s is one of the four storable encodings.
func (s State) Canonical() bool { return s <= Undefined }

func (s State) String() string {
	switch s {
	case Defined:
		return "defined"
	case Unaddressable:
		return "unaddressable"
	case Bitlevel:
		return "bitlevel"
	case Undefined:
		return "undefined"
	case Mixed:
		return "mixed"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Word is s replicated across the 2 bytes of a word (4 bits).
func (s State) Word() uint8 { return uint8(s) * 0x5 }

// Dword is s replicated across the 4 bytes of a dword: one packed shadow
// byte (0x00, 0x55, 0xaa or 0xff).
func (s State) Dword() uint8 { return uint8(s) * 0x55 }

// Qword is s replicated across 8 bytes.
func (s State) Qword() uint16 { return uint16(s) * 0x5555 }

// Dqword is s replicated across 16 bytes: one packed storage word.
func (s State) Dqword() uint32 { return uint32(s) * 0x55555555 }

// DwordToByte extracts the state of byte n (0..3) from a packed dword.
func DwordToByte(v uint8, n uint) State {
	return State((v >> (2 * n)) & 0x3)
}

// dwordState collapses a packed dword into its uniform state, or Mixed.
func dwordState(v uint8) State {
	s := DwordToByte(v, 0)
	if v == s.Dword() {
		return s
	}
	return Mixed
}
