package stackdepot

import (
	"fmt"
	"runtime"
	"strings"
)

// MaxCaptureFrames bounds stacks captured by Capture.
const MaxCaptureFrames = 16

// Capture records the calling goroutine's stack as frames, skipping skip
// callers above Capture's caller. It lets Go programs feed their own
// allocation sites to a session.
//
// Module is the function name and Offset the PC's distance from the
// function entry, so frames stay stable across runs of the same binary.
func Capture(skip int) []Frame {
	var pcs [MaxCaptureFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return nil
	}
	frames := make([]Frame, 0, n)
	it := runtime.CallersFrames(pcs[:n])
	for {
		f, more := it.Next()
		fr := Frame{PC: uint64(f.PC), Module: f.Function}
		if f.Entry != 0 && f.PC >= f.Entry {
			fr.Offset = uint64(f.PC - f.Entry)
		}
		frames = append(frames, fr)
		if !more {
			break
		}
	}
	return frames
}

// Format renders the stack one frame per line:
//
//	# 0 0x00007f0012345678 libc.so+0x1234
//	# 1 0x0000000000401000
func (cs *Callstack) Format() string {
	if cs == nil || len(cs.Frames) == 0 {
		return "\t<no frames>\n"
	}
	var buf strings.Builder
	for i, f := range cs.Frames {
		fmt.Fprintf(&buf, "\t#%2d 0x%016x", i, f.PC)
		if f.Module != "" {
			fmt.Fprintf(&buf, " %s+0x%x", f.Module, f.Offset)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// String implements fmt.Stringer with the frame's symbolic form.
func (f Frame) String() string {
	if f.Module == "" {
		return fmt.Sprintf("0x%x", f.PC)
	}
	return fmt.Sprintf("%s+0x%x", f.Module, f.Offset)
}
