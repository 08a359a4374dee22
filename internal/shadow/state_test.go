package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatterns(t *testing.T) {
	tests := []struct {
		s      State
		word   uint8
		dword  uint8
		qword  uint16
		dqword uint32
	}{
		{Unaddressable, 0x5, 0x55, 0x5555, 0x55555555},
		{Undefined, 0xf, 0xff, 0xffff, 0xffffffff},
		{Defined, 0x0, 0x00, 0x0000, 0x00000000},
		{Bitlevel, 0xa, 0xaa, 0xaaaa, 0xaaaaaaaa},
	}
	for _, tt := range tests {
		t.Run(tt.s.String(), func(t *testing.T) {
			assert.Equal(t, tt.word, tt.s.Word())
			assert.Equal(t, tt.dword, tt.s.Dword())
			assert.Equal(t, tt.qword, tt.s.Qword())
			assert.Equal(t, tt.dqword, tt.s.Dqword())
			for n := uint(0); n < 4; n++ {
				assert.Equal(t, tt.s, DwordToByte(tt.s.Dword(), n))
			}
		})
	}
}

func TestDwordToByte(t *testing.T) {
	// byte 0 defined, 1 unaddressable, 2 bitlevel, 3 undefined
	v := uint8(0b11_10_01_00)
	assert.Equal(t, Defined, DwordToByte(v, 0))
	assert.Equal(t, Unaddressable, DwordToByte(v, 1))
	assert.Equal(t, Bitlevel, DwordToByte(v, 2))
	assert.Equal(t, Undefined, DwordToByte(v, 3))
	assert.Equal(t, Mixed, dwordState(v))
	assert.Equal(t, Undefined, dwordState(0xff))
}
