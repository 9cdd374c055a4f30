package dspin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTable(t *testing.T) {
	for r := Register(1); r < registerSpan; r++ {
		info, ok := r.Info()
		require.True(t, ok, "register %#x", uint8(r))
		assert.LessOrEqual(t, int(info.Bits), 8*int(info.Bytes), info.Name)

		byName, ok := RegisterByName(info.Name)
		assert.True(t, ok)
		assert.Equal(t, r, byName)
	}
	_, ok := Register(0).Info()
	assert.False(t, ok)
	_, ok = Register(0x1F).Info()
	assert.False(t, ok)
	assert.Equal(t, "UNKNOWN", Register(0x1F).String())
}

func TestPackUnpack(t *testing.T) {
	tests := []struct {
		reg  Register
		in   uint32
		wire []byte
		out  int32
	}{
		{RegKvalRun, 0x1AB, []byte{0xAB}, 0xAB},
		{RegAcc, 0x12345, []byte{0x23, 0x45}, 0x2345},
		{RegConfig, 0x2E88, []byte{0x2E, 0x88}, 0x2E88},
		{RegAbsPos, 0x3FFFFF, []byte{0x3F, 0xFF, 0xFF}, -1},
		{RegAbsPos, 1000, []byte{0x00, 0x03, 0xE8}, 1000},
		{RegMark, 0x200000, []byte{0x20, 0x00, 0x00}, -(1 << 21)},
		// unsigned registers are never sign-extended
		{RegSpeed, 0xFFFFF, []byte{0x0F, 0xFF, 0xFF}, 0xFFFFF},
		{RegStatus, 0xFE03, []byte{0xFE, 0x03}, 0xFE03},
	}
	for _, tt := range tests {
		t.Run(tt.reg.String(), func(t *testing.T) {
			info, ok := tt.reg.Info()
			require.True(t, ok)

			var buf [3]byte
			n := info.Pack(info.Mask(tt.in), buf[:])
			assert.Equal(t, tt.wire, buf[:n])
			assert.Equal(t, tt.out, info.Unpack(buf[:n]))
		})
	}
}

func TestSignExtend(t *testing.T) {
	assert.Equal(t, int32(-1), SignExtend(0x3FFFFF, 22))
	assert.Equal(t, int32(MaxPosition), SignExtend(MaxPosition, 22))
	assert.Equal(t, int32(-2), SignExtend(0xFE, 8))
	assert.Equal(t, int32(0x7F), SignExtend(0x7F, 8))
}
