package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDegrees(t *testing.T) {
	assert.Equal(t, 0.0, Degrees(0))
	assert.Equal(t, 180.0, Degrees(2048))
	assert.Equal(t, 270.0, Degrees(3072))
	// bits above the 12-bit field are ignored
	assert.Equal(t, 180.0, Degrees(0xF800))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, delta, wrapped float64
	}{
		{-345, 15, 15},
		{345, -15, 345},
		{180, 180, 180},
		{-180, 180, 180},
		{540, 180, 180},
		{-10, -10, 350},
		{0, 0, 0},
		{720, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.delta, NormalizeDelta(tt.in), "delta %v", tt.in)
		assert.Equal(t, tt.wrapped, Normalize360(tt.in), "wrap %v", tt.in)
	}
}

func TestDecodeHealth(t *testing.T) {
	assert.True(t, decodeHealth(StatusMD).OK())
	assert.Equal(t, "no_magnet", decodeHealth(0).String())
	assert.Equal(t, "no_magnet", decodeHealth(StatusML).String())

	h := decodeHealth(StatusMD | StatusMH)
	assert.False(t, h.OK())
	assert.NotZero(t, h&MagnetDetected)
	assert.Equal(t, "too_strong", h.String())
	assert.Equal(t, "too_weak", decodeHealth(StatusMD|StatusML).String())
}
