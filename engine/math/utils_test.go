package math

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp[uint64](0, 256))
	assert.Equal(t, uint64(256), AlignUp[uint64](1, 256))
	assert.Equal(t, uint64(512), AlignUp[uint64](300, 256))
	assert.Equal(t, uint64(512), AlignUp[uint64](512, 256))
	assert.Equal(t, uint32(12), AlignUp[uint32](10, 3))
	assert.Equal(t, uint32(7), AlignUp[uint32](7, 1))
	assert.Equal(t, uint32(7), AlignUp[uint32](7, 0))
}

func TestAlignDown(t *testing.T) {
	assert.Equal(t, uint64(256), AlignDown[uint64](300, 256))
	assert.Equal(t, uint64(9), AlignDown[uint64](10, 3))
}

func TestIsPow2(t *testing.T) {
	assert.True(t, IsPow2[uint32](1))
	assert.True(t, IsPow2[uint32](512))
	assert.False(t, IsPow2[uint32](0))
	assert.False(t, IsPow2[uint32](300))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 3, Clamp(5, 0, 3))
	assert.Equal(t, 0, Clamp(-1, 0, 3))
	assert.Equal(t, 1.5, Clamp(1.5, 0.0, 3.0))
}
