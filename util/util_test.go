package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMin(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint32(2), Min(2, 3))
	assert.Equal(uint32(2), Min(3, 2))
	assert.Equal(uint32(2), Min(2, 2))
}

func TestRoundUp(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint32(4), RoundUp(10, 3))
	assert.Equal(uint32(3), RoundUp(9, 3), "exact division")
	assert.Equal(uint32(0), RoundUp(0, 3))
	assert.Equal(uint32(1), RoundUp(15, 512))
	assert.Equal(uint32(2), RoundUp(513, 512))
}
