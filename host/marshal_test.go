package host

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldsToInt32(t *testing.T) {
	assert.True(t, foldsToInt32(0))
	assert.True(t, foldsToInt32(5))
	assert.True(t, foldsToInt32(-7))
	assert.True(t, foldsToInt32(math.MinInt32))
	assert.True(t, foldsToInt32(math.MaxInt32))

	assert.False(t, foldsToInt32(3.5))
	assert.False(t, foldsToInt32(math.MaxInt32+1))
	assert.False(t, foldsToInt32(math.MinInt32-1))
	assert.False(t, foldsToInt32(math.NaN()))
	assert.False(t, foldsToInt32(math.Inf(1)))
	assert.False(t, foldsToInt32(math.Inf(-1)))
	assert.False(t, foldsToInt32(math.Copysign(0, -1)), "negative zero is a double")
}
