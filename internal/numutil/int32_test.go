package numutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt32(t *testing.T) {
	assert.Equal(t, int32(25), Int32(25))
	assert.Equal(t, int32(-4), Int32(-4))
	assert.Equal(t, int32(math.MaxInt32), Int32(math.MaxInt32+10))
	assert.Equal(t, int32(math.MinInt32), Int32(math.MinInt32-10))
}

func TestLimit(t *testing.T) {
	assert.Nil(t, Limit(0))
	assert.Nil(t, Limit(-1))

	got := Limit(100)
	require.NotNil(t, got)
	assert.Equal(t, int32(100), *got)
}
