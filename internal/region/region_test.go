package region

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	size := os.Getpagesize() * 4
	r, err := Map(size)
	require.NoError(t, err)
	defer r.Unmap()

	assert.Equal(t, size, r.Size())
	assert.NotZero(t, r.Base())
	assert.Len(t, r.Bytes(), size)
}

func TestMap_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		r, err := Map(size)
		assert.Error(t, err)
		assert.Nil(t, r)
	}
}

func TestMap_ZeroFilled(t *testing.T) {
	r, err := Map(os.Getpagesize())
	require.NoError(t, err)
	defer r.Unmap()

	for i, b := range r.Bytes() {
		require.Zero(t, b, "byte %d of a fresh mapping", i)
	}
}

func TestRegion_WriteRead(t *testing.T) {
	r, err := Map(os.Getpagesize())
	require.NoError(t, err)
	defer r.Unmap()

	s := r.Slice(128, 16)
	for i := range s {
		s[i] = byte(i + 1)
	}
	assert.Equal(t, s, r.Bytes()[128:144])
}

func TestRegion_Unmap(t *testing.T) {
	r, err := Map(os.Getpagesize())
	require.NoError(t, err)

	require.NoError(t, r.Unmap())
	assert.Zero(t, r.Base())
	assert.Zero(t, r.Size())
	assert.NoError(t, r.Unmap(), "second unmap is a no-op")
}
