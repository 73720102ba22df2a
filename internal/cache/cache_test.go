package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vbtree/internal/base"
)

func TestPutGet(t *testing.T) {
	c, err := New(MinSize)
	require.NoError(t, err)

	n := &base.Node{Index: 3, KeyCount: 1, Keys: [][]byte{[]byte("x")}, Values: []uint64{9}}
	c.Put(n)

	got, ok := c.Get(3)
	require.True(t, ok)
	assert.Equal(t, n, got)
}

func TestGetMissTracksStats(t *testing.T) {
	c, err := New(MinSize)
	require.NoError(t, err)

	_, ok := c.Get(42)
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(0), stats.Hits)
}

func TestDeleteEvicts(t *testing.T) {
	c, err := New(MinSize)
	require.NoError(t, err)

	c.Put(&base.Node{Index: 1})
	c.Delete(1)

	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestCapacityBelowMinIsRaised(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	for i := uint32(0); i < MinSize; i++ {
		c.Put(&base.Node{Index: i})
	}
	assert.Equal(t, MinSize, c.Len())
}
