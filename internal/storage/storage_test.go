package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vbtree/internal/base"
)

func openFresh(t *testing.T, params base.Params) (*Storage, base.Header) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.btree")
	s, h, err := Open(path, params, false)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, h
}

func TestOpenFreshInitializesHeaderAndRoot(t *testing.T) {
	params := base.Params{KeySize: 16, Degree: 4}
	s, h := openFresh(t, params)

	assert.Equal(t, params, h.Params)
	assert.Equal(t, uint32(0), h.KeyCount)
	assert.Equal(t, uint32(0), h.FreeCount)
	assert.Equal(t, uint32(1), s.NodeCount())

	root, err := s.ReadNode(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), root.KeyCount)
	assert.True(t, root.IsLeaf())
}

func TestWriteReadNodeRoundTrip(t *testing.T) {
	params := base.Params{KeySize: 16, Degree: 4}
	s, _ := openFresh(t, params)

	n := &base.Node{
		Index:    0,
		KeyCount: 2,
		Keys:     [][]byte{[]byte("apple"), []byte("banana")},
		Values:   []uint64{1, 2},
	}
	require.NoError(t, s.WriteNode(n))

	read, err := s.ReadNode(0)
	require.NoError(t, err)
	assert.Equal(t, n.KeyCount, read.KeyCount)
	assert.Equal(t, n.Keys, read.Keys)
	assert.Equal(t, n.Values, read.Values)
}

func TestWriteReadInternalNode(t *testing.T) {
	params := base.Params{KeySize: 16, Degree: 4}
	s, _ := openFresh(t, params)

	// grow two more slots so children indices are in range
	h, err := s.ReadHeader()
	require.NoError(t, err)
	c1, err := s.PopFree(&h)
	require.NoError(t, err)
	c2, err := s.PopFree(&h)
	require.NoError(t, err)
	require.NoError(t, s.WriteNode(base.NewEmpty(c1)))
	require.NoError(t, s.WriteNode(base.NewEmpty(c2)))

	n := &base.Node{
		Index:      0,
		KeyCount:   1,
		ChildCount: 2,
		Children:   []uint32{c1, c2},
		Keys:       [][]byte{[]byte("m")},
		Values:     []uint64{42},
	}
	require.NoError(t, s.WriteNode(n))

	read, err := s.ReadNode(0)
	require.NoError(t, err)
	assert.Equal(t, n.Children, read.Children)
	assert.False(t, read.IsLeaf())
}

func TestGrowIncreasesNodeCount(t *testing.T) {
	params := base.Params{KeySize: 16, Degree: 4}
	s, h := openFresh(t, params)

	before := s.NodeCount()
	idx, err := s.grow()
	require.NoError(t, err)
	assert.Equal(t, before, idx)
	assert.Equal(t, before+1, s.NodeCount())
	_ = h
}

func TestFreeStackPushPopLIFO(t *testing.T) {
	params := base.Params{KeySize: 16, Degree: 4}
	s, h := openFresh(t, params)

	a, err := s.PopFree(&h)
	require.NoError(t, err)
	b, err := s.PopFree(&h)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, s.PushFree(&h, a))
	require.NoError(t, s.PushFree(&h, b))
	assert.Equal(t, uint32(2), h.FreeCount)

	got1, err := s.PopFree(&h)
	require.NoError(t, err)
	assert.Equal(t, b, got1, "LIFO: last pushed pops first")

	got2, err := s.PopFree(&h)
	require.NoError(t, err)
	assert.Equal(t, a, got2)

	assert.Equal(t, uint32(0), h.FreeCount)
}

func TestPopFreeGrowsWhenStackEmpty(t *testing.T) {
	params := base.Params{KeySize: 16, Degree: 4}
	s, h := openFresh(t, params)

	before := s.NodeCount()
	idx, err := s.PopFree(&h)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, idx, before)
	assert.Equal(t, uint32(0), h.FreeCount)
}

func TestReopenPreservesState(t *testing.T) {
	params := base.Params{KeySize: 16, Degree: 4}
	path := filepath.Join(t.TempDir(), "reopen.btree")

	s1, h1, err := Open(path, params, false)
	require.NoError(t, err)
	root := &base.Node{Index: 0, KeyCount: 1, Keys: [][]byte{[]byte("x")}, Values: []uint64{7}}
	require.NoError(t, s1.WriteNode(root))
	h1.KeyCount = 1
	require.NoError(t, s1.WriteHeader(h1))
	require.NoError(t, s1.Close())

	s2, h2, err := Open(path, base.Params{}, false)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, params, h2.Params, "header params win over caller-supplied params on reopen")
	assert.Equal(t, uint32(1), h2.KeyCount)

	read, err := s2.ReadNode(0)
	require.NoError(t, err)
	assert.Equal(t, root.Keys, read.Keys)
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	params := base.Params{KeySize: 16, Degree: 4}
	path := filepath.Join(t.TempDir(), "trunc.btree")

	s, _, err := Open(path, params, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(base.HeaderSize+1))
	require.NoError(t, f.Close())

	_, _, err = Open(path, base.Params{}, false)
	assert.Error(t, err)
}

func TestExclusiveLockRejectsSecondOpen(t *testing.T) {
	params := base.Params{KeySize: 16, Degree: 4}
	path := filepath.Join(t.TempDir(), "locked.btree")

	s1, _, err := Open(path, params, true)
	require.NoError(t, err)
	defer s1.Close()

	_, _, err = Open(path, params, true)
	assert.ErrorIs(t, err, ErrFileLocked)
}
