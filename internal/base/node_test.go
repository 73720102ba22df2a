package base

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeKeySlot(t *testing.T) {
	slot, err := EncodeKeySlot([]byte("hello"), 8)
	require.NoError(t, err)
	assert.Equal(t, byte(5), slot[0])
	assert.Equal(t, []byte("hello"), slot[1:6])

	_, err = EncodeKeySlot(bytes.Repeat([]byte("x"), 8), 8)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncodeDecodeKeys(t *testing.T) {
	keys := [][]byte{[]byte(""), []byte("a"), []byte("longer-key")}
	buf, err := EncodeKeys(keys, 16)
	require.NoError(t, err)

	decoded, err := DecodeKeys(buf, uint32(len(keys)), 16)
	require.NoError(t, err)
	assert.Equal(t, keys, decoded)
}

func TestEncodeDecodeValues(t *testing.T) {
	values := []uint64{0, 1, 1 << 40, ^uint64(0)}
	buf := EncodeValues(values)

	decoded, err := DecodeValues(buf, uint32(len(values)))
	require.NoError(t, err)
	assert.Equal(t, values, decoded)
}

func TestEncodeDecodeChildren(t *testing.T) {
	children := []uint32{0, 7, 1 << 20}
	buf := EncodeChildren(children)

	decoded, err := DecodeChildren(buf, uint32(len(children)))
	require.NoError(t, err)
	assert.Equal(t, children, decoded)
}

func TestNodeHeaderRoundTrip(t *testing.T) {
	n := &Node{KeyCount: 3, ChildCount: 4, FreeSlot: 9}
	buf := n.EncodeHeader()

	keyCount, childCount, freeSlot, err := DecodeNodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, n.KeyCount, keyCount)
	assert.Equal(t, n.ChildCount, childCount)
	assert.Equal(t, n.FreeSlot, freeSlot)
}

func TestValidateShapeRejectsMismatchedChildCount(t *testing.T) {
	p := Params{KeySize: 8, Degree: 2}
	n := &Node{KeyCount: 2, ChildCount: 2} // must be 0 or 3
	err := n.ValidateShape(p)
	var corrupt *CorruptError
	assert.ErrorAs(t, err, &corrupt)
}

func TestValidateShapeRejectsOversizedKeyCount(t *testing.T) {
	p := Params{KeySize: 8, Degree: 2}
	n := &Node{KeyCount: p.MaxKeys() + 1}
	err := n.ValidateShape(p)
	var corrupt *CorruptError
	assert.ErrorAs(t, err, &corrupt)
}
