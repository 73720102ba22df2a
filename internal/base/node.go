package base

import "encoding/binary"

// NodeHeaderSize is the width, in bytes, of a node's fixed quartet:
// key_count, child_count, free_slot, padding.
const NodeHeaderSize = 16

// Node is the in-memory mirror of one on-disk node slot (spec §3.2). Index
// identifies which slot this node was read from (or will be written to);
// it is not itself part of the serialized bytes.
type Node struct {
	Index      uint32
	KeyCount   uint32
	ChildCount uint32
	FreeSlot   uint32 // the free-node-stack cell piggybacked in this slot
	Children   []uint32
	Keys       [][]byte
	Values     []uint64
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return n.ChildCount == 0 }

// NewEmpty returns a zeroed node for the given index, as produced when the
// file grows by one slot.
func NewEmpty(index uint32) *Node {
	return &Node{Index: index}
}

// EncodeHeader encodes the key_count/child_count/free_slot/padding quartet.
func (n *Node) EncodeHeader() []byte {
	buf := make([]byte, NodeHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], n.KeyCount)
	binary.BigEndian.PutUint32(buf[4:8], n.ChildCount)
	binary.BigEndian.PutUint32(buf[8:12], n.FreeSlot)
	binary.BigEndian.PutUint32(buf[12:16], 0) // padding, always written as 0
	return buf
}

// DecodeNodeHeader decodes the fixed quartet at the start of a node slot.
func DecodeNodeHeader(buf []byte) (keyCount, childCount, freeSlot uint32, err error) {
	if len(buf) < NodeHeaderSize {
		return 0, 0, 0, &CorruptError{Reason: "short node header"}
	}
	keyCount = binary.BigEndian.Uint32(buf[0:4])
	childCount = binary.BigEndian.Uint32(buf[4:8])
	freeSlot = binary.BigEndian.Uint32(buf[8:12])
	return keyCount, childCount, freeSlot, nil
}

// EncodeChildren encodes the live prefix of the child-index array.
func EncodeChildren(children []uint32) []byte {
	buf := make([]byte, 4*len(children))
	for i, c := range children {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], c)
	}
	return buf
}

// DecodeChildren decodes count child indices from buf.
func DecodeChildren(buf []byte, count uint32) ([]uint32, error) {
	if len(buf) < int(count)*4 {
		return nil, &CorruptError{Reason: "short children array"}
	}
	children := make([]uint32, count)
	for i := range children {
		children[i] = binary.BigEndian.Uint32(buf[i*4 : i*4+4])
	}
	return children, nil
}

// EncodeKeySlot encodes one length-prefixed key into a fixed keySize-wide
// slot. The payload must fit in keySize-1 bytes (one byte reserved for the
// length prefix).
func EncodeKeySlot(key []byte, keySize uint32) ([]byte, error) {
	if len(key) > int(keySize)-1 {
		return nil, ErrInvalidKey
	}
	slot := make([]byte, keySize)
	slot[0] = byte(len(key))
	copy(slot[1:], key)
	return slot, nil
}

// EncodeKeys encodes the live prefix of a node's key array.
func EncodeKeys(keys [][]byte, keySize uint32) ([]byte, error) {
	buf := make([]byte, int(keySize)*len(keys))
	for i, k := range keys {
		slot, err := EncodeKeySlot(k, keySize)
		if err != nil {
			return nil, err
		}
		copy(buf[i*int(keySize):], slot)
	}
	return buf, nil
}

// DecodeKeys decodes count length-prefixed keys of width keySize from buf.
func DecodeKeys(buf []byte, count, keySize uint32) ([][]byte, error) {
	if len(buf) < int(count)*int(keySize) {
		return nil, &CorruptError{Reason: "short keys array"}
	}
	keys := make([][]byte, count)
	for i := range keys {
		slot := buf[int(i)*int(keySize) : int(i+1)*int(keySize)]
		n := int(slot[0])
		if n > int(keySize)-1 {
			return nil, &CorruptError{Reason: "key length prefix exceeds key_size-1"}
		}
		key := make([]byte, n)
		copy(key, slot[1:1+n])
		keys[i] = key
	}
	return keys, nil
}

// EncodeValues encodes the live prefix of a node's value array.
func EncodeValues(values []uint64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], v)
	}
	return buf
}

// DecodeValues decodes count 8-byte values from buf.
func DecodeValues(buf []byte, count uint32) ([]uint64, error) {
	if len(buf) < int(count)*8 {
		return nil, &CorruptError{Reason: "short values array"}
	}
	values := make([]uint64, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint64(buf[i*8 : i*8+8])
	}
	return values, nil
}

// ValidateShape checks the structural invariants of spec §3.3/§7 that can
// be verified locally, without reference to sibling nodes: key_count within
// bounds and child_count consistent with leaf/internal shape.
func (n *Node) ValidateShape(p Params) error {
	if n.KeyCount > p.MaxKeys() {
		return &CorruptError{Reason: "key_count exceeds max_keys"}
	}
	if n.ChildCount != 0 && n.ChildCount != n.KeyCount+1 {
		return &CorruptError{Reason: "child_count is neither 0 nor key_count+1"}
	}
	return nil
}
