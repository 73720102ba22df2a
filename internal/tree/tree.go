// Package tree implements the B-tree algorithms of spec §4.2: search,
// proactive split-on-insert, and proactive grow-on-delete. It operates
// exclusively through internal/storage's node reads and writes; it never
// touches the file directly.
package tree

import (
	"bytes"
	"math"

	"vbtree/internal/base"
	"vbtree/internal/storage"
)

// Engine runs B-tree operations against a Storage backend.
type Engine struct {
	store *storage.Storage
}

// New returns an Engine bound to store.
func New(store *storage.Storage) *Engine {
	return &Engine{store: store}
}

// findKeyIndex returns the lower bound of key among n's keys (spec §4.2.1):
// if key is present, index points at it and found is true; otherwise index
// is where key would be inserted.
func findKeyIndex(n *base.Node, key []byte) (index int, found bool) {
	i := 0
	for i < int(n.KeyCount) {
		cmp := bytes.Compare(key, n.Keys[i])
		if cmp == 0 {
			return i, true
		}
		if cmp < 0 {
			break
		}
		i++
	}
	return i, false
}

// Get performs B-TREE-SEARCH (spec §4.2.2), descending iteratively from the
// root using the cached header's root slot (index 0).
func (e *Engine) Get(key []byte) (uint64, bool, error) {
	node, err := e.store.ReadNode(0)
	if err != nil {
		return 0, false, err
	}
	for {
		i, found := findKeyIndex(node, key)
		if found {
			return node.Values[i], true, nil
		}
		if node.IsLeaf() {
			return 0, false, nil
		}
		node, err = e.store.ReadNode(node.Children[i])
		if err != nil {
			return 0, false, err
		}
	}
}

// Contains reports whether key is present; it is Get with the value
// discarded.
func (e *Engine) Contains(key []byte) (bool, error) {
	_, ok, err := e.Get(key)
	return ok, err
}

// Put performs B-TREE-INSERT (spec §4.2.3): if the root is full, it is
// split before descending, growing the tree's height by one. An existing
// key's value is overwritten in place rather than counted as a new key.
func (e *Engine) Put(header *base.Header, key []byte, value uint64) error {
	if err := validateKey(key, header.KeySize); err != nil {
		return err
	}

	if header.KeyCount >= math.MaxUint32 {
		_, found, err := e.Get(key)
		if err != nil {
			return err
		}
		if !found {
			return base.ErrKeyCountOverflow
		}
	}

	root, err := e.store.ReadNode(0)
	if err != nil {
		return err
	}

	if root.KeyCount == header.MaxKeys() {
		sIndex, err := e.store.PopFree(header)
		if err != nil {
			return err
		}
		s, err := e.store.ReadNode(sIndex)
		if err != nil {
			return err
		}
		s.KeyCount = root.KeyCount
		s.ChildCount = root.ChildCount
		s.Keys = root.Keys
		s.Values = root.Values
		s.Children = root.Children
		if err := e.store.WriteNode(s); err != nil {
			return err
		}

		root = base.NewEmpty(0)
		root.ChildCount = 1
		root.Children = []uint32{sIndex}
		if err := e.store.WriteNode(root); err != nil {
			return err
		}

		if err := e.splitChild(header, root, 0); err != nil {
			return err
		}
		root, err = e.store.ReadNode(0)
		if err != nil {
			return err
		}
	}

	inserted, err := e.insertNonfull(header, root, key, value)
	if err != nil {
		return err
	}
	if inserted {
		header.KeyCount++
		if err := e.store.WriteHeader(*header); err != nil {
			return err
		}
	}
	return nil
}

// insertNonfull performs B-TREE-INSERT-NONFULL (spec §4.2.3) on a node
// known not to be full, splitting a full child before recursing into it.
// Returns whether a new key was inserted (false if an existing key's value
// was overwritten).
func (e *Engine) insertNonfull(header *base.Header, x *base.Node, key []byte, value uint64) (bool, error) {
	i, found := findKeyIndex(x, key)
	if found {
		x.Values[i] = value
		return false, e.store.WriteNode(x)
	}

	if x.IsLeaf() {
		x.Keys = insertKeyAt(x.Keys, i, key)
		x.Values = insertValueAt(x.Values, i, value)
		x.KeyCount++
		return true, e.store.WriteNode(x)
	}

	child, err := e.store.ReadNode(x.Children[i])
	if err != nil {
		return false, err
	}
	if child.KeyCount == header.MaxKeys() {
		if err := e.splitChild(header, x, i); err != nil {
			return false, err
		}
		x, err = e.store.ReadNode(x.Index)
		if err != nil {
			return false, err
		}
		// The promoted median may be the key itself: overwrite it here
		// rather than descending, where it no longer exists.
		cmp := bytes.Compare(key, x.Keys[i])
		if cmp == 0 {
			x.Values[i] = value
			return false, e.store.WriteNode(x)
		}
		if cmp > 0 {
			i++
		}
		child, err = e.store.ReadNode(x.Children[i])
		if err != nil {
			return false, err
		}
	}
	return e.insertNonfull(header, child, key, value)
}

// splitChild performs B-TREE-SPLIT-CHILD (spec §4.2.3): child i of x
// (assumed full) is split into two nodes of degree-1 keys each, with the
// median key/value promoted into x.
func (e *Engine) splitChild(header *base.Header, x *base.Node, i int) error {
	degree := int(header.Degree)
	splitIndex := degree - 1

	zIndex, err := e.store.PopFree(header)
	if err != nil {
		return err
	}
	z, err := e.store.ReadNode(zIndex)
	if err != nil {
		return err
	}

	y, err := e.store.ReadNode(x.Children[i])
	if err != nil {
		return err
	}

	x.Children = insertUint32At(x.Children, i+1, zIndex)
	x.Keys = insertKeyAt(x.Keys, i, y.Keys[splitIndex])
	x.Values = insertValueAt(x.Values, i, y.Values[splitIndex])
	x.KeyCount++
	x.ChildCount++

	// A popped slot may still hold the contents it had when it was freed
	// (root collapse does not clear it); only its free_slot cell is kept.
	z.Keys = append([][]byte(nil), y.Keys[degree:]...)
	z.Values = append([]uint64(nil), y.Values[degree:]...)
	z.KeyCount = uint32(splitIndex)
	z.Children = nil
	z.ChildCount = 0

	if !y.IsLeaf() {
		z.Children = append(z.Children, y.Children[degree:]...)
		z.ChildCount = uint32(degree)
		y.Children = y.Children[:degree]
		y.ChildCount = uint32(degree)
	}
	y.Keys = y.Keys[:splitIndex]
	y.Values = y.Values[:splitIndex]
	y.KeyCount = uint32(splitIndex)

	if err := e.store.WriteNode(x); err != nil {
		return err
	}
	if err := e.store.WriteNode(y); err != nil {
		return err
	}
	return e.store.WriteNode(z)
}

// Remove performs B-TREE-DELETE (spec §4.2.4): the proactive grow-on-the-
// way-down walk, followed by the root-collapse step when the root's last
// key was merged away into its sole remaining child.
func (e *Engine) Remove(header *base.Header, key []byte) (uint64, bool, error) {
	root, err := e.store.ReadNode(0)
	if err != nil {
		return 0, false, err
	}

	value, found, err := e.removeKey(header, root, key)
	if err != nil {
		return 0, false, err
	}

	root, err = e.store.ReadNode(0)
	if err != nil {
		return 0, false, err
	}
	if root.KeyCount == 0 && root.ChildCount != 0 {
		childIndex := root.Children[0]
		child, err := e.store.ReadNode(childIndex)
		if err != nil {
			return 0, false, err
		}
		root.KeyCount = child.KeyCount
		root.Keys = child.Keys
		root.Values = child.Values
		root.ChildCount = child.ChildCount
		root.Children = child.Children
		if err := e.store.WriteNode(root); err != nil {
			return 0, false, err
		}
		if err := e.store.PushFree(header, childIndex); err != nil {
			return 0, false, err
		}
	}

	return value, found, nil
}

// removeKey performs ITree::removeKey: grow a too-small child before
// descending into it, so the recursive call always operates on a node with
// more than min_keys.
func (e *Engine) removeKey(header *base.Header, node *base.Node, key []byte) (uint64, bool, error) {
	i, found := findKeyIndex(node, key)

	if node.IsLeaf() {
		if !found {
			return 0, false, nil
		}
		value := node.Values[i]
		node.Keys = removeAt(node.Keys, i)
		node.Values = removeValueAt(node.Values, i)
		node.KeyCount--
		if err := e.store.WriteNode(node); err != nil {
			return 0, false, err
		}
		header.KeyCount--
		return value, true, e.store.WriteHeader(*header)
	}

	child, err := e.store.ReadNode(node.Children[i])
	if err != nil {
		return 0, false, err
	}
	if child.KeyCount <= header.MinKeys() {
		if err := e.growChild(header, node, child, i); err != nil {
			return 0, false, err
		}
		node, err = e.store.ReadNode(node.Index)
		if err != nil {
			return 0, false, err
		}
		return e.removeKey(header, node, key)
	}

	if found {
		value := node.Values[i]
		newKey, newValue, err := e.removeMax(header, child)
		if err != nil {
			return 0, false, err
		}
		// removeMax may have pushed a freed slot whose free-stack cell lives
		// in this node's slot; re-read so the write below keeps that cell.
		node, err = e.store.ReadNode(node.Index)
		if err != nil {
			return 0, false, err
		}
		node.Keys[i] = newKey
		node.Values[i] = newValue
		if err := e.store.WriteNode(node); err != nil {
			return 0, false, err
		}
		return value, true, nil
	}

	return e.removeKey(header, child, key)
}

// removeMax removes and returns the maximum key/value from the subtree
// rooted at node, growing the rightmost child before descending as needed.
func (e *Engine) removeMax(header *base.Header, node *base.Node) ([]byte, uint64, error) {
	if node.IsLeaf() {
		i := int(node.KeyCount) - 1
		key, value := node.Keys[i], node.Values[i]
		node.Keys = removeAt(node.Keys, i)
		node.Values = removeValueAt(node.Values, i)
		node.KeyCount--
		if err := e.store.WriteNode(node); err != nil {
			return nil, 0, err
		}
		header.KeyCount--
		return key, value, e.store.WriteHeader(*header)
	}

	i := len(node.Children) - 1
	child, err := e.store.ReadNode(node.Children[i])
	if err != nil {
		return nil, 0, err
	}
	if child.KeyCount <= header.MinKeys() {
		if err := e.growChild(header, node, child, i); err != nil {
			return nil, 0, err
		}
		node, err = e.store.ReadNode(node.Index)
		if err != nil {
			return nil, 0, err
		}
		return e.removeMax(header, node)
	}
	return e.removeMax(header, child)
}

// growChild performs ITree::growChild (spec §4.2.4): borrow a key from the
// left sibling, else the right sibling, else merge with a sibling,
// preferring the right one so the merged node keeps index's identity.
func (e *Engine) growChild(header *base.Header, node, child *base.Node, index int) error {
	hasLeft := index > 0
	hasRight := index < len(node.Children)-1

	if hasLeft {
		left, err := e.store.ReadNode(node.Children[index-1])
		if err != nil {
			return err
		}
		if left.KeyCount > header.MinKeys() {
			child.Keys = insertKeyAt(child.Keys, 0, node.Keys[index-1])
			child.Values = insertValueAt(child.Values, 0, node.Values[index-1])
			child.KeyCount++

			li := int(left.KeyCount) - 1
			node.Keys[index-1] = left.Keys[li]
			node.Values[index-1] = left.Values[li]
			left.Keys = left.Keys[:li]
			left.Values = left.Values[:li]
			left.KeyCount--

			if !left.IsLeaf() {
				lc := len(left.Children) - 1
				child.Children = insertUint32At(child.Children, 0, left.Children[lc])
				child.ChildCount++
				left.Children = left.Children[:lc]
				left.ChildCount--
			}

			if err := e.store.WriteNode(left); err != nil {
				return err
			}
			if err := e.store.WriteNode(child); err != nil {
				return err
			}
			return e.store.WriteNode(node)
		}
	}

	if hasRight {
		right, err := e.store.ReadNode(node.Children[index+1])
		if err != nil {
			return err
		}
		if right.KeyCount > header.MinKeys() {
			child.Keys = append(child.Keys, node.Keys[index])
			child.Values = append(child.Values, node.Values[index])
			child.KeyCount++

			node.Keys[index] = right.Keys[0]
			node.Values[index] = right.Values[0]
			right.Keys = removeAt(right.Keys, 0)
			right.Values = removeValueAt(right.Values, 0)
			right.KeyCount--

			if !right.IsLeaf() {
				child.Children = append(child.Children, right.Children[0])
				child.ChildCount++
				right.Children = removeUint32At(right.Children, 0)
				right.ChildCount--
			}

			if err := e.store.WriteNode(right); err != nil {
				return err
			}
			if err := e.store.WriteNode(child); err != nil {
				return err
			}
			return e.store.WriteNode(node)
		}
	}

	// Merge. Always merge right into left so a single node/index survives;
	// on the rightmost child, merge with the preceding sibling instead.
	if hasRight {
		right, err := e.store.ReadNode(node.Children[index+1])
		if err != nil {
			return err
		}
		return e.merge(header, node, child, right, index)
	}

	left, err := e.store.ReadNode(node.Children[index-1])
	if err != nil {
		return err
	}
	return e.merge(header, node, left, child, index-1)
}

// merge folds right and the separating key at mergeIndex into left, then
// frees right's slot (spec §4.2.4's merge case).
func (e *Engine) merge(header *base.Header, node, left, right *base.Node, mergeIndex int) error {
	left.Keys = append(left.Keys, node.Keys[mergeIndex])
	left.Values = append(left.Values, node.Values[mergeIndex])
	left.KeyCount++

	node.Keys = removeAt(node.Keys, mergeIndex)
	node.Values = removeValueAt(node.Values, mergeIndex)
	node.KeyCount--
	node.Children = removeUint32At(node.Children, mergeIndex+1)
	node.ChildCount--

	left.Keys = append(left.Keys, right.Keys...)
	left.Values = append(left.Values, right.Values...)
	left.KeyCount += right.KeyCount
	if !right.IsLeaf() {
		left.Children = append(left.Children, right.Children...)
		left.ChildCount += right.ChildCount
	}

	freedIndex := right.Index
	right.Keys = nil
	right.Values = nil
	right.Children = nil
	right.KeyCount = 0
	right.ChildCount = 0

	if err := e.store.WriteNode(right); err != nil {
		return err
	}
	if err := e.store.WriteNode(left); err != nil {
		return err
	}
	if err := e.store.WriteNode(node); err != nil {
		return err
	}
	return e.store.PushFree(header, freedIndex)
}

func validateKey(key []byte, keySize uint32) error {
	if len(key) > int(keySize)-1 {
		return base.ErrInvalidKey
	}
	return nil
}

func insertKeyAt(s [][]byte, i int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertValueAt(s []uint64, i int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertUint32At(s []uint32, i int, v uint32) []uint32 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt(s [][]byte, i int) [][]byte {
	return append(s[:i], s[i+1:]...)
}

func removeValueAt(s []uint64, i int) []uint64 {
	return append(s[:i], s[i+1:]...)
}

func removeUint32At(s []uint32, i int) []uint32 {
	return append(s[:i], s[i+1:]...)
}
