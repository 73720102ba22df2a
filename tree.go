// Package vbtree is an embedded, single-process, on-disk B-tree mapping
// variable-length byte-string keys to uint64 values. It is persisted to a
// single regular file and supports point lookup, insert-with-update, and
// delete. Concurrent multi-writer access, crash-consistent durability, and
// range iteration are explicit non-goals; see internal/tree and
// internal/storage for the algorithms and file format.
package vbtree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"vbtree/internal/base"
	"vbtree/internal/cache"
	"vbtree/internal/storage"
	"vbtree/internal/tree"

	"github.com/cespare/xxhash/v2"
)

// Tree is the public handle to an open B-tree file.
type Tree struct {
	store  *storage.Storage
	engine *tree.Engine
	header base.Header
	opts   Options
}

// Open opens path for read-write, creating and initializing it with the
// given degree and key_size if the file is absent. If the file already
// exists, its header's parameters win over degree/key_size (spec §6.1).
// Returns ErrInvalidParam if degree < 2 or key_size is not a multiple of 8
// in [8, 128], and ErrFileLocked if another owner already holds the file's
// exclusive lock.
func Open(path string, degree, keySize uint32, opts ...Option) (*Tree, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	params := base.Params{KeySize: keySize, Degree: degree}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	store, header, err := storage.Open(path, params, options.exclusiveLock)
	if err != nil {
		return nil, err
	}

	store.SetSync(options.syncMode == SyncEveryWrite)

	nodeCache, err := cache.New(uint32(options.nodeCacheSize))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating node cache: %w", err)
	}
	store.SetCache(nodeCache)

	options.logger.Info("opened b-tree", "path", path, "degree", header.Degree,
		"key_size", header.KeySize, "node_count", store.NodeCount())

	return &Tree{
		store:  store,
		engine: tree.New(store),
		header: header,
		opts:   options,
	}, nil
}

// Get returns the value for key, if present.
func (t *Tree) Get(key []byte) (uint64, bool, error) {
	v, ok, err := t.engine.Get(key)
	return v, ok, t.logCorruption(err)
}

// Contains reports whether key is present, without materializing its
// value (spec §6 supplement, from original_source's contains()).
func (t *Tree) Contains(key []byte) (bool, error) {
	ok, err := t.engine.Contains(key)
	return ok, t.logCorruption(err)
}

// Put inserts key with value, or overwrites the value of an existing key.
// Returns true if a new key was inserted, false if an existing key's value
// was overwritten.
func (t *Tree) Put(key []byte, value uint64) (bool, error) {
	before := t.header.KeyCount
	nodesBefore := t.store.NodeCount()
	if err := t.engine.Put(&t.header, key, value); err != nil {
		return false, t.logCorruption(err)
	}
	if after := t.store.NodeCount(); after != nodesBefore {
		t.opts.logger.Info("file grew", "from", nodesBefore, "to", after)
	}
	return t.header.KeyCount != before, nil
}

// Remove deletes key, returning its previous value if it existed.
func (t *Tree) Remove(key []byte) (uint64, bool, error) {
	v, ok, err := t.engine.Remove(&t.header, key)
	return v, ok, t.logCorruption(err)
}

// logCorruption reports a detected structural inconsistency through the
// configured Logger before returning err unchanged.
func (t *Tree) logCorruption(err error) error {
	var corrupt *base.CorruptError
	if errors.As(err, &corrupt) {
		t.opts.logger.Error("corruption detected", "reason", corrupt.Reason)
	}
	return err
}

// Size returns the number of live keys in the tree.
func (t *Tree) Size() uint64 {
	return uint64(t.header.KeyCount)
}

// Degree returns the tree's fixed degree parameter.
func (t *Tree) Degree() uint32 { return t.header.Degree }

// KeySize returns the tree's fixed key-slot width.
func (t *Tree) KeySize() uint32 { return t.header.KeySize }

// MaxKeys returns 2*degree-1, the maximum keys any node may hold (spec §6
// supplement, from original_source's maxKeysPerNode).
func (t *Tree) MaxKeys() uint32 { return t.header.MaxKeys() }

// MinKeys returns degree-1, the minimum keys a non-root node must hold
// (spec §6 supplement, from original_source's minKeysPerNode).
func (t *Tree) MinKeys() uint32 { return t.header.MinKeys() }

// MaxChildren returns 2*degree, the maximum children an internal node may
// hold (spec §6 supplement, from original_source's maxChildrenPerNode).
func (t *Tree) MaxChildren() uint32 { return t.header.MaxChildren() }

// NodeCount returns the number of node slots in the file, in use or free.
func (t *Tree) NodeCount() uint32 { return t.store.NodeCount() }

// KeysOf returns the live keys of node i, for inspection/testing.
func (t *Tree) KeysOf(i uint32) ([][]byte, error) {
	n, err := t.store.ReadNode(i)
	if err != nil {
		return nil, err
	}
	return n.Keys, nil
}

// ChildrenOf returns the live children of node i, for inspection/testing.
func (t *Tree) ChildrenOf(i uint32) ([]uint32, error) {
	n, err := t.store.ReadNode(i)
	if err != nil {
		return nil, err
	}
	return n.Children, nil
}

// FreeNodes returns the free-node stack, top to bottom.
func (t *Tree) FreeNodes() ([]uint32, error) {
	return t.store.FreeNodes(t.header)
}

// Fingerprint folds every reachable key/value pair into a running xxhash
// state (spec §5 domain-stack: an O(n) stand-in for a full key-by-key diff,
// used by the reopen-stability test). It is not part of the on-disk format.
func (t *Tree) Fingerprint() (uint64, error) {
	h := xxhash.New()
	if err := t.fingerprintNode(h, 0); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

func (t *Tree) fingerprintNode(h *xxhash.Digest, index uint32) error {
	n, err := t.store.ReadNode(index)
	if err != nil {
		return err
	}
	for i := 0; i < int(n.KeyCount); i++ {
		if !n.IsLeaf() {
			if err := t.fingerprintNode(h, n.Children[i]); err != nil {
				return err
			}
		}
		h.Write(n.Keys[i])
		var valBuf [8]byte
		binary.BigEndian.PutUint64(valBuf[:], n.Values[i])
		h.Write(valBuf[:])
	}
	if !n.IsLeaf() {
		if err := t.fingerprintNode(h, n.Children[n.KeyCount]); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the tree's file lock and closes the underlying file.
func (t *Tree) Close() error {
	return t.store.Close()
}
