// Package storage implements spec §4.1: positioned reads and writes against
// the backing file, endianness normalization, fixed-slot arithmetic, file
// growth, and the free-node stack allocator. It knows nothing about B-tree
// semantics — that belongs to package tree.
package storage

import (
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"vbtree/internal/base"
	"vbtree/internal/cache"
)

// ErrFileLocked is returned by Open when another process (or another Open
// of the same path within this process) already holds the exclusive lock.
var ErrFileLocked = fmt.Errorf("file is locked by another process")

// Storage owns the backing file and the parameters fixed at creation.
type Storage struct {
	file   *os.File
	params base.Params
	sync   atomic.Bool // whether node and header writes fsync before returning

	nodeCount atomic.Uint64 // total slots, including slot 0 (root)
	nodeCache *cache.NodeCache

	// Stats counters, exposed for diagnostics.
	reads, writes atomic.Uint64
}

// SetSync controls whether WriteNode and header writes fsync before
// returning (spec §4.1.2's
// default; §9 note 4 allows relaxing it for testing/bulk loads). Storage
// defaults to fsync-on.
func (s *Storage) SetSync(enabled bool) {
	s.sync.Store(enabled)
}

// SetCache installs a read-through node cache. ReadNode consults it first;
// WriteNode and the free-stack operations invalidate the entry they touch
// so a cached node can never outlive the on-disk slot it mirrors.
func (s *Storage) SetCache(c *cache.NodeCache) {
	s.nodeCache = c
}

// Open opens path for read-write, creating and initializing it if absent.
// If the file exists, its header's params win over the requested ones
// (spec §6.1). lock, when true, takes a non-blocking exclusive flock on the
// file descriptor for the lifetime of the Storage (spec §5's single-owner
// model, enforced rather than merely assumed).
func Open(path string, params base.Params, lock bool) (*Storage, base.Header, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, base.Header{}, &base.IoError{Kind: base.IoKindOpen, Err: err}
	}

	if lock {
		if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			file.Close()
			if err == unix.EWOULDBLOCK {
				return nil, base.Header{}, ErrFileLocked
			}
			return nil, base.Header{}, &base.IoError{Kind: base.IoKindLock, Err: err}
		}
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, base.Header{}, &base.IoError{Kind: base.IoKindOpen, Err: err}
	}

	s := &Storage{file: file, params: params}
	s.sync.Store(true)

	if info.Size() == 0 {
		header, err := s.initFresh(params)
		if err != nil {
			file.Close()
			return nil, base.Header{}, err
		}
		return s, header, nil
	}

	header, err := s.loadExisting(info.Size())
	if err != nil {
		file.Close()
		return nil, base.Header{}, err
	}
	return s, header, nil
}

// initFresh writes a fresh header and zeroed root slot to an empty file.
func (s *Storage) initFresh(params base.Params) (base.Header, error) {
	header := base.Header{Params: params}
	if err := s.writeHeaderAt(header); err != nil {
		return base.Header{}, err
	}
	pos := params.NodePos(0)
	if _, err := s.file.WriteAt(make([]byte, params.NodeSize()), pos); err != nil {
		return base.Header{}, &base.IoError{Kind: base.IoKindWrite, Offset: pos, Err: err}
	}
	s.nodeCount.Store(1)
	if err := s.WriteNode(base.NewEmpty(0)); err != nil {
		return base.Header{}, err
	}
	return header, nil
}

// loadExisting reads the header of an existing file and derives node_count
// from the file length, rejecting a length that isn't header + k*node_size.
func (s *Storage) loadExisting(size int64) (base.Header, error) {
	buf := make([]byte, base.HeaderSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return base.Header{}, &base.IoError{Kind: base.IoKindRead, Offset: 0, Err: err}
	}
	header, err := base.UnmarshalHeader(buf)
	if err != nil {
		return base.Header{}, err
	}
	if err := header.Params.Validate(); err != nil {
		return base.Header{}, err
	}

	s.params = header.Params
	remainder := size - base.HeaderSize
	nodeSize := s.params.NodeSize()
	if remainder < nodeSize || remainder%nodeSize != 0 {
		return base.Header{}, &base.CorruptError{
			Reason: "file length is not header_size + k*node_size",
		}
	}
	s.nodeCount.Store(uint64(remainder / nodeSize))
	return header, nil
}

// Params returns the parameters in effect (from the on-disk header if the
// file pre-existed).
func (s *Storage) Params() base.Params { return s.params }

// NodeCount returns the number of node slots currently in the file.
func (s *Storage) NodeCount() uint32 { return uint32(s.nodeCount.Load()) }

// WriteHeader rewrites the 16-byte header in place.
func (s *Storage) WriteHeader(h base.Header) error {
	return s.writeHeaderAt(h)
}

func (s *Storage) writeHeaderAt(h base.Header) error {
	if _, err := s.file.WriteAt(h.MarshalBinary(), 0); err != nil {
		return &base.IoError{Kind: base.IoKindWrite, Offset: 0, Err: err}
	}
	if s.sync.Load() {
		return s.Sync()
	}
	return nil
}

// ReadHeader re-reads the header from disk.
func (s *Storage) ReadHeader() (base.Header, error) {
	buf := make([]byte, base.HeaderSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return base.Header{}, &base.IoError{Kind: base.IoKindRead, Offset: 0, Err: err}
	}
	return base.UnmarshalHeader(buf)
}

// ReadNode reads node slot i (spec §4.1.2): the fixed quartet, then the
// live prefix of children, keys, and values.
func (s *Storage) ReadNode(i uint32) (*base.Node, error) {
	if uint64(i) >= s.nodeCount.Load() {
		return nil, &base.CorruptError{Reason: "node index out of range"}
	}
	// The root's mirror changes on nearly every operation and is read once
	// per operation anyway, so only non-root slots are worth caching.
	if i > 0 && s.nodeCache != nil {
		if n, ok := s.nodeCache.Get(i); ok {
			return n, nil
		}
	}
	s.reads.Add(1)

	pos := s.params.NodePos(i)
	hdr := make([]byte, base.NodeHeaderSize)
	if _, err := s.file.ReadAt(hdr, pos); err != nil {
		return nil, &base.IoError{Kind: base.IoKindRead, Offset: pos, Err: err}
	}
	keyCount, childCount, freeSlot, err := base.DecodeNodeHeader(hdr)
	if err != nil {
		return nil, err
	}

	n := &base.Node{Index: i, KeyCount: keyCount, ChildCount: childCount, FreeSlot: freeSlot}
	if err := n.ValidateShape(s.params); err != nil {
		return nil, err
	}

	if childCount > 0 {
		buf := make([]byte, 4*childCount)
		childPos := pos + base.NodeHeaderSize
		if _, err := s.file.ReadAt(buf, childPos); err != nil {
			return nil, &base.IoError{Kind: base.IoKindRead, Offset: childPos, Err: err}
		}
		children, err := base.DecodeChildren(buf, childCount)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if uint64(c) >= s.nodeCount.Load() {
				return nil, &base.CorruptError{Reason: "child index out of range"}
			}
		}
		n.Children = children
	}

	if keyCount > 0 {
		keysPos := s.keysPos(i)
		keyBuf := make([]byte, int(s.params.KeySize)*int(keyCount))
		if _, err := s.file.ReadAt(keyBuf, keysPos); err != nil {
			return nil, &base.IoError{Kind: base.IoKindRead, Offset: keysPos, Err: err}
		}
		keys, err := base.DecodeKeys(keyBuf, keyCount, s.params.KeySize)
		if err != nil {
			return nil, err
		}
		n.Keys = keys

		valuesPos := s.valuesPos(i)
		valBuf := make([]byte, 8*int(keyCount))
		if _, err := s.file.ReadAt(valBuf, valuesPos); err != nil {
			return nil, &base.IoError{Kind: base.IoKindRead, Offset: valuesPos, Err: err}
		}
		values, err := base.DecodeValues(valBuf, keyCount)
		if err != nil {
			return nil, err
		}
		n.Values = values
	}

	if i > 0 && s.nodeCache != nil {
		s.nodeCache.Put(n)
	}
	return n, nil
}

// WriteNode writes node n's live prefix back to its slot and flushes
// (spec §4.1.2: "write_node fsync/flushes before returning"). Positions
// beyond child_count/key_count are left untouched.
func (s *Storage) WriteNode(n *base.Node) error {
	s.writes.Add(1)
	if n.Index > 0 && s.nodeCache != nil {
		s.nodeCache.Delete(n.Index)
	}
	pos := s.params.NodePos(n.Index)

	head := n.EncodeHeader()
	if n.ChildCount > 0 {
		head = append(head, base.EncodeChildren(n.Children)...)
	}
	if _, err := s.file.WriteAt(head, pos); err != nil {
		return &base.IoError{Kind: base.IoKindWrite, Offset: pos, Err: err}
	}

	if n.KeyCount > 0 {
		keyBuf, err := base.EncodeKeys(n.Keys, s.params.KeySize)
		if err != nil {
			return err
		}
		keysPos := s.keysPos(n.Index)
		if _, err := s.file.WriteAt(keyBuf, keysPos); err != nil {
			return &base.IoError{Kind: base.IoKindWrite, Offset: keysPos, Err: err}
		}

		valBuf := base.EncodeValues(n.Values)
		valuesPos := s.valuesPos(n.Index)
		if _, err := s.file.WriteAt(valBuf, valuesPos); err != nil {
			return &base.IoError{Kind: base.IoKindWrite, Offset: valuesPos, Err: err}
		}
	}

	if s.sync.Load() {
		return s.Sync()
	}
	return nil
}

func (s *Storage) keysPos(i uint32) int64 {
	return s.params.NodePos(i) + base.NodeHeaderSize + 4*int64(s.params.MaxChildren())
}

func (s *Storage) valuesPos(i uint32) int64 {
	return s.keysPos(i) + int64(s.params.KeySize)*int64(s.params.MaxKeys())
}

// grow appends one zeroed node-sized block to the file and returns its
// index. It does not push the new slot onto the free stack; callers do
// that (spec §4.1.3: pop_free calls grow, then push_free's the new index).
func (s *Storage) grow() (uint32, error) {
	newIndex := uint32(s.nodeCount.Load())
	pos := s.params.NodePos(newIndex)
	zero := make([]byte, s.params.NodeSize())
	if _, err := s.file.WriteAt(zero, pos); err != nil {
		return 0, &base.IoError{Kind: base.IoKindWrite, Offset: pos, Err: err}
	}
	s.nodeCount.Add(1)
	return newIndex, nil
}

// PushFree pushes node index i onto the free-node stack (spec §4.1.3): the
// header's free_count is bumped, and i is written into the free_slot field
// of the slot at the new stack depth (never slot 0, the root).
func (s *Storage) PushFree(header *base.Header, i uint32) error {
	depth := header.FreeCount + 1
	pos := s.params.NodePos(depth) + 8 // free_slot field offset within the node header
	buf := make([]byte, 4)
	putUint32BE(buf, i)
	if _, err := s.file.WriteAt(buf, pos); err != nil {
		return &base.IoError{Kind: base.IoKindWrite, Offset: pos, Err: err}
	}
	header.FreeCount = depth
	if s.nodeCache != nil {
		s.nodeCache.Delete(depth)
		s.nodeCache.Delete(i)
	}
	return s.writeHeaderAt(*header)
}

// PopFree pops and returns a node index from the free stack, growing the
// file first if the stack is empty (spec §4.1.3, and §9 open question 1:
// a fresh tree's first split will grow the file since the stack starts
// empty).
func (s *Storage) PopFree(header *base.Header) (uint32, error) {
	if header.FreeCount == 0 {
		newIndex, err := s.grow()
		if err != nil {
			return 0, err
		}
		if err := s.PushFree(header, newIndex); err != nil {
			return 0, err
		}
	}

	depth := header.FreeCount
	pos := s.params.NodePos(depth) + 8
	buf := make([]byte, 4)
	if _, err := s.file.ReadAt(buf, pos); err != nil {
		return 0, &base.IoError{Kind: base.IoKindRead, Offset: pos, Err: err}
	}
	index := getUint32BE(buf)

	header.FreeCount = depth - 1
	if err := s.writeHeaderAt(*header); err != nil {
		return 0, err
	}
	return index, nil
}

// FreeNodes returns the free stack, top to bottom, without mutating it.
func (s *Storage) FreeNodes(header base.Header) ([]uint32, error) {
	result := make([]uint32, 0, header.FreeCount)
	for depth := header.FreeCount; depth > 0; depth-- {
		pos := s.params.NodePos(depth) + 8
		buf := make([]byte, 4)
		if _, err := s.file.ReadAt(buf, pos); err != nil {
			return nil, &base.IoError{Kind: base.IoKindRead, Offset: pos, Err: err}
		}
		result = append(result, getUint32BE(buf))
	}
	return result, nil
}

// Sync flushes buffered writes to disk.
func (s *Storage) Sync() error {
	if err := s.file.Sync(); err != nil {
		return &base.IoError{Kind: base.IoKindSync, Err: err}
	}
	return nil
}

// Close releases the flock (if held) and closes the file.
func (s *Storage) Close() error {
	_ = unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
	return s.file.Close()
}

// Stats holds I/O statistics for diagnostics.
type Stats struct {
	Reads, Writes uint64
}

// Stats returns cumulative I/O counters.
func (s *Storage) Stats() Stats {
	return Stats{Reads: s.reads.Load(), Writes: s.writes.Load()}
}

func putUint32BE(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

func getUint32BE(buf []byte) uint32 {
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}
