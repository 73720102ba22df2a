package vbtree

import (
	"vbtree/internal/base"
	"vbtree/internal/storage"
)

// Sentinel errors and error types re-exported from internal packages, so
// callers only ever need to import the root package.
var (
	// ErrInvalidParam is returned by Open when degree or key_size is
	// invalid.
	ErrInvalidParam = base.ErrInvalidParam

	// ErrInvalidKey is returned when a key exceeds key_size-1 bytes.
	ErrInvalidKey = base.ErrInvalidKey

	// ErrKeyCountOverflow is returned when an insertion would overflow the
	// header's 32-bit key_count.
	ErrKeyCountOverflow = base.ErrKeyCountOverflow

	// ErrFileLocked is returned by Open when another owner already holds
	// the exclusive lock on the file.
	ErrFileLocked = storage.ErrFileLocked
)

// IoError is a positioned I/O failure from the storage layer.
type IoError = base.IoError

// CorruptError is a structural inconsistency detected while reading a
// node or header from disk.
type CorruptError = base.CorruptError
