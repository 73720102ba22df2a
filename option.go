package vbtree

import "vbtree/internal/cache"

// SyncMode controls when node writes are flushed to disk.
type SyncMode int

const (
	// SyncEveryWrite fsyncs after every write_node/write_header, matching
	// §4.1.2's durability requirement. This is the default.
	SyncEveryWrite SyncMode = iota

	// SyncOff skips the fsync after each write. Only appropriate for
	// testing or bulk loads where the file can be rebuilt from elsewhere;
	// a crash can leave the file in a structurally inconsistent state.
	SyncOff
)

// Options configures a Tree's behavior. The zero value is not valid; use
// DefaultOptions or a sequence of Option functions passed to Open.
type Options struct {
	nodeCacheSize int
	syncMode      SyncMode
	logger        Logger
	exclusiveLock bool
}

// DefaultOptions returns the default configuration: fsync on every write,
// a modest node cache, a discarding logger, and an exclusive file lock.
func DefaultOptions() Options {
	return Options{
		nodeCacheSize: 4 * cache.MinSize,
		syncMode:      SyncEveryWrite,
		logger:        DiscardLogger{},
		exclusiveLock: true,
	}
}

// Option configures a Tree using the functional options pattern.
type Option func(*Options)

// WithNodeCacheSize sets the capacity, in nodes, of the read-through node
// cache. Values below cache.MinSize are raised to it.
func WithNodeCacheSize(n int) Option {
	return func(o *Options) {
		o.nodeCacheSize = n
	}
}

// WithSync selects when node writes are flushed to disk.
func WithSync(mode SyncMode) Option {
	return func(o *Options) {
		o.syncMode = mode
	}
}

// WithLogger installs a custom Logger. The default is DiscardLogger.
func WithLogger(l Logger) Option {
	return func(o *Options) {
		o.logger = l
	}
}

// WithExclusiveLock controls whether Open takes an advisory flock on the
// backing file. Defaults to true; disabling it is the caller's
// responsibility to ensure single-process ownership some other way.
func WithExclusiveLock(enabled bool) Option {
	return func(o *Options) {
		o.exclusiveLock = enabled
	}
}
