// Package engine defines the storage-engine-facing contract every
// fragment's DB satisfies: Get/Put/Delete over opaque byte keys and
// values, snapshotted reads, and an iterator/batch pair for bulk
// operations. cmd/ltc opens each fragment's DB through internal/lsm and
// serves reads and writes through this interface.
package engine

import "context"

// Item is one key's resolved value as observed at a point in time.
type Item struct {
	Value     []byte
	Tombstone bool
}

// Iterator walks entries in ascending user-key order. Call Next before
// the first Key/Value, standard Go iterator style.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() *Item
	Error() error
	Close() error
}

// Batch accumulates a group of writes applied in order by ApplyBatch.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Size() int
}

// Engine is the per-fragment storage interface cmd/ltc drives.
type Engine interface {
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)

	NewBatch() Batch
	ApplyBatch(ctx context.Context, b Batch) error

	NewIterator() (Iterator, error)
	IterKeysWithLimit(limit int) ([]string, error)

	Compact(ctx context.Context) error
	Close() error

	GetMetrics() map[string]int64
}
