// Package common holds the sentinel error values and constants shared
// across the storage engine, mirroring the error kinds a caller of a
// disaggregated LSM store needs to branch on.
package common

import "errors"

// Error kinds a caller can type-switch or errors.Is against. Wrap these
// with fmt.Errorf("...: %w", ErrX) when adding context.
var (
	ErrNotFound         = errors.New("nova: key not found")
	ErrCorruption       = errors.New("nova: corruption")
	ErrInvalidArgument  = errors.New("nova: invalid argument")
	ErrIO               = errors.New("nova: io error")
	ErrTransport        = errors.New("nova: transport error")
	ErrCapacityExceeded = errors.New("nova: capacity exceeded")
	ErrOutOfMemory      = errors.New("nova: out of memory")
	ErrClosed           = errors.New("nova: closed")
)

// NumLevels is the number of LSM levels, L0 through L6.
const NumLevels = 7

// MaxLiveMemtables bounds the memtable-pool slot table; a fragment's
// AtomicMemTable ids are drawn from [0, MaxLiveMemtables).
const MaxLiveMemtables = 100000

// AllowedSeeks is the seek budget recorded in a freshly-created file's
// metadata. Compaction picking does not read it: levels are scored on
// file count (L0) and byte size (L1+) only.
const AllowedSeeks = 1 << 30
