// Package remotefile implements the two file abstractions an LSM engine
// writes and reads SSTables through when its
// storage lives on a remote StoC node: WritableFile buffers appended
// bytes locally and flushes them to the fabric on Sync; RandomAccessFile
// reads either block-by-block or by prefetching the whole file once.
//
// Both types are single-writer / single-reader per instance: a RemoteFile
// is owned exclusively by the goroutine that created it (the flush
// worker, the compaction worker, or a Get call), the same assumption the
// source engine makes.
package remotefile

import (
	"context"
	"fmt"

	"github.com/nconghau/novadb/internal/common"
	"github.com/nconghau/novadb/internal/rdma"
	"github.com/nconghau/novadb/internal/slab"
)

// maxBlockSize bounds a single block-mode read, matching the source's
// 100KiB MAX_BLOCK_SIZE.
const maxBlockSize = 100 * 1024

// WritableFile accumulates appended bytes in a slab-allocated buffer and
// ships them to the StoC node only on Sync (the LSM engine's fsync point
// at the end of an SSTable write).
type WritableFile struct {
	client     rdma.BlockClient
	slabMgr    *slab.Manager
	dbname     string
	fileNumber uint64

	buf       []byte
	scid      int
	usedSize  int
	synced    bool
}

// NewWritableFile allocates a slab buffer sized to hint bytes (grown on
// demand if exceeded) for a new remote file identified by (dbname,
// fileNumber).
func NewWritableFile(client rdma.BlockClient, slabMgr *slab.Manager, dbname string, fileNumber uint64, hint int) (*WritableFile, error) {
	buf, scid, err := slabMgr.Alloc(hint)
	if err != nil {
		return nil, fmt.Errorf("remotefile: alloc: %w", err)
	}
	return &WritableFile{
		client:     client,
		slabMgr:    slabMgr,
		dbname:     dbname,
		fileNumber: fileNumber,
		buf:        buf,
		scid:       scid,
	}, nil
}

// Append adds data to the end of the buffered region.
func (w *WritableFile) Append(data []byte) error {
	if w.usedSize+len(data) > len(w.buf) {
		if err := w.grow(w.usedSize + len(data)); err != nil {
			return err
		}
	}
	copy(w.buf[w.usedSize:], data)
	w.usedSize += len(data)
	return nil
}

// Write performs a random-access write within (or extending) the
// buffered region, used to patch a footer after the body has been
// written.
func (w *WritableFile) Write(offset int, data []byte) error {
	need := offset + len(data)
	if need > len(w.buf) {
		if err := w.grow(need); err != nil {
			return err
		}
	}
	copy(w.buf[offset:], data)
	if need > w.usedSize {
		w.usedSize = need
	}
	return nil
}

// Read serves bytes from the local buffer (pre-sync view), clamped to
// what has actually been written.
func (w *WritableFile) Read(offset, n int) ([]byte, error) {
	if offset >= w.usedSize {
		return nil, nil
	}
	end := offset + n
	if end > w.usedSize {
		end = w.usedSize
	}
	return w.buf[offset:end], nil
}

// Size returns the number of bytes written so far.
func (w *WritableFile) Size() int { return w.usedSize }

func (w *WritableFile) grow(need int) error {
	newBuf, newScid, err := w.slabMgr.Alloc(need)
	if err != nil {
		return fmt.Errorf("remotefile: grow: %w", err)
	}
	copy(newBuf, w.buf[:w.usedSize])
	w.slabMgr.Free(w.buf, w.scid)
	w.buf, w.scid = newBuf, newScid
	return nil
}

// Sync flushes the buffered bytes to the StoC node over the fabric and
// blocks until the transfer completes. It is the Go analogue of Fsync:
// it always returns nil on success, resolving the source's missing
// terminal return (spec Open Question #1).
func (w *WritableFile) Sync(ctx context.Context) error {
	id := w.client.InitiateFlushSSTable(ctx, w.dbname, w.fileNumber, w.buf[:w.usedSize])
	res := w.client.Wait(id)
	if res.Err != nil {
		return fmt.Errorf("remotefile: sync %s/%d: %w", w.dbname, w.fileNumber, res.Err)
	}
	w.synced = true
	return nil
}

// Close releases the local slab buffer. Callers must Sync before Close if
// the data needs to survive.
func (w *WritableFile) Close() error {
	if w.buf != nil {
		w.slabMgr.Free(w.buf, w.scid)
		w.buf = nil
	}
	return nil
}

// RandomAccessFile reads an already-synced remote file, either one block
// at a time (default) or by eagerly caching the whole file on first read
// (prefetchAll), matching the two modes nova_cc.cpp's
// NovaCCRemoteRandomAccessFile supports.
type RandomAccessFile struct {
	client       rdma.BlockClient
	slabMgr      *slab.Manager
	dbname       string
	fileNumber   uint64
	fileSize     int64
	prefetchAll  bool

	scratch []byte // block-mode reusable buffer
	scid    int

	cached   []byte // prefetch-all mode
	prefetched bool
}

// NewRandomAccessFile opens a remote file of known size for reading.
func NewRandomAccessFile(client rdma.BlockClient, slabMgr *slab.Manager, dbname string, fileNumber uint64, fileSize int64, prefetchAll bool) *RandomAccessFile {
	return &RandomAccessFile{
		client:      client,
		slabMgr:     slabMgr,
		dbname:      dbname,
		fileNumber:  fileNumber,
		fileSize:    fileSize,
		prefetchAll: prefetchAll,
	}
}

// Read returns up to n bytes starting at offset, clamped to the file's
// size. It always returns a nil error after filling the result (spec
// Open Question #2).
func (r *RandomAccessFile) Read(ctx context.Context, offset int64, n int) ([]byte, error) {
	if offset >= r.fileSize {
		return nil, nil
	}
	if int64(n) > r.fileSize-offset {
		n = int(r.fileSize - offset)
	}
	if r.prefetchAll {
		return r.readPrefetched(ctx, offset, n)
	}
	return r.readBlock(ctx, offset, n)
}

func (r *RandomAccessFile) readPrefetched(ctx context.Context, offset int64, n int) ([]byte, error) {
	if !r.prefetched {
		id := r.client.InitiateReadSSTable(ctx, r.dbname, r.fileNumber)
		buf, err := r.client.ReadAllResult(id)
		if err != nil {
			return nil, fmt.Errorf("remotefile: prefetch %s/%d: %w", r.dbname, r.fileNumber, err)
		}
		r.cached = buf
		r.prefetched = true
	}
	end := offset + int64(n)
	if end > int64(len(r.cached)) {
		end = int64(len(r.cached))
	}
	return r.cached[offset:end], nil
}

func (r *RandomAccessFile) readBlock(ctx context.Context, offset int64, n int) ([]byte, error) {
	if r.scratch == nil {
		buf, scid, err := r.slabMgr.Alloc(maxBlockSize)
		if err != nil {
			return nil, fmt.Errorf("remotefile: alloc block buffer: %w", err)
		}
		r.scratch, r.scid = buf, scid
	}
	if n > len(r.scratch) {
		return nil, fmt.Errorf("remotefile: read of %d exceeds block size %d: %w", n, len(r.scratch), common.ErrInvalidArgument)
	}
	id := r.client.InitiateReadBlock(ctx, r.dbname, r.fileNumber, offset, r.scratch[:n])
	res := r.client.Wait(id)
	if res.Err != nil {
		return nil, fmt.Errorf("remotefile: read block %s/%d@%d: %w", r.dbname, r.fileNumber, offset, res.Err)
	}
	return r.scratch[:res.N], nil
}

// Close releases the block-mode scratch buffer, if one was allocated.
func (r *RandomAccessFile) Close() error {
	if r.scratch != nil {
		r.slabMgr.Free(r.scratch, r.scid)
		r.scratch = nil
	}
	return nil
}
