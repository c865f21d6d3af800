package lsm

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/nconghau/novadb/internal/common"
	"github.com/nconghau/novadb/internal/rdma"
	"github.com/nconghau/novadb/internal/remotefile"
	"github.com/nconghau/novadb/internal/slab"
)

// kvIterator is the minimal contract every per-source iterator
// (memtable, SSTable) satisfies; mergingIterator fans several of these
// into one ascending-InternalKey stream.
type kvIterator interface {
	Next() bool
	Key() []byte // encoded InternalKey
	Value() []byte
	Err() error
	Close() error
}

// memtableKVIterator adapts *memTableIterator (already ascending
// InternalKey order) to kvIterator.
type memtableKVIterator struct {
	it *memTableIterator
}

func newMemtableKVIterator(m *MemTable) *memtableKVIterator {
	return &memtableKVIterator{it: m.NewIterator()}
}

func (m *memtableKVIterator) Next() bool    { return m.it.Next() }
func (m *memtableKVIterator) Key() []byte   { return m.it.Key() }
func (m *memtableKVIterator) Value() []byte { return m.it.Value() }
func (m *memtableKVIterator) Err() error    { return nil }
func (m *memtableKVIterator) Close() error  { return nil }

// sstIterator reads one SSTable block at a time, in file order (which is
// InternalKey order, since WriteEntry requires sorted input).
type sstIterator struct {
	ctx    context.Context
	raf    *remotefile.RandomAccessFile
	index  []blockIndexEntry
	blockI int

	curData []byte
	off     int

	key, val []byte
	err      error
}

// NewSSTableIterator opens fileNumber for sequential scanning, typically
// used as compaction input.
func NewSSTableIterator(ctx context.Context, client rdma.BlockClient, slabMgr *slab.Manager, dbname string, fileNumber uint64, fileSize int64) (*sstIterator, error) {
	raf := remotefile.NewRandomAccessFile(client, slabMgr, dbname, fileNumber, fileSize, true)
	footer, err := readFooter(ctx, raf, fileSize)
	if err != nil {
		raf.Close()
		return nil, err
	}
	index, err := readIndex(ctx, raf, footer)
	if err != nil {
		raf.Close()
		return nil, err
	}
	return &sstIterator{ctx: ctx, raf: raf, index: index}, nil
}

func (it *sstIterator) loadNextBlock() bool {
	if it.blockI >= len(it.index) {
		return false
	}
	e := it.index[it.blockI]
	it.blockI++
	buf, err := it.raf.Read(it.ctx, e.offset, int(e.length)+4)
	if err != nil {
		it.err = err
		return false
	}
	if len(buf) < int(e.length)+4 {
		it.err = fmt.Errorf("lsm: short block read in iterator: %w", common.ErrCorruption)
		return false
	}
	data := buf[:e.length]
	storedCRC := binary.LittleEndian.Uint32(buf[e.length : e.length+4])
	if crc32.Checksum(data, crcTable) != storedCRC {
		it.err = fmt.Errorf("lsm: sstable block checksum mismatch in iterator: %w", common.ErrCorruption)
		return false
	}
	it.curData = data
	it.off = 0
	return true
}

func (it *sstIterator) Next() bool {
	if it.curData == nil || it.off >= len(it.curData) {
		if !it.loadNextBlock() {
			return false
		}
	}
	if len(it.curData)-it.off < 8 {
		it.err = fmt.Errorf("lsm: truncated entry in iterator: %w", common.ErrCorruption)
		return false
	}
	klen := int(binary.LittleEndian.Uint32(it.curData[it.off : it.off+4]))
	vlen := int(binary.LittleEndian.Uint32(it.curData[it.off+4 : it.off+8]))
	start := it.off + 8
	if len(it.curData)-start < klen+vlen {
		it.err = fmt.Errorf("lsm: truncated entry body in iterator: %w", common.ErrCorruption)
		return false
	}
	it.key = it.curData[start : start+klen]
	it.val = it.curData[start+klen : start+klen+vlen]
	it.off = start + klen + vlen
	return true
}

func (it *sstIterator) Key() []byte   { return it.key }
func (it *sstIterator) Value() []byte { return it.val }
func (it *sstIterator) Err() error    { return it.err }
func (it *sstIterator) Close() error  { return it.raf.Close() }
