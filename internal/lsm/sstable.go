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

const (
	sstVersion       = 1
	sstDataBlockSize = 4 * 1024
	sstFooterSize    = 44
	sstMagic         = 0x4e4f5641 // "NOVA"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// blockIndexEntry records where one data block landed in the file and
// the largest key it holds, so a lookup can pick the one block to read
// from the index instead of scanning blocks.
type blockIndexEntry struct {
	lastKey []byte
	offset  int64
	length  int64
}

// SSTMetadata is what a writer hands back once a table is fully flushed:
// enough to build a FileMetaData entry for the manifest.
type SSTMetadata struct {
	FileNumber uint64
	KeyCount   uint32
	Smallest   []byte
	Largest    []byte
	FileSize   int64
}

// SSTWriter builds one on-disk SSTable: data blocks of roughly
// sstDataBlockSize bytes each (CRC32-Castagnoli checksummed), an index
// block, a Bloom filter over every key, and a fixed 44-byte footer.
type SSTWriter struct {
	wf *remotefile.WritableFile

	curBlock   []byte
	index      []blockIndexEntry
	bloom      *BloomFilter
	count      uint32
	smallest   []byte
	largest    []byte
}

// NewSSTWriter opens a new remote file for fileNumber and prepares to
// receive WriteEntry calls in increasing InternalKey order.
func NewSSTWriter(client rdma.BlockClient, slabMgr *slab.Manager, dbname string, fileNumber uint64, estimatedKeys int) (*SSTWriter, error) {
	wf, err := remotefile.NewWritableFile(client, slabMgr, dbname, fileNumber, estimatedKeys*64)
	if err != nil {
		return nil, fmt.Errorf("lsm: new sstable writer: %w", err)
	}
	if estimatedKeys < 1 {
		estimatedKeys = 1
	}
	w := &SSTWriter{
		wf:    wf,
		bloom: NewBloomFilter(uint32(estimatedKeys*10), 3),
	}
	// Reserve the 8-byte header; patched in on Close once count is known.
	if err := w.wf.Append(make([]byte, 8)); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteEntry appends one (InternalKey, value) pair. Keys must be
// supplied in increasing InternalKey order.
func (w *SSTWriter) WriteEntry(internalKey, value []byte) error {
	if w.smallest == nil {
		w.smallest = append([]byte(nil), internalKey...)
	}
	w.largest = append([]byte(nil), internalKey...)

	var lenbuf [8]byte
	binary.LittleEndian.PutUint32(lenbuf[0:4], uint32(len(internalKey)))
	binary.LittleEndian.PutUint32(lenbuf[4:8], uint32(len(value)))
	w.curBlock = append(w.curBlock, lenbuf[:]...)
	w.curBlock = append(w.curBlock, internalKey...)
	w.curBlock = append(w.curBlock, value...)

	w.bloom.Add(userKeyOf(internalKey))
	w.count++

	if len(w.curBlock) >= sstDataBlockSize {
		return w.flushCurrentBlock()
	}
	return nil
}

func userKeyOf(internalKey []byte) []byte {
	if len(internalKey) < 8 {
		return internalKey
	}
	return internalKey[:len(internalKey)-8]
}

func (w *SSTWriter) flushCurrentBlock() error {
	if len(w.curBlock) == 0 {
		return nil
	}
	offset := int64(w.wf.Size())
	if err := w.wf.Append(w.curBlock); err != nil {
		return err
	}
	crc := crc32.Checksum(w.curBlock, crcTable)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	if err := w.wf.Append(crcBuf[:]); err != nil {
		return err
	}

	w.index = append(w.index, blockIndexEntry{
		lastKey: append([]byte(nil), w.largest...),
		offset:  offset,
		length:  int64(len(w.curBlock)),
	})
	w.curBlock = w.curBlock[:0]
	return nil
}

// Close finalizes the table: flushes any partial block, writes the index
// block and Bloom filter, patches in the header, writes the footer, and
// syncs everything to the StoC node.
func (w *SSTWriter) Close(ctx context.Context) (*SSTMetadata, error) {
	if err := w.flushCurrentBlock(); err != nil {
		return nil, err
	}

	indexOffset := int64(w.wf.Size())
	for _, e := range w.index {
		var lenbuf [4]byte
		binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(e.lastKey)))
		if err := w.wf.Append(lenbuf[:]); err != nil {
			return nil, err
		}
		if err := w.wf.Append(e.lastKey); err != nil {
			return nil, err
		}
		var offLen [16]byte
		binary.LittleEndian.PutUint64(offLen[0:8], uint64(e.offset))
		binary.LittleEndian.PutUint64(offLen[8:16], uint64(e.length))
		if err := w.wf.Append(offLen[:]); err != nil {
			return nil, err
		}
	}
	indexLen := int64(w.wf.Size()) - indexOffset

	bloomOffset := int64(w.wf.Size())
	bloomBytes := w.bloom.ToBytes()
	if err := w.wf.Append(bloomBytes); err != nil {
		return nil, err
	}
	bloomLen := int64(len(bloomBytes))

	footer := make([]byte, sstFooterSize)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(indexLen))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(bloomOffset))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(bloomLen))
	binary.LittleEndian.PutUint32(footer[32:36], w.bloom.n)
	binary.LittleEndian.PutUint32(footer[36:40], uint32(w.bloom.k))
	binary.LittleEndian.PutUint32(footer[40:44], uint32(sstMagic))
	if err := w.wf.Append(footer); err != nil {
		return nil, err
	}

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], sstVersion)
	binary.LittleEndian.PutUint32(header[4:8], w.count)
	if err := w.wf.Write(0, header[:]); err != nil {
		return nil, err
	}

	if err := w.wf.Sync(ctx); err != nil {
		return nil, err
	}
	if err := w.wf.Close(); err != nil {
		return nil, err
	}

	return &SSTMetadata{
		KeyCount: w.count,
		Smallest: w.smallest,
		Largest:  w.largest,
		FileSize: indexOffset + indexLen + bloomLen + sstFooterSize,
	}, nil
}

type sstFooter struct {
	indexOffset, indexLen int64
	bloomOffset, bloomLen int64
	bloomNBits            uint32
	bloomKHashes          uint32
}

func readFooter(ctx context.Context, raf *remotefile.RandomAccessFile, fileSize int64) (*sstFooter, error) {
	buf, err := raf.Read(ctx, fileSize-sstFooterSize, sstFooterSize)
	if err != nil {
		return nil, err
	}
	if len(buf) != sstFooterSize {
		return nil, fmt.Errorf("lsm: short footer read (%d bytes): %w", len(buf), common.ErrCorruption)
	}
	magic := binary.LittleEndian.Uint32(buf[40:44])
	if magic != uint32(sstMagic) {
		return nil, fmt.Errorf("lsm: bad sstable footer magic: %w", common.ErrCorruption)
	}
	return &sstFooter{
		indexOffset:  int64(binary.LittleEndian.Uint64(buf[0:8])),
		indexLen:     int64(binary.LittleEndian.Uint64(buf[8:16])),
		bloomOffset:  int64(binary.LittleEndian.Uint64(buf[16:24])),
		bloomLen:     int64(binary.LittleEndian.Uint64(buf[24:32])),
		bloomNBits:   binary.LittleEndian.Uint32(buf[32:36]),
		bloomKHashes: binary.LittleEndian.Uint32(buf[36:40]),
	}, nil
}

func readIndex(ctx context.Context, raf *remotefile.RandomAccessFile, f *sstFooter) ([]blockIndexEntry, error) {
	buf, err := raf.Read(ctx, f.indexOffset, int(f.indexLen))
	if err != nil {
		return nil, err
	}
	var entries []blockIndexEntry
	off := 0
	for off < len(buf) {
		if len(buf)-off < 4 {
			return nil, fmt.Errorf("lsm: truncated index entry: %w", common.ErrCorruption)
		}
		klen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if len(buf)-off < klen+16 {
			return nil, fmt.Errorf("lsm: truncated index entry body: %w", common.ErrCorruption)
		}
		key := append([]byte(nil), buf[off:off+klen]...)
		off += klen
		offset := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		length := int64(binary.LittleEndian.Uint64(buf[off+8 : off+16]))
		off += 16
		entries = append(entries, blockIndexEntry{lastKey: key, offset: offset, length: length})
	}
	return entries, nil
}

// ReadSSTFind looks up userKey as of snapshot seq inside one SSTable,
// consulting the Bloom filter first and then scanning the block index
// for the first block whose last key is at or after the lookup key. It follows the same three-state convention as MemTable.Get:
// ok is false if the table proves the key is absent (keep looking in
// older files/levels); ok is true and found is false if the newest
// visible version at or below seq is a tombstone (stop looking, the key
// is deleted); ok and found are both true for a live value.
func ReadSSTFind(ctx context.Context, client rdma.BlockClient, slabMgr *slab.Manager, dbname string, fileNumber uint64, fileSize int64, userKey []byte, seq uint64) (value []byte, found, ok bool, err error) {
	raf := remotefile.NewRandomAccessFile(client, slabMgr, dbname, fileNumber, fileSize, false)
	defer raf.Close()

	footer, err := readFooter(ctx, raf, fileSize)
	if err != nil {
		return nil, false, false, err
	}

	bloomBuf, err := raf.Read(ctx, footer.bloomOffset, int(footer.bloomLen))
	if err != nil {
		return nil, false, false, err
	}
	bloom := NewFromBytes(bloomBuf, footer.bloomNBits, int(footer.bloomKHashes))
	if !bloom.MightContain(userKey) {
		return nil, false, false, nil
	}

	index, err := readIndex(ctx, raf, footer)
	if err != nil {
		return nil, false, false, err
	}

	lookup := encodeLookup(userKey, seq)
	idx := -1
	for i, e := range index {
		if compareEncoded(lookup, e.lastKey) <= 0 {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, false, false, nil
	}
	entry := index[idx]

	blockBuf, err := raf.Read(ctx, entry.offset, int(entry.length)+4)
	if err != nil {
		return nil, false, false, err
	}
	if len(blockBuf) < int(entry.length)+4 {
		return nil, false, false, fmt.Errorf("lsm: short block read: %w", common.ErrCorruption)
	}
	data := blockBuf[:entry.length]
	storedCRC := binary.LittleEndian.Uint32(blockBuf[entry.length : entry.length+4])
	if crc32.Checksum(data, crcTable) != storedCRC {
		return nil, false, false, fmt.Errorf("lsm: sstable block checksum mismatch: %w", common.ErrCorruption)
	}

	return searchDataBlock(data, userKey, seq)
}

func searchDataBlock(data []byte, userKey []byte, seq uint64) (value []byte, found, ok bool, err error) {
	off := 0
	for off < len(data) {
		if len(data)-off < 8 {
			return nil, false, false, fmt.Errorf("lsm: truncated data block entry: %w", common.ErrCorruption)
		}
		klen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		vlen := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if len(data)-off < klen+vlen {
			return nil, false, false, fmt.Errorf("lsm: truncated data block entry body: %w", common.ErrCorruption)
		}
		key := data[off : off+klen]
		val := data[off+klen : off+klen+vlen]
		off += klen + vlen

		if string(userKeyOf(key)) != string(userKey) {
			continue
		}
		ks := binary.LittleEndian.Uint64(key[len(key)-8:])
		entrySeq := ks >> 8
		entryType := byte(ks & 0xff)
		if entrySeq > seq {
			continue
		}
		if entryType == 0 {
			return nil, false, true, nil // newest visible version is a tombstone
		}
		return val, true, true, nil
	}
	return nil, false, false, nil
}

func encodeLookup(userKey []byte, seq uint64) []byte {
	out := append([]byte(nil), userKey...)
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], seq<<8|1)
	return append(out, trailer[:]...)
}
