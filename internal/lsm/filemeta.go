package lsm

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nconghau/novadb/internal/common"
)

// FileMetaData describes one SSTable: its identity, size, and the
// smallest/largest InternalKey it contains. Instances are shared by
// every Version that references the file, so refs is mutated only while
// holding the owning VersionSet's manifest lock.
type FileMetaData struct {
	Number      uint64
	FileSize    uint64
	Smallest    []byte // encoded InternalKey
	Largest     []byte // encoded InternalKey
	AllowedSeeks int64

	mu   sync.Mutex
	refs int
}

// NewFileMetaData builds a fresh, unreferenced FileMetaData.
func NewFileMetaData(number uint64) *FileMetaData {
	return &FileMetaData{Number: number, AllowedSeeks: common.AllowedSeeks}
}

// Ref increments the file's reference count; called whenever a new
// Version that includes the file is installed.
func (f *FileMetaData) Ref() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

// Unref decrements the reference count and reports whether it reached
// zero (the file is now safe to delete from the StoC node).
func (f *FileMetaData) Unref() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs <= 0 {
		panic(fmt.Sprintf("lsm: file %d unref underflow", f.Number))
	}
	f.refs--
	return f.refs == 0
}

// EncodeFileMetaData appends the on-disk encoding of f to dst:
// number | file_size | smallest_len | smallest | largest_len | largest,
// all integers little-endian fixed-width as specified by the manifest
// wire format.
func EncodeFileMetaData(dst []byte, f *FileMetaData) []byte {
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], f.Number)
	dst = append(dst, scratch[:]...)
	binary.LittleEndian.PutUint64(scratch[:], f.FileSize)
	dst = append(dst, scratch[:]...)

	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(f.Smallest)))
	dst = append(dst, lenbuf[:]...)
	dst = append(dst, f.Smallest...)

	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(f.Largest)))
	dst = append(dst, lenbuf[:]...)
	dst = append(dst, f.Largest...)
	return dst
}

// DecodeFileMetaData parses the encoding EncodeFileMetaData produces and
// returns the file plus the number of bytes consumed from src.
func DecodeFileMetaData(src []byte) (*FileMetaData, int, error) {
	if len(src) < 16+4 {
		return nil, 0, fmt.Errorf("lsm: truncated file meta header: %w", common.ErrCorruption)
	}
	f := NewFileMetaData(binary.LittleEndian.Uint64(src[0:8]))
	f.FileSize = binary.LittleEndian.Uint64(src[8:16])
	off := 16

	smallestLen := int(binary.LittleEndian.Uint32(src[off : off+4]))
	off += 4
	if len(src) < off+smallestLen+4 {
		return nil, 0, fmt.Errorf("lsm: truncated smallest key: %w", common.ErrCorruption)
	}
	f.Smallest = append([]byte(nil), src[off:off+smallestLen]...)
	off += smallestLen

	largestLen := int(binary.LittleEndian.Uint32(src[off : off+4]))
	off += 4
	if len(src) < off+largestLen {
		return nil, 0, fmt.Errorf("lsm: truncated largest key: %w", common.ErrCorruption)
	}
	f.Largest = append([]byte(nil), src[off:off+largestLen]...)
	off += largestLen

	return f, off, nil
}
