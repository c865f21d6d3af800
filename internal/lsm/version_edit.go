package lsm

import (
	"encoding/binary"
	"fmt"

	"github.com/nconghau/novadb/internal/common"
	"github.com/nconghau/novadb/internal/ikey"
)

// VersionEdit is the delta VersionSet.LogAndApply applies to the current
// Version and appends to the manifest log: files added at a level, files
// deleted from a level, and the high-water marks (last sequence, next
// file number) as of this edit.
type VersionEdit struct {
	AddedFiles   map[int][]*FileMetaData
	DeletedFiles map[int][]uint64

	HasLastSequence  bool
	LastSequence     ikey.Sequence
	HasNextFileNumber bool
	NextFileNumber   uint64
}

// NewVersionEdit returns an empty edit ready to be populated.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{
		AddedFiles:   make(map[int][]*FileMetaData),
		DeletedFiles: make(map[int][]uint64),
	}
}

// AddFile records that f should be added to level in the new Version.
func (e *VersionEdit) AddFile(level int, f *FileMetaData) {
	e.AddedFiles[level] = append(e.AddedFiles[level], f)
}

// DeleteFile records that fileNumber should be removed from level.
func (e *VersionEdit) DeleteFile(level int, fileNumber uint64) {
	e.DeletedFiles[level] = append(e.DeletedFiles[level], fileNumber)
}

// SetLastSequence records the last assigned sequence number as of this
// edit, so recovery can resume sequence assignment correctly.
func (e *VersionEdit) SetLastSequence(seq ikey.Sequence) {
	e.HasLastSequence = true
	e.LastSequence = seq
}

// SetNextFileNumber records the next file number to allocate.
func (e *VersionEdit) SetNextFileNumber(n uint64) {
	e.HasNextFileNumber = true
	e.NextFileNumber = n
}

// Encode serializes the edit into the manifest's record format:
//
//	flags(1) [last_sequence(8)] [next_file_number(8)]
//	num_levels_with_adds(4) { level(4) count(4) { fileMeta }* }*
//	num_levels_with_deletes(4) { level(4) count(4) { fileNumber(8) }* }*
func (e *VersionEdit) Encode() []byte {
	var buf []byte
	var flags byte
	if e.HasLastSequence {
		flags |= 1
	}
	if e.HasNextFileNumber {
		flags |= 2
	}
	buf = append(buf, flags)

	var scratch8 [8]byte
	if e.HasLastSequence {
		binary.LittleEndian.PutUint64(scratch8[:], uint64(e.LastSequence))
		buf = append(buf, scratch8[:]...)
	}
	if e.HasNextFileNumber {
		binary.LittleEndian.PutUint64(scratch8[:], e.NextFileNumber)
		buf = append(buf, scratch8[:]...)
	}

	buf = appendU32(buf, uint32(len(e.AddedFiles)))
	for level, files := range e.AddedFiles {
		buf = appendU32(buf, uint32(level))
		buf = appendU32(buf, uint32(len(files)))
		for _, f := range files {
			buf = EncodeFileMetaData(buf, f)
		}
	}

	buf = appendU32(buf, uint32(len(e.DeletedFiles)))
	for level, nums := range e.DeletedFiles {
		buf = appendU32(buf, uint32(level))
		buf = appendU32(buf, uint32(len(nums)))
		for _, n := range nums {
			binary.LittleEndian.PutUint64(scratch8[:], n)
			buf = append(buf, scratch8[:]...)
		}
	}
	return buf
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// DecodeVersionEdit parses the encoding Encode produces.
func DecodeVersionEdit(src []byte) (*VersionEdit, error) {
	e := NewVersionEdit()
	if len(src) < 1 {
		return nil, fmt.Errorf("lsm: empty version edit record: %w", common.ErrCorruption)
	}
	flags := src[0]
	off := 1

	if flags&1 != 0 {
		if len(src) < off+8 {
			return nil, fmt.Errorf("lsm: truncated last_sequence: %w", common.ErrCorruption)
		}
		e.HasLastSequence = true
		e.LastSequence = ikey.Sequence(binary.LittleEndian.Uint64(src[off : off+8]))
		off += 8
	}
	if flags&2 != 0 {
		if len(src) < off+8 {
			return nil, fmt.Errorf("lsm: truncated next_file_number: %w", common.ErrCorruption)
		}
		e.HasNextFileNumber = true
		e.NextFileNumber = binary.LittleEndian.Uint64(src[off : off+8])
		off += 8
	}

	numAddLevels, off2, err := readU32(src, off)
	if err != nil {
		return nil, err
	}
	off = off2
	for i := uint32(0); i < numAddLevels; i++ {
		level, o, err := readU32(src, off)
		if err != nil {
			return nil, err
		}
		off = o
		count, o2, err := readU32(src, off)
		if err != nil {
			return nil, err
		}
		off = o2
		for j := uint32(0); j < count; j++ {
			f, n, err := DecodeFileMetaData(src[off:])
			if err != nil {
				return nil, err
			}
			off += n
			e.AddFile(int(level), f)
		}
	}

	numDelLevels, off3, err := readU32(src, off)
	if err != nil {
		return nil, err
	}
	off = off3
	for i := uint32(0); i < numDelLevels; i++ {
		level, o, err := readU32(src, off)
		if err != nil {
			return nil, err
		}
		off = o
		count, o2, err := readU32(src, off)
		if err != nil {
			return nil, err
		}
		off = o2
		for j := uint32(0); j < count; j++ {
			if len(src) < off+8 {
				return nil, fmt.Errorf("lsm: truncated deleted file number: %w", common.ErrCorruption)
			}
			n := binary.LittleEndian.Uint64(src[off : off+8])
			off += 8
			e.DeleteFile(int(level), n)
		}
	}

	return e, nil
}

func readU32(src []byte, off int) (uint32, int, error) {
	if len(src) < off+4 {
		return 0, 0, fmt.Errorf("lsm: truncated u32 field: %w", common.ErrCorruption)
	}
	return binary.LittleEndian.Uint32(src[off : off+4]), off + 4, nil
}
