package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nconghau/novadb/internal/common"
	"github.com/nconghau/novadb/internal/ikey"
)

const walFilePrefix = "wal-"
const walFileSuffix = ".log"

func walSegmentPath(dir string, seq int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%08d%s", walFilePrefix, seq, walFileSuffix))
}

// scanWALSegments lists every WAL segment present in dir, sorted
// ascending by sequence number, so a reopen can find and replay
// segments left behind by rotation as well as segment 0.
func scanWALSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lsm: scan wal dir %s: %w", dir, err)
	}
	var segments []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, walFilePrefix) || !strings.HasSuffix(name, walFileSuffix) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, walFilePrefix), walFileSuffix)
		seq, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		segments = append(segments, seq)
	}
	sort.Ints(segments)
	return segments, nil
}

// removeWALSegment deletes a WAL segment by number, called once its
// contents are durably captured in an SSTable.
func removeWALSegment(dir string, seq int) error {
	err := os.Remove(walSegmentPath(dir, seq))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WAL is a fragment's write-ahead log: every Put, Delete and batch entry
// is recorded here before it reaches the active memtable, so a crash between writes and the next
// flush can be replayed on reopen. Records are CRC32-Castagnoli
// checksummed so a torn write is detected rather than silently replayed.
//
// The WAL lives on local disk (not on the StoC fabric): it only needs to
// survive until the memtable it backs is flushed to an SSTable, at which
// point it is deleted, so there is no benefit to paying an RDMA round
// trip for it.
type WAL struct {
	f    *os.File
	path string
	w    *bufio.Writer
	mu   sync.Mutex
}

// OpenWAL opens (or creates) the WAL segment for sequence seq under dir.
func OpenWAL(dir string, seq int) (*WAL, error) {
	path := walSegmentPath(dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lsm: open wal %s: %w", path, err)
	}
	return &WAL{f: f, path: path, w: bufio.NewWriterSize(f, 256*1024)}, nil
}

// Append records one write (seq/vt/userKey/value) and flushes it to the
// OS; it does not fsync.
func (w *WAL) Append(seq ikey.Sequence, vt ikey.ValueType, userKey, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	body := make([]byte, 0, 9+len(userKey)+len(value))
	body = append(body, byte(vt))
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(seq))
	body = append(body, seqBuf[:]...)
	body = append(body, userKey...)
	body = append(body, value...)

	crc := crc32.Checksum(body, crcTable)

	if err := binary.Write(w.w, binary.LittleEndian, crc); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(userKey))); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(value))); err != nil {
		return err
	}
	if _, err := w.w.Write(body); err != nil {
		return err
	}
	return w.w.Flush()
}

// WALRecord is one replayed write.
type WALRecord struct {
	Seq     ikey.Sequence
	ValType ikey.ValueType
	UserKey []byte
	Value   []byte
}

// Iterate replays every record in the WAL from the beginning, stopping
// (and returning ErrCorruption) at the first record whose checksum
// doesn't match, which also conservatively marks where a torn write
// during a crash ended.
func (w *WAL) Iterate(fn func(WALRecord) error) error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReaderSize(w.f, 256*1024)

	for {
		var storedCRC, klen, vlen uint32
		if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &klen); err != nil {
			return fmt.Errorf("lsm: truncated wal record: %w", common.ErrCorruption)
		}
		if err := binary.Read(r, binary.LittleEndian, &vlen); err != nil {
			return fmt.Errorf("lsm: truncated wal record: %w", common.ErrCorruption)
		}

		body := make([]byte, 9+klen+vlen)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("lsm: truncated wal record body: %w", common.ErrCorruption)
		}

		if crc32.Checksum(body, crcTable) != storedCRC {
			return common.ErrCorruption
		}

		vt := ikey.ValueType(body[0])
		seq := ikey.Sequence(binary.LittleEndian.Uint64(body[1:9]))
		userKey := body[9 : 9+klen]
		value := body[9+klen:]

		if err := fn(WALRecord{Seq: seq, ValType: vt, UserKey: userKey, Value: value}); err != nil {
			return err
		}
	}
}

// Close flushes, fsyncs, and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w != nil {
		if err := w.w.Flush(); err != nil {
			return err
		}
	}
	if w.f != nil {
		if err := w.f.Sync(); err != nil {
			return err
		}
		return w.f.Close()
	}
	return nil
}

// Remove deletes the WAL segment from disk. The flush path does not call
// it; flushMemTable deletes flushed segments through removeWALSegment.
func (w *WAL) Remove() error {
	return os.Remove(w.path)
}
