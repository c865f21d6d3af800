// Package stoc implements the storage component (StoC): the node that
// owns SSTable, manifest and WAL bytes on local disk and answers the
// block/sstable/flush/manifest requests an LTC issues over the RDMA
// fabric. It is the "external collaborator" a compute node talks to
// through internal/rdma.
package stoc

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nconghau/novadb/internal/common"
)

// FileKind distinguishes the three kinds of blob a DB asks a StoC to hold.
type FileKind string

const (
	KindSSTable  FileKind = "sst"
	KindManifest FileKind = "manifest"
	KindWAL      FileKind = "wal"
)

// Store is a single StoC node's view of local disk: one subdirectory per
// dbname, holding files named by (kind, file number). Create truncates,
// so writing a file number again replaces its previous contents.
type Store struct {
	root string
	log  *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File // open handles for files currently being written
}

// Open roots a Store at dir, creating it if necessary.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stoc: mkdir %s: %w", dir, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		root:  dir,
		log:   log.With("component", "stoc"),
		files: make(map[string]*os.File),
	}, nil
}

func (s *Store) path(dbname string, kind FileKind, fileNumber uint64) string {
	return filepath.Join(s.root, dbname, fmt.Sprintf("%s-%020d", kind, fileNumber))
}

func (s *Store) key(dbname string, kind FileKind, fileNumber uint64) string {
	return string(kind) + "/" + dbname + "/" + fmt.Sprint(fileNumber)
}

// Create opens a new, empty file for the given (dbname, kind, fileNumber),
// ready to receive WriteAt calls. The caller must call CloseFile when done.
func (s *Store) Create(dbname string, kind FileKind, fileNumber uint64) error {
	p := s.path(dbname, kind, fileNumber)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("stoc: mkdir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("stoc: create %s: %w", p, err)
	}
	s.mu.Lock()
	s.files[s.key(dbname, kind, fileNumber)] = f
	s.mu.Unlock()
	return nil
}

// WriteAt persists buf at the given offset within an open file created
// with Create. This models the FLUSH_SSTABLE / WRITE_MANIFEST RDMA
// opcodes from the wire protocol.
func (s *Store) WriteAt(dbname string, kind FileKind, fileNumber uint64, offset int64, buf []byte) error {
	s.mu.Lock()
	f, ok := s.files[s.key(dbname, kind, fileNumber)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("stoc: %s/%s/%d not open: %w", kind, dbname, fileNumber, common.ErrInvalidArgument)
	}
	if _, err := f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("stoc: write: %w", err)
	}
	return nil
}

// Sync fsyncs and keeps the file open for further random-access reads.
func (s *Store) Sync(dbname string, kind FileKind, fileNumber uint64) error {
	s.mu.Lock()
	f, ok := s.files[s.key(dbname, kind, fileNumber)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("stoc: %s/%s/%d not open: %w", kind, dbname, fileNumber, common.ErrInvalidArgument)
	}
	return f.Sync()
}

// ReadBlock reads up to len(scratch) bytes at offset, returning the
// number of bytes actually read (which may be less at EOF).
func (s *Store) ReadBlock(dbname string, kind FileKind, fileNumber uint64, offset int64, scratch []byte) (int, error) {
	f, err := s.openForRead(dbname, kind, fileNumber)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(scratch, offset)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("stoc: read: %w", err)
	}
	return n, nil
}

// ReadAll reads an entire file into memory, used for the prefetch-all
// RandomAccessFile mode and for SSTable compaction input.
func (s *Store) ReadAll(dbname string, kind FileKind, fileNumber uint64) ([]byte, error) {
	p := s.path(dbname, kind, fileNumber)
	buf, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("stoc: %s: %w", p, common.ErrNotFound)
		}
		return nil, fmt.Errorf("stoc: read %s: %w", p, err)
	}
	return buf, nil
}

// Size returns the current size of a file, open or not.
func (s *Store) Size(dbname string, kind FileKind, fileNumber uint64) (int64, error) {
	fi, err := os.Stat(s.path(dbname, kind, fileNumber))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("stoc: %w", common.ErrNotFound)
		}
		return 0, err
	}
	return fi.Size(), nil
}

// CloseFile closes the open write handle for a file, if any.
func (s *Store) CloseFile(dbname string, kind FileKind, fileNumber uint64) error {
	k := s.key(dbname, kind, fileNumber)
	s.mu.Lock()
	f, ok := s.files[k]
	delete(s.files, k)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Close()
}

// Delete removes a file from disk, used when a compaction drops an
// obsolete SSTable.
func (s *Store) Delete(dbname string, kind FileKind, fileNumber uint64) error {
	_ = s.CloseFile(dbname, kind, fileNumber)
	err := os.Remove(s.path(dbname, kind, fileNumber))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stoc: delete: %w", err)
	}
	return nil
}

func (s *Store) openForRead(dbname string, kind FileKind, fileNumber uint64) (*os.File, error) {
	p := s.path(dbname, kind, fileNumber)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("stoc: %s: %w", p, common.ErrNotFound)
		}
		return nil, fmt.Errorf("stoc: open %s: %w", p, err)
	}
	return f, nil
}

// PutBlob writes an opaque, length-prefixed blob in one shot as an
// ordinary StoC-hosted file instead of an SSTable. The loopback client's
// InitiateRDMAWrite uses it; DB migration stages its buffer through the
// SSTable flush path instead.
func (s *Store) PutBlob(dbname string, kind FileKind, fileNumber uint64, data []byte) error {
	if err := s.Create(dbname, kind, fileNumber); err != nil {
		return err
	}
	defer s.CloseFile(dbname, kind, fileNumber)
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(data)))
	if err := s.WriteAt(dbname, kind, fileNumber, 0, hdr[:]); err != nil {
		return err
	}
	if err := s.WriteAt(dbname, kind, fileNumber, 8, data); err != nil {
		return err
	}
	return s.Sync(dbname, kind, fileNumber)
}

// GetBlob reads back a blob written with PutBlob.
func (s *Store) GetBlob(dbname string, kind FileKind, fileNumber uint64) ([]byte, error) {
	raw, err := s.ReadAll(dbname, kind, fileNumber)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("stoc: truncated blob header: %w", common.ErrCorruption)
	}
	n := binary.LittleEndian.Uint64(raw[:8])
	if uint64(len(raw)-8) < n {
		return nil, fmt.Errorf("stoc: truncated blob body: %w", common.ErrCorruption)
	}
	return raw[8 : 8+n], nil
}
