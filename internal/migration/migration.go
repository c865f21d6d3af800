// Package migration implements the live DB-migration protocol that hands
// a fragment from a source LTC to a destination LTC without losing
// durability or read visibility: the source serializes its VersionSet
// and any un-flushed memtable entries into one buffer, ships it over the
// RDMA transport, and the destination replays it into a freshly opened
// DB for the same fragment.
package migration

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/nconghau/novadb/internal/common"
	"github.com/nconghau/novadb/internal/lsm"
	"github.com/nconghau/novadb/internal/rdma"
)

// tagLTCMigration is the one-byte wire tag every migration message
// leads with, distinguishing it from other RDMA message kinds sharing
// the same transport.
const tagLTCMigration = 0xA5

// migrationFileNumber is the fixed StoC file number a fragment's
// handoff buffer is staged under; migrations for the same fragment
// never overlap in time, so there is no need to allocate a fresh
// number per attempt.
const migrationFileNumber = 0

// stagingDBName is the StoC dbname a fragment's handoff buffer is
// staged under: a name derived from the fragment's own dbname keeps
// migration traffic for different fragments from colliding on the
// same StoC key, while staying distinct from that fragment's own
// SSTable/manifest files (which live under its real dbname).
func stagingDBName(fragmentName string) string {
	return fragmentName + ".migration"
}

// header mirrors the encoded DB metadata layout: a fixed-size prefix of
// section lengths and high-water marks, followed by the version and
// memtable blobs themselves. The lookup-index and table-id-mapping
// sections are carried as empty (zero-length) blobs: this implementation
// has no separate lookup index or SSTable table-id mapping structure to
// serialize (its SSTable index block and SSTableIterator already cover
// that role), so those fields exist only to keep the wire layout
// byte-compatible with the one a richer engine would use.
type header struct {
	DBIndex            uint32
	VersionSize        uint32
	MemtableSize       uint32
	LookupIndexSize    uint32
	TableIDMappingSize uint32
	LastSequence       uint64
	NextFileNumber     uint64
}

const headerSize = 1 + 4*5 + 8*2 // tag + five u32 lengths + two u64 marks

// EncodeState serializes one fragment's migratable state: its current
// Version (as a VersionEdit that recreates every file) and every
// (InternalKey, value) pair still sitting in a memtable that hasn't been
// flushed to an SSTable yet.
func EncodeState(dbIndex uint32, db *lsm.DB) ([]byte, error) {
	versionBlob := db.ExportVersionEdit().Encode()

	entries, err := db.ExportMemtables()
	if err != nil {
		return nil, fmt.Errorf("migration: export memtables: %w", err)
	}
	memtableBlob := encodeMemtableBlob(entries)

	h := header{
		DBIndex:        dbIndex,
		VersionSize:    uint32(len(versionBlob)),
		MemtableSize:   uint32(len(memtableBlob)),
		LastSequence:   uint64(db.LastSequence()),
		NextFileNumber: db.NextFileNumberHint(),
	}

	buf := make([]byte, 0, headerSize+len(versionBlob)+len(memtableBlob))
	buf = append(buf, tagLTCMigration)
	buf = appendU32(buf, h.DBIndex)
	buf = appendU32(buf, h.VersionSize)
	buf = appendU32(buf, h.MemtableSize)
	buf = appendU32(buf, h.LookupIndexSize)
	buf = appendU32(buf, h.TableIDMappingSize)
	buf = appendU64(buf, h.LastSequence)
	buf = appendU64(buf, h.NextFileNumber)
	buf = append(buf, versionBlob...)
	buf = append(buf, memtableBlob...)
	return buf, nil
}

func encodeMemtableBlob(entries [][2][]byte) []byte {
	var buf []byte
	buf = appendU32(buf, uint32(len(entries)))
	for _, kv := range entries {
		buf = appendU32(buf, uint32(len(kv[0])))
		buf = append(buf, kv[0]...)
		buf = appendU32(buf, uint32(len(kv[1])))
		buf = append(buf, kv[1]...)
	}
	return buf
}

func decodeMemtableBlob(buf []byte) ([][2][]byte, error) {
	count, off, err := readU32(buf, 0)
	if err != nil {
		return nil, err
	}
	out := make([][2][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		klen, o, err := readU32(buf, off)
		if err != nil {
			return nil, err
		}
		off = o
		if len(buf) < off+int(klen) {
			return nil, fmt.Errorf("migration: truncated memtable key: %w", common.ErrCorruption)
		}
		key := append([]byte(nil), buf[off:off+int(klen)]...)
		off += int(klen)

		vlen, o2, err := readU32(buf, off)
		if err != nil {
			return nil, err
		}
		off = o2
		if len(buf) < off+int(vlen) {
			return nil, fmt.Errorf("migration: truncated memtable value: %w", common.ErrCorruption)
		}
		value := append([]byte(nil), buf[off:off+int(vlen)]...)
		off += int(vlen)

		out = append(out, [2][]byte{key, value})
	}
	return out, nil
}

// Source drives the migration-source role: for each fragment being
// handed off, it encodes the fragment's state and stages it on the
// shared StoC store for the destination to fetch.
type Source struct {
	client rdma.BlockClient
	log    *slog.Logger
}

// NewSource builds a migration source bound to the given RDMA transport.
func NewSource(client rdma.BlockClient, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{client: client, log: log.With("component", "migration", "role", "source")}
}

// MigrateFragment serializes db's state and stages it on the shared StoC
// store under db's migration name, the RDMA-backed analogue of the
// slab-buffer allocate/serialize/send/wait/free flow the source role
// runs per fragment. The destination LTC, which shares the same StoC
// node, fetches the staged buffer with Destination.Fetch.
func (s *Source) MigrateFragment(ctx context.Context, dbIndex uint32, db *lsm.DB) error {
	buf, err := EncodeState(dbIndex, db)
	if err != nil {
		return err
	}
	reqID := s.client.InitiateFlushSSTable(ctx, stagingDBName(db.Name()), migrationFileNumber, buf)
	if res := s.client.Wait(reqID); res.Err != nil {
		return fmt.Errorf("migration: stage handoff buffer: %w", res.Err)
	}
	s.log.Info("migrated fragment", "db_index", dbIndex, "fragment", db.Name(), "bytes", len(buf))
	return nil
}

// Destination drives the migration-destination role: it fetches a
// staged handoff buffer from the shared StoC store and replays it into
// a freshly opened DB for the same fragment.
type Destination struct {
	client rdma.BlockClient
	log    *slog.Logger
}

// NewDestination builds a migration destination bound to the RDMA
// transport it fetches staged handoff buffers over.
func NewDestination(client rdma.BlockClient, log *slog.Logger) *Destination {
	if log == nil {
		log = slog.Default()
	}
	return &Destination{client: client, log: log.With("component", "migration", "role", "destination")}
}

// Fetch reads the handoff buffer a Source staged for fragmentName and
// replays it into db via Accept.
func (d *Destination) Fetch(ctx context.Context, fragmentName string, db *lsm.DB) (dbIndex uint32, err error) {
	reqID := d.client.InitiateReadSSTable(ctx, stagingDBName(fragmentName), migrationFileNumber)
	buf, err := d.client.ReadAllResult(reqID)
	if err != nil {
		return 0, fmt.Errorf("migration: fetch handoff buffer: %w", err)
	}
	return d.Accept(ctx, buf, db)
}

// Accept parses buf (as produced by EncodeState) and replays it into db,
// a freshly opened DB shell for the same db_index, already bound into
// the fragment table by the caller. It returns the db_index the message
// was addressed to, so the caller can mark that fragment ready and
// broadcast once Accept returns.
func (d *Destination) Accept(ctx context.Context, buf []byte, db *lsm.DB) (dbIndex uint32, err error) {
	if len(buf) < headerSize {
		return 0, fmt.Errorf("migration: truncated header (%d bytes): %w", len(buf), common.ErrCorruption)
	}
	if buf[0] != tagLTCMigration {
		return 0, fmt.Errorf("migration: bad message tag 0x%x: %w", buf[0], common.ErrInvalidArgument)
	}
	off := 1

	h := header{}
	h.DBIndex, off = mustReadU32(buf, off)
	h.VersionSize, off = mustReadU32(buf, off)
	h.MemtableSize, off = mustReadU32(buf, off)
	h.LookupIndexSize, off = mustReadU32(buf, off)
	h.TableIDMappingSize, off = mustReadU32(buf, off)
	h.LastSequence, off = mustReadU64(buf, off)
	h.NextFileNumber, off = mustReadU64(buf, off)

	if len(buf) < off+int(h.VersionSize)+int(h.MemtableSize) {
		return 0, fmt.Errorf("migration: truncated body: %w", common.ErrCorruption)
	}

	versionBlob := buf[off : off+int(h.VersionSize)]
	off += int(h.VersionSize)
	memtableBlob := buf[off : off+int(h.MemtableSize)]
	off += int(h.MemtableSize)

	edit, err := lsm.DecodeVersionEdit(versionBlob)
	if err != nil {
		return 0, fmt.Errorf("migration: decode version blob: %w", err)
	}
	if err := db.ImportVersionEdit(ctx, edit); err != nil {
		return 0, fmt.Errorf("migration: import version blob: %w", err)
	}

	entries, err := decodeMemtableBlob(memtableBlob)
	if err != nil {
		return 0, fmt.Errorf("migration: decode memtable blob: %w", err)
	}
	for _, kv := range entries {
		if err := db.ImportMemtableEntry(kv[0], kv[1]); err != nil {
			return 0, fmt.Errorf("migration: import memtable entry: %w", err)
		}
	}

	d.log.Info("accepted migration", "db_index", h.DBIndex, "last_sequence", h.LastSequence, "next_file_number", h.NextFileNumber)
	return h.DBIndex, nil
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendU64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func readU32(src []byte, off int) (uint32, int, error) {
	if len(src) < off+4 {
		return 0, 0, fmt.Errorf("migration: truncated u32 field: %w", common.ErrCorruption)
	}
	return binary.LittleEndian.Uint32(src[off : off+4]), off + 4, nil
}

func mustReadU32(src []byte, off int) (uint32, int) {
	v, next, _ := readU32(src, off)
	return v, next
}

func mustReadU64(src []byte, off int) (uint64, int) {
	return binary.LittleEndian.Uint64(src[off : off+8]), off + 8
}
